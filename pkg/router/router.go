// Package router is an in-memory stand-in for a distributed blob-storage
// router.
//
// Puts are queued to a single writer goroutine and resolve their handle from
// there, in submission order. Gets and deletes run on the caller's goroutine
// and return an already resolved handle. Every failure, apart from an injected
// FaultPanicEarly, is delivered through the handle as an *xerrors.Error.
package router

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacktea/blobrouter/pkg/blob"
	"github.com/jacktea/blobrouter/pkg/blobid"
	"github.com/jacktea/blobrouter/pkg/clustermap"
	"github.com/jacktea/blobrouter/pkg/future"
	"github.com/jacktea/blobrouter/pkg/notification"
	"github.com/jacktea/blobrouter/pkg/registry"
	"github.com/jacktea/blobrouter/pkg/xerrors"
)

const (
	opPut    = "Put"
	opGet    = "Get"
	opDelete = "Delete"

	DefaultQueueSize    = 128
	DefaultCloseTimeout = time.Minute
)

// Config wires a Router.
type Config struct {
	// Partitions lists writable partitions. Required.
	Partitions clustermap.Lister
	// Notifier is told about creations and deletions. Optional.
	Notifier notification.Notifier
	// Registry holds the records. A fresh one is created when nil.
	Registry *registry.Registry
	Logger   logr.Logger
	Faults   FaultConfig
	// QueueSize bounds writes waiting for the writer goroutine.
	QueueSize int
	// CloseTimeout bounds how long Close waits for queued writes.
	CloseTimeout time.Duration
	// Registerer receives the router metrics when set.
	Registerer prometheus.Registerer
	// IDGenerator overrides blob id generation.
	IDGenerator func(clustermap.Partition) string
	// Intn overrides the random source used to pick partitions.
	Intn func(int) int
}

// Router keeps blobs in memory.
type Router struct {
	logr.Logger

	registry     *registry.Registry
	selector     *clustermap.Selector
	notifier     notification.Notifier
	newID        func(clustermap.Partition) string
	closeTimeout time.Duration
	metrics      *Metrics

	faults atomic.Pointer[FaultConfig]
	open   atomic.Bool

	mu      sync.RWMutex // held for read while enqueueing, for write while stopping
	queue   chan *pendingWrite
	closing chan struct{} // unblocks enqueuers
	stop    chan struct{} // tells the writer to drain and exit
	done    chan struct{} // closed when the writer exits
}

// New starts a router and its writer goroutine.
func New(cfg Config) (*Router, error) {
	if cfg.Partitions == nil {
		return nil, errors.New("router: partition lister is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = func(p clustermap.Partition) string { return blobid.New(p).String() }
	}
	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	r := &Router{
		Logger:       logger.WithValues("component", "router"),
		registry:     cfg.Registry,
		selector:     clustermap.NewSelector(cfg.Partitions, cfg.Intn),
		notifier:     cfg.Notifier,
		newID:        cfg.IDGenerator,
		closeTimeout: cfg.CloseTimeout,
		metrics:      newMetrics(),
		queue:        make(chan *pendingWrite, cfg.QueueSize),
		closing:      make(chan struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(r.metrics); err != nil {
			return nil, err
		}
	}
	r.SetFaults(cfg.Faults)
	r.open.Store(true)
	r.metrics.blobs.Set(float64(r.registry.Len()))
	r.metrics.deleted.Set(float64(r.registry.DeletedLen()))

	go r.runWriter()
	return r, nil
}

// IsOpen reports whether the router still accepts operations.
func (r *Router) IsOpen() bool { return r.open.Load() }

// SetFaults replaces the injected fault for subsequent operations.
func (r *Router) SetFaults(fc FaultConfig) {
	r.faults.Store(&fc)
}

// Faults returns the current fault configuration.
func (r *Router) Faults() FaultConfig {
	return *r.faults.Load()
}

// Metrics returns the router's collector.
func (r *Router) Metrics() *Metrics { return r.metrics }

// Blobs returns a snapshot of every stored record, deleted ones included.
func (r *Router) Blobs() map[string]*blob.Blob { return r.registry.Blobs() }

// Deleted returns the deleted ids in ascending order.
func (r *Router) Deleted() []string { return r.registry.Deleted() }

// Close stops accepting operations and waits, up to the configured timeout,
// for queued writes to finish. It is safe to call more than once; a timeout is
// logged rather than returned.
func (r *Router) Close() error {
	if r.open.CompareAndSwap(true, false) {
		close(r.closing)
		r.mu.Lock()
		close(r.stop)
		r.mu.Unlock()
	}
	timer := time.NewTimer(r.closeTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		r.Info("timed out waiting for queued writes", "timeout", r.closeTimeout)
	}
	return nil
}

// precheck runs before any work. A closed router wins over injected faults.
func (r *Router) precheck(op string) error {
	if !r.open.Load() {
		return xerrors.E(xerrors.RouterClosed, op, "")
	}
	return r.Faults().injected(op)
}

// complete records the outcome and resolves f.
func complete[T any](r *Router, op string, f *future.Future[T], v T, err error) {
	r.metrics.observe(op, err)
	f.Resolve(v, err)
}

// resolved records the outcome of an inline operation and returns its handle.
func resolved[T any](r *Router, op string, v T, err error, cb future.Callback[T]) *future.Future[T] {
	r.metrics.observe(op, err)
	return future.Resolved(v, err, cb)
}
