package router

import (
	"context"
	"fmt"
	"io"

	"github.com/jacktea/blobrouter/pkg/blob"
	"github.com/jacktea/blobrouter/pkg/future"
	"github.com/jacktea/blobrouter/pkg/xerrors"
)

// pendingWrite is a queued put, alive until the writer resolves it.
type pendingWrite struct {
	ctx      context.Context
	props    blob.Properties
	metadata []byte
	src      io.Reader
	future   *future.Future[string]
}

// Put queues src for storage and returns a handle resolved with the new blob
// id. The caller's props.Size is ignored; the stored size is the number of
// bytes read from src. Cancelling ctx after Put returns does not abort the
// write. Put blocks while the write queue is full.
func (r *Router) Put(ctx context.Context, props blob.Properties, metadata []byte, src io.Reader, cb future.Callback[string]) *future.Future[string] {
	if err := r.precheck(opPut); err != nil {
		return resolved(r, opPut, "", err, cb)
	}
	f := future.New(cb)
	pw := &pendingWrite{
		ctx:      context.WithoutCancel(ctx),
		props:    props,
		metadata: append([]byte(nil), metadata...),
		src:      src,
		future:   f,
	}
	if !r.enqueue(pw) {
		closeSource(src)
		complete(r, opPut, f, "", xerrors.E(xerrors.RouterClosed, opPut, ""))
	}
	return f
}

func (r *Router) enqueue(pw *pendingWrite) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.open.Load() {
		return false
	}
	r.metrics.queueDepth.Inc()
	select {
	case r.queue <- pw:
		return true
	case <-r.closing:
		r.metrics.queueDepth.Dec()
		return false
	}
}

// runWriter processes writes one at a time in submission order. After stop it
// finishes whatever is still buffered and exits.
func (r *Router) runWriter() {
	defer close(r.done)
	for {
		select {
		case pw := <-r.queue:
			r.write(pw)
		case <-r.stop:
			for {
				select {
				case pw := <-r.queue:
					r.write(pw)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) write(pw *pendingWrite) {
	r.metrics.queueDepth.Dec()
	id, err := r.post(pw)
	if err != nil {
		r.Error(err, "put failed", "id", id)
		id = ""
	} else {
		r.V(1).Info("blob stored", "id", id)
	}
	r.resolveWrite(pw, id, err)
}

// resolveWrite resolves a put from the writer goroutine. A panicking callback
// is logged so the writer keeps serving later puts.
func (r *Router) resolveWrite(pw *pendingWrite, id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.Error(fmt.Errorf("panic: %v", p), "put callback panicked", "id", id)
		}
	}()
	complete(r, opPut, pw.future, id, err)
}

// post runs one write: pick a partition, mint an id, drain the source, store
// the record and notify.
func (r *Router) post(pw *pendingWrite) (id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.Wrap(xerrors.UnexpectedInternalError, opPut, id, fmt.Errorf("panic: %v", p))
		}
	}()

	partition, err := r.selector.Choose(pw.ctx)
	if err != nil {
		closeSource(pw.src)
		return "", err
	}
	id = r.newID(partition)
	if r.registry.Contains(id) {
		closeSource(pw.src)
		return id, xerrors.Wrap(xerrors.DuplicateIdentifier, opPut, id, fmt.Errorf("blob id already issued"))
	}

	data, err := blob.Drain(pw.ctx, pw.src)
	if err != nil {
		return id, xerrors.Wrap(xerrors.UnexpectedInternalError, opPut, id, err)
	}

	record := blob.New(id, pw.props, pw.metadata, data)
	if err := r.registry.Insert(record); err != nil {
		return id, err
	}
	r.metrics.blobs.Set(float64(r.registry.Len()))

	if r.notifier != nil {
		r.notifier.OnBlobCreated(id, record.Properties(), record.UserMetadata(), blob.TypeSimple)
	}
	return id, nil
}

func closeSource(src io.Reader) {
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
}
