package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/blobrouter/pkg/blob"
	"github.com/jacktea/blobrouter/pkg/blobid"
	"github.com/jacktea/blobrouter/pkg/clustermap"
	"github.com/jacktea/blobrouter/pkg/notification"
	"github.com/jacktea/blobrouter/pkg/registry"
	"github.com/jacktea/blobrouter/pkg/router"
	"github.com/jacktea/blobrouter/pkg/snapshot"
	"github.com/jacktea/blobrouter/pkg/xerrors"
)

type simulateOptions struct {
	Router      routerOptions
	Puts        int
	Size        int
	Workers     int
	DeleteEvery int
	Snapshot    string
	Restore     string
	Metrics     bool
}

// simulationStats counts outcomes per operation and error code.
type simulationStats struct {
	mu        sync.Mutex
	outcomes  map[string]int
	mismatch  int
	bytesRead int64
}

func (s *simulationStats) record(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		s.outcomes = map[string]int{}
	}
	result := "ok"
	if err != nil {
		result = xerrors.CodeOf(err).String()
	}
	s.outcomes[op+" "+result]++
}

func (s *simulationStats) read(n int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesRead += n
	if !ok {
		s.mismatch++
	}
}

func doSimulate(ctx context.Context, out io.Writer, logger logr.Logger, opts simulateOptions) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Size < 0 {
		return fmt.Errorf("size must not be negative, got %d", opts.Size)
	}

	var reg *registry.Registry
	if opts.Restore != "" {
		restored, err := restoreRegistry(ctx, opts.Restore)
		if err != nil {
			return err
		}
		reg = restored
	}

	promReg := prometheus.NewRegistry()
	events := &notification.Recorder{}
	r, err := router.New(router.Config{
		Partitions:   clustermap.NewStatic(opts.Router.Partitions),
		Notifier:     notification.Multi{notification.NewLog(logger), events},
		Registry:     reg,
		Logger:       logger,
		Faults:       opts.Router.Faults,
		QueueSize:    opts.Router.QueueSize,
		CloseTimeout: opts.Router.CloseTimeout,
		Registerer:   promReg,
	})
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	stats := &simulationStats{}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := 0; i < opts.Puts; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			return simulateOne(gctx, r, stats, i, opts)
		})
	}
	werr := g.Wait()
	elapsed := time.Since(start)

	if err := r.Close(); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}

	if opts.Snapshot != "" {
		if err := saveSnapshot(ctx, opts.Snapshot, r); err != nil {
			return err
		}
	}

	printStats(out, r, stats, events, elapsed)
	if opts.Metrics {
		families, err := promReg.Gather()
		if err != nil {
			return fmt.Errorf("gather metrics: %w", err)
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
				return err
			}
		}
	}
	return nil
}

// simulateOne writes one blob, reads it back and optionally deletes it. Router
// errors are counted, not returned; an injected early panic is counted as well.
func simulateOne(ctx context.Context, r *router.Router, stats *simulationStats, i int, opts simulateOptions) error {
	defer func() {
		if p := recover(); p != nil {
			if p != router.ErrInjectedEarly {
				panic(p)
			}
			stats.record("panic", nil)
		}
	}()

	payload := make([]byte, opts.Size)
	for j := range payload {
		payload[j] = byte(rand.IntN(256))
	}
	props := blob.Properties{
		ServiceID:    "simulate",
		ContentType:  "application/octet-stream",
		CreationTime: time.Now(),
	}
	id, err := r.Put(ctx, props, []byte(fmt.Sprintf("n=%d", i)), bytes.NewReader(payload), nil).Get(ctx)
	stats.record("put", err)
	if err != nil {
		return ctx.Err()
	}

	res, err := r.Get(ctx, id, blob.GetOptions{Operation: blob.OperationAll}, nil).Get(ctx)
	stats.record("get", err)
	if err == nil {
		got, rerr := io.ReadAll(res.Data)
		res.Data.Close()
		if rerr != nil {
			return rerr
		}
		stats.read(int64(len(got)), bytes.Equal(got, payload) && res.Info.Properties.Size == int64(len(payload)))
	}

	if opts.DeleteEvery > 0 && i%opts.DeleteEvery == 0 {
		_, err := r.Delete(ctx, id, "simulate", nil).Get(ctx)
		stats.record("delete", err)
	}
	return ctx.Err()
}

func printStats(out io.Writer, r *router.Router, stats *simulationStats, events *notification.Recorder, elapsed time.Duration) {
	blobs := r.Blobs()
	var stored int64
	for _, b := range blobs {
		stored += b.Size()
	}
	fmt.Fprintf(out, "elapsed: %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "blobs: %s (%s)\n", humanize.Comma(int64(len(blobs))), humanize.IBytes(uint64(stored)))
	fmt.Fprintf(out, "deleted: %s\n", humanize.Comma(int64(len(r.Deleted()))))
	fmt.Fprintf(out, "read back: %s, mismatches: %d\n", humanize.IBytes(uint64(stats.bytesRead)), stats.mismatch)
	fmt.Fprintf(out, "notifications: created %s, deleted %s\n",
		humanize.Comma(int64(events.Count(notification.EventCreated, ""))),
		humanize.Comma(int64(events.Count(notification.EventDeleted, ""))))

	keys := make([]string, 0, len(stats.outcomes))
	for k := range stats.outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-40s %s\n", k, humanize.Comma(int64(stats.outcomes[k])))
	}
}

func restoreRegistry(ctx context.Context, path string) (*registry.Registry, error) {
	store, err := snapshot.Open(snapshot.Config{Path: path, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	reg, err := store.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	return reg, nil
}

func saveSnapshot(ctx context.Context, path string, src snapshot.Source) error {
	store, err := snapshot.Open(snapshot.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Save(ctx, src); err != nil {
		store.Close()
		return fmt.Errorf("save snapshot: %w", err)
	}
	return store.Close()
}

func doInspect(ctx context.Context, out io.Writer, path string, list bool) error {
	store, err := snapshot.Open(snapshot.Config{Path: path, ReadOnly: true})
	if err != nil {
		return err
	}
	defer store.Close()

	sum, err := store.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "snapshot: %s (format %d)\n", path, sum.Version)
	if !sum.TakenAt.IsZero() {
		fmt.Fprintf(out, "taken: %s (%s)\n", sum.TakenAt.Format(time.RFC3339), humanize.Time(sum.TakenAt))
	}
	fmt.Fprintf(out, "blobs: %s, deleted: %s, payload: %s\n",
		humanize.Comma(int64(sum.Blobs)), humanize.Comma(int64(sum.Deleted)), humanize.IBytes(uint64(sum.Bytes)))
	if !list {
		return nil
	}

	entries, err := store.Entries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		state := "live"
		if e.Deleted {
			state = "deleted"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", e.ID, humanize.IBytes(uint64(e.Properties.Size)), state, e.Properties.ServiceID)
	}
	return nil
}

func doDecodeID(out io.Writer, s string) error {
	id, err := blobid.Parse(s)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "version: %d\n", id.Version)
	fmt.Fprintf(out, "flag: %d\n", id.Flag)
	fmt.Fprintf(out, "datacenter: %d\n", id.DatacenterID)
	fmt.Fprintf(out, "account: %d\n", id.AccountID)
	fmt.Fprintf(out, "container: %d\n", id.ContainerID)
	fmt.Fprintf(out, "partition: %s\n", id.Partition)
	fmt.Fprintf(out, "uuid: %s\n", id.UUID)
	return nil
}
