package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/blobrouter/pkg/blob"
	"github.com/jacktea/blobrouter/pkg/clustermap"
	"github.com/jacktea/blobrouter/pkg/notification"
	"github.com/jacktea/blobrouter/pkg/xerrors"
)

func newTestRouter(t *testing.T, mutate func(*Config)) (*Router, *notification.Recorder) {
	t.Helper()
	rec := &notification.Recorder{}
	cfg := Config{
		Partitions:   clustermap.NewStatic(4),
		Notifier:     rec,
		CloseTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, rec
}

func put(t *testing.T, r *Router, data string) string {
	t.Helper()
	id, err := r.Put(context.Background(), blob.Properties{ServiceID: "svc"}, []byte("meta"), strings.NewReader(data), nil).Wait()
	require.NoError(t, err)
	return id
}

func readAll(t *testing.T, res *blob.GetResult) string {
	t.Helper()
	require.NotNil(t, res.Data)
	defer res.Data.Close()
	b, err := io.ReadAll(res.Data)
	require.NoError(t, err)
	return string(b)
}

func TestNewRequiresPartitions(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPutThenGetReturnsSameBytes(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	payload := bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 1000)

	id, err := r.Put(context.Background(), blob.Properties{}, nil, iotest.HalfReader(bytes.NewReader(payload)), nil).Wait()
	require.NoError(t, err)

	res, err := r.Get(context.Background(), id, blob.GetOptions{Operation: blob.OperationData}, nil).Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.DataSize)
	assert.Equal(t, string(payload), readAll(t, res))
	assert.Nil(t, res.Info)
	assert.Equal(t, 1, rec.Count(notification.EventCreated, id))
}

func TestPutStoresActualSize(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	props := blob.Properties{Size: 4096, TTLSeconds: 0, ServiceID: "svc", ContentType: "text/plain"}
	id, err := r.Put(context.Background(), props, []byte("meta"), strings.NewReader("0123456789"), nil).Wait()
	require.NoError(t, err)

	res, err := r.Get(context.Background(), id, blob.GetOptions{Operation: blob.OperationAll}, nil).Wait()
	require.NoError(t, err)
	assert.Equal(t, "0123456789", readAll(t, res))
	require.NotNil(t, res.Info)
	assert.Equal(t, int64(10), res.Info.Properties.Size)
	assert.Equal(t, int64(0), res.Info.Properties.TTLSeconds)
	assert.Equal(t, "text/plain", res.Info.Properties.ContentType)
	assert.Equal(t, []byte("meta"), res.Info.UserMetadata)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(10), events[0].Properties.Size)
	assert.Equal(t, blob.TypeSimple, events[0].BlobType)
}

func TestGetInfoOnly(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	id := put(t, r, "abc")
	res, err := r.Get(context.Background(), id, blob.GetOptions{Operation: blob.OperationInfo}, nil).Wait()
	require.NoError(t, err)
	assert.Nil(t, res.Data)
	assert.Equal(t, "svc", res.Info.Properties.ServiceID)
}

func TestPutIDsUnique(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	const n = 200
	ids := make(chan string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			id, err := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader(fmt.Sprint(i)), nil).Wait()
			ids <- id
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, r.Blobs(), n)
}

func TestWritesResolveInSubmissionOrder(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	var mu sync.Mutex
	var order []int
	futures := make([]interface{ Wait() (string, error) }, 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		f := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("x"), func(string, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := f.Wait()
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestCallbackRunsOnceWithResult(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	got := make(chan string, 2)
	f := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("cb"), func(id string, err error) {
		assert.NoError(t, err)
		got <- id
	})
	id, err := f.Wait()
	require.NoError(t, err)
	assert.Equal(t, id, <-got)
	assert.Len(t, got, 0)
}

func TestDeleteThenGet(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	id := put(t, r, "soft-deleted")

	_, err := r.Delete(context.Background(), id, "cleaner", nil).Wait()
	require.NoError(t, err)

	_, err = r.Get(context.Background(), id, blob.GetOptions{}, nil).Wait()
	assert.Equal(t, xerrors.BlobDeleted, xerrors.CodeOf(err))

	for _, opt := range []blob.GetOption{blob.GetOptionIncludeDeleted, blob.GetOptionIncludeAll} {
		res, err := r.Get(context.Background(), id, blob.GetOptions{Option: opt}, nil).Wait()
		require.NoError(t, err)
		assert.Equal(t, "soft-deleted", readAll(t, res))
	}

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notification.EventDeleted, events[1].Kind)
	assert.Equal(t, "cleaner", events[1].ServiceID)
	assert.Equal(t, []string{id}, r.Deleted())
	assert.Contains(t, r.Blobs(), id)
}

func TestDeleteTwiceIsNoop(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	id := put(t, r, "x")

	for i := 0; i < 3; i++ {
		_, err := r.Delete(context.Background(), id, "svc", nil).Wait()
		require.NoError(t, err)
	}
	assert.Equal(t, 1, rec.Count(notification.EventDeleted, id))
}

func TestConcurrentDeleteNotifiesOnce(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	id := put(t, r, "x")

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			_, err := r.Delete(context.Background(), id, "svc", nil).Wait()
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, rec.Count(notification.EventDeleted, id))
}

func TestUnknownBlob(t *testing.T) {
	r, rec := newTestRouter(t, nil)

	_, err := r.Delete(context.Background(), "never-stored", "svc", nil).Wait()
	assert.Equal(t, xerrors.BlobDoesNotExist, xerrors.CodeOf(err))

	_, err = r.Get(context.Background(), "never-stored", blob.GetOptions{Option: blob.GetOptionIncludeAll}, nil).Wait()
	assert.Equal(t, xerrors.BlobDoesNotExist, xerrors.CodeOf(err))
	assert.Empty(t, rec.Events())
}

func TestGetRange(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	id := put(t, r, "0123456789")

	inside, err := blob.OffsetRange(2, 5)
	require.NoError(t, err)
	res, err := r.Get(context.Background(), id, blob.GetOptions{Range: inside}, nil).Wait()
	require.NoError(t, err)
	assert.Equal(t, "2345", readAll(t, res))
	assert.Equal(t, int64(4), res.DataSize)

	last, err := blob.LastN(3)
	require.NoError(t, err)
	res, err = r.Get(context.Background(), id, blob.GetOptions{Range: last}, nil).Wait()
	require.NoError(t, err)
	assert.Equal(t, "789", readAll(t, res))

	beyond, err := blob.OffsetRange(10, 20)
	require.NoError(t, err)
	_, err = r.Get(context.Background(), id, blob.GetOptions{Range: beyond}, nil).Wait()
	assert.Equal(t, xerrors.RangeNotSatisfiable, xerrors.CodeOf(err))

	// Info reads ignore the range.
	res, err = r.Get(context.Background(), id, blob.GetOptions{Operation: blob.OperationInfo, Range: beyond}, nil).Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Info.Properties.Size)
}

func TestNoWritablePartitions(t *testing.T) {
	r, rec := newTestRouter(t, func(cfg *Config) {
		cfg.Partitions = clustermap.Static{}
	})
	_, err := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("data"), nil).Wait()
	assert.Equal(t, xerrors.NoWritablePartitions, xerrors.CodeOf(err))
	assert.Empty(t, r.Blobs())
	assert.Empty(t, r.Deleted())
	assert.Empty(t, rec.Events())
}

func TestDuplicateIdentifier(t *testing.T) {
	r, rec := newTestRouter(t, func(cfg *Config) {
		cfg.IDGenerator = func(clustermap.Partition) string { return "fixed-id" }
	})
	id := put(t, r, "first")
	assert.Equal(t, "fixed-id", id)

	_, err := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("second"), nil).Wait()
	assert.Equal(t, xerrors.DuplicateIdentifier, xerrors.CodeOf(err))

	res, err := r.Get(context.Background(), id, blob.GetOptions{}, nil).Wait()
	require.NoError(t, err)
	assert.Equal(t, "first", readAll(t, res))
	assert.Equal(t, 1, rec.Count(notification.EventCreated, ""))
}

func TestSourceFaultIsInternalError(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	boom := errors.New("upstream reset")
	src := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom))

	_, err := r.Put(context.Background(), blob.Properties{}, nil, src, nil).Wait()
	assert.Equal(t, xerrors.UnexpectedInternalError, xerrors.CodeOf(err))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, r.Blobs())
}

type panickingNotifier struct{ notification.Recorder }

func (p *panickingNotifier) OnBlobCreated(string, blob.Properties, []byte, blob.Type) {
	panic("sink down")
}

func TestNotifierPanicIsInternalError(t *testing.T) {
	r, _ := newTestRouter(t, func(cfg *Config) {
		cfg.Notifier = &panickingNotifier{}
	})
	_, err := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("x"), nil).Wait()
	assert.Equal(t, xerrors.UnexpectedInternalError, xerrors.CodeOf(err))
	// The record was inserted before the sink ran.
	assert.Len(t, r.Blobs(), 1)
}

func TestPutContextCancellationDoesNotAbort(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	f := r.Put(ctx, blob.Properties{}, nil, pr, nil)
	cancel()
	go func() {
		_, _ = pw.Write([]byte("late bytes"))
		_ = pw.Close()
	}()
	id, err := f.Wait()
	require.NoError(t, err)
	res, err := r.Get(context.Background(), id, blob.GetOptions{}, nil).Wait()
	require.NoError(t, err)
	assert.Equal(t, "late bytes", readAll(t, res))
}

func TestClosedRouterRejectsEverything(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	id := put(t, r, "x")

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.False(t, r.IsOpen())

	// Closed wins over injected faults.
	r.SetFaults(FaultConfig{Mode: FaultPanicEarly})

	_, err := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("y"), nil).Wait()
	assert.Equal(t, xerrors.RouterClosed, xerrors.CodeOf(err))
	_, err = r.Get(context.Background(), id, blob.GetOptions{}, nil).Wait()
	assert.Equal(t, xerrors.RouterClosed, xerrors.CodeOf(err))
	_, err = r.Delete(context.Background(), id, "svc", nil).Wait()
	assert.Equal(t, xerrors.RouterClosed, xerrors.CodeOf(err))

	require.NoError(t, r.Close())
	assert.Equal(t, 1, rec.Count(notification.EventCreated, ""))
	assert.Equal(t, 0, rec.Count(notification.EventDeleted, ""))
}

func TestCloseDrainsQueuedWrites(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	release := make(chan struct{})
	pr, pw := io.Pipe()
	first := r.Put(context.Background(), blob.Properties{}, nil, pr, nil)
	second := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("queued"), nil)

	go func() {
		<-release
		_, _ = pw.Write([]byte("slow"))
		_ = pw.Close()
	}()
	closed := make(chan struct{})
	go func() {
		_ = r.Close()
		close(closed)
	}()
	close(release)
	<-closed

	_, err := first.Wait()
	require.NoError(t, err)
	_, err = second.Wait()
	require.NoError(t, err)
	assert.Len(t, r.Blobs(), 2)
}

func TestCloseTimeoutIsBestEffort(t *testing.T) {
	r, _ := newTestRouter(t, func(cfg *Config) {
		cfg.CloseTimeout = 20 * time.Millisecond
	})
	pr, pw := io.Pipe()
	defer pw.Close()
	f := r.Put(context.Background(), blob.Properties{}, nil, pr, nil)

	start := time.Now()
	require.NoError(t, r.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	_, _, ok := f.Result()
	assert.False(t, ok, "stalled write must still be pending")
}

func TestInjectedFaults(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	id := put(t, r, "x")

	t.Run("panic early", func(t *testing.T) {
		r.SetFaults(FaultConfig{Mode: FaultPanicEarly})
		called := false
		assert.PanicsWithValue(t, ErrInjectedEarly, func() {
			r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("y"), func(string, error) { called = true })
		})
		assert.PanicsWithValue(t, ErrInjectedEarly, func() {
			r.Get(context.Background(), id, blob.GetOptions{}, nil)
		})
		assert.PanicsWithValue(t, ErrInjectedEarly, func() {
			r.Delete(context.Background(), id, "svc", nil)
		})
		assert.False(t, called)
	})

	t.Run("internal error", func(t *testing.T) {
		r.SetFaults(FaultConfig{Mode: FaultInternalError})
		var cbErr error
		f := r.Get(context.Background(), id, blob.GetOptions{}, func(_ *blob.GetResult, err error) { cbErr = err })
		_, err, ok := f.Result()
		require.True(t, ok, "injected faults resolve immediately")
		assert.Equal(t, xerrors.UnexpectedInternalError, xerrors.CodeOf(err))
		assert.ErrorIs(t, err, ErrInjectedLate)
		assert.Equal(t, err, cbErr)
	})

	t.Run("router error", func(t *testing.T) {
		code, ok := xerrors.ParseCode("BlobDeleted")
		require.True(t, ok)
		r.SetFaults(FaultConfig{Mode: FaultRouterError, Code: code})
		f := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("y"), nil)
		_, err, done := f.Result()
		require.True(t, done)
		assert.Equal(t, xerrors.BlobDeleted, xerrors.CodeOf(err))

		_, err = r.Delete(context.Background(), id, "svc", nil).Wait()
		assert.Equal(t, xerrors.BlobDeleted, xerrors.CodeOf(err))
	})

	r.SetFaults(FaultConfig{})
	assert.Len(t, r.Blobs(), 1, "faulted puts must not store anything")
	assert.Equal(t, 0, rec.Count(notification.EventDeleted, ""))
	_, err := r.Get(context.Background(), id, blob.GetOptions{}, nil).Wait()
	assert.NoError(t, err)
}

func TestParseFaultMode(t *testing.T) {
	for mode, name := range faultModeNames {
		got, err := ParseFaultMode(name)
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	got, err := ParseFaultMode("")
	require.NoError(t, err)
	assert.Equal(t, FaultNone, got)
	_, err = ParseFaultMode("explode")
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	r, _ := newTestRouter(t, func(cfg *Config) {
		cfg.Registerer = reg
	})
	id := put(t, r, "x")
	_, _ = r.Get(context.Background(), id, blob.GetOptions{}, nil).Wait()
	_, _ = r.Get(context.Background(), "missing", blob.GetOptions{}, nil).Wait()
	_, _ = r.Delete(context.Background(), id, "svc", nil).Wait()

	m := r.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(opPut, resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(opGet, resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(opGet, "BlobDoesNotExist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(opDelete, resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deleted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))

	const want = `
		# HELP blobrouter_router_deleted_blobs Blob ids carrying a deletion marker
		# TYPE blobrouter_router_deleted_blobs gauge
		blobrouter_router_deleted_blobs 1
	`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "blobrouter_router_deleted_blobs"))
}

type explodingReader struct{}

func (explodingReader) Read([]byte) (int, error) { panic("source exploded") }

func TestPanickingSourceIsInternalError(t *testing.T) {
	r, rec := newTestRouter(t, nil)
	_, err := r.Put(context.Background(), blob.Properties{}, nil, explodingReader{}, nil).Wait()
	assert.Equal(t, xerrors.UnexpectedInternalError, xerrors.CodeOf(err))
	assert.ErrorContains(t, err, "source exploded")
	assert.Empty(t, r.Blobs())
	assert.Empty(t, rec.Events())

	// The writer is still serving.
	put(t, r, "after")
}

func TestPanickingCallbackKeepsWriterAlive(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	f := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("first"), func(string, error) {
		panic("caller bug")
	})
	first, err := f.Wait()
	require.NoError(t, err)

	second := put(t, r, "second")
	assert.NotEqual(t, first, second)
	assert.Len(t, r.Blobs(), 2)
}

func TestPutBlockedOnFullQueueFailsOnClose(t *testing.T) {
	r, _ := newTestRouter(t, func(cfg *Config) {
		cfg.QueueSize = 1
		cfg.CloseTimeout = 50 * time.Millisecond
	})
	depth := func() float64 { return testutil.ToFloat64(r.Metrics().queueDepth) }

	pr, pw := io.Pipe()
	stalled := r.Put(context.Background(), blob.Properties{}, nil, pr, nil)
	require.Eventually(t, func() bool { return depth() == 0 }, time.Second, time.Millisecond,
		"writer never picked up the stalled write")

	queued := r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("queued"), nil)
	blocked := make(chan interface{ Wait() (string, error) }, 1)
	go func() {
		blocked <- r.Put(context.Background(), blob.Properties{}, nil, strings.NewReader("blocked"), nil)
	}()
	require.Eventually(t, func() bool { return depth() == 2 }, time.Second, time.Millisecond,
		"third put never blocked on the full queue")

	require.NoError(t, r.Close())

	var third interface{ Wait() (string, error) }
	select {
	case third = <-blocked:
	case <-time.After(time.Second):
		t.Fatal("blocked put did not return after close")
	}
	_, err := third.Wait()
	assert.Equal(t, xerrors.RouterClosed, xerrors.CodeOf(err))

	// Releasing the stalled source lets the writer finish what it accepted.
	_, _ = pw.Write([]byte("stalled"))
	require.NoError(t, pw.Close())
	_, err = stalled.Wait()
	require.NoError(t, err)
	_, err = queued.Wait()
	require.NoError(t, err)
	assert.Len(t, r.Blobs(), 2)
}

func TestGetRejectsMalformedRangeLiteral(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	id := put(t, r, "0123456789")

	for _, rng := range []*blob.Range{
		{Kind: blob.RangeOffset, Start: -1, End: 3},
		{Kind: blob.RangeOffset, Start: 4, End: 2},
		{Kind: blob.RangeFromOffset, Start: -2},
		{Kind: blob.RangeLastN, N: -5},
		{Kind: blob.RangeLastN, N: 0},
	} {
		_, err := r.Get(context.Background(), id, blob.GetOptions{Range: rng}, nil).Wait()
		assert.Equal(t, xerrors.RangeNotSatisfiable, xerrors.CodeOf(err), "range %s", rng)
	}
}
