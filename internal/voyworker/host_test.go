package voyworker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-cache janitor of hubs created in tests
		goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
		// leveldb memdb compaction goroutines are torn down asynchronously
		goleak.IgnoreAnyFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mpoolDrain"),
		goleak.IgnoreAnyFunction("github.com/syndtr/goleveldb/leveldb.(*DB).compactionError"),
		goleak.IgnoreAnyFunction("github.com/syndtr/goleveldb/leveldb.(*DB).tCompaction"),
		goleak.IgnoreAnyFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mCompaction"),
		goleak.IgnoreAnyFunction("github.com/syndtr/goleveldb/leveldb/util.(*BufferPool).drain"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("internal/poll.runtime_pollWait"),
	)
}

func TestDispatchWithoutHandler(t *testing.T) {
	h := NewHost(zap.NewNop(), NewMetrics(nil))
	err := h.Dispatch(context.Background(), &SyncEvent{Tag: "x"})
	require.ErrorIs(t, err, ErrNoHandler)
	h.Wait()
}

func TestDispatchReturnsHandlerError(t *testing.T) {
	m := NewMetrics(nil)
	h := NewHost(zap.NewNop(), m)
	boom := errors.New("boom")
	h.On(EventPush, func(ctx context.Context, ev Event) error { return boom })

	err := h.Dispatch(context.Background(), &PushEvent{})
	require.ErrorIs(t, err, boom)
	h.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("push")))
}

func TestDispatchRecoversPanic(t *testing.T) {
	m := NewMetrics(nil)
	h := NewHost(zap.NewNop(), m)
	h.On(EventPush, func(ctx context.Context, ev Event) error { panic("bad payload") })

	err := h.Dispatch(context.Background(), &PushEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad payload")

	// the host keeps working for the next event
	h.On(EventPush, func(ctx context.Context, ev Event) error { return nil })
	require.NoError(t, h.Dispatch(context.Background(), &PushEvent{}))
	h.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("push")))
}

func TestPendingWorkOutlivesHandler(t *testing.T) {
	h := NewHost(zap.NewNop(), NewMetrics(nil))
	release := make(chan struct{})
	var finished atomic.Bool
	h.On(EventSync, func(ctx context.Context, ev Event) error {
		ev.(*SyncEvent).WaitUntil(func(ctx context.Context) error {
			<-release
			finished.Store(true)
			return nil
		})
		return nil
	})

	require.NoError(t, h.Dispatch(context.Background(), &SyncEvent{}))
	assert.False(t, finished.Load())
	close(release)
	h.Wait()
	assert.True(t, finished.Load())
}

func TestPendingWorkIsNotCancelledWithDispatchContext(t *testing.T) {
	h := NewHost(zap.NewNop(), NewMetrics(nil))
	ctx, cancel := context.WithCancel(context.Background())
	var ctxErr atomic.Value
	h.On(EventSync, func(_ context.Context, ev Event) error {
		ev.(*SyncEvent).WaitUntil(func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			ctxErr.Store(ctx.Err() == nil)
			return nil
		})
		return nil
	})

	require.NoError(t, h.Dispatch(ctx, &SyncEvent{}))
	cancel()
	h.Wait()
	assert.Equal(t, true, ctxErr.Load())
}

func TestDispatchAndWaitReturnsPendingErrors(t *testing.T) {
	m := NewMetrics(nil)
	h := NewHost(zap.NewNop(), m)
	h.On(EventSync, func(ctx context.Context, ev Event) error {
		se := ev.(*SyncEvent)
		se.WaitUntil(func(ctx context.Context) error { return errors.New("first") })
		se.WaitUntil(func(ctx context.Context) error { panic("second") })
		se.WaitUntil(func(ctx context.Context) error { return nil })
		return nil
	})

	err := h.DispatchAndWait(context.Background(), &SyncEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("sync")))
}
