package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiffu/archivist/lib/jobstore"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRecorder() metrics.Recorder {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool("images", 2, zap.NewNop(), newRecorder())

	var running, peak int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		pool.Go(context.Background(), "task", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	summary := pool.Wait()
	assert.Equal(t, 8, summary.Succeeded)
	assert.LessOrEqual(t, peak, int32(2))
}

func TestPool_FailuresDoNotPropagate(t *testing.T) {
	pool := NewPool("videos", 1, zap.NewNop(), newRecorder())

	pool.Go(context.Background(), "error", func(ctx context.Context) error { return errors.New("transcode failed") })
	pool.Go(context.Background(), "panic", func(ctx context.Context) error { panic("bad frame") })
	pool.Go(context.Background(), "ok", func(ctx context.Context) error { return nil })

	summary := pool.Wait()
	assert.Equal(t, Summary{Succeeded: 1, Failed: 2}, summary)
}

func TestPool_ReleasesSlotAfterPanic(t *testing.T) {
	pool := NewPool("videos", 1, zap.NewNop(), newRecorder())
	pool.Go(context.Background(), "panic", func(ctx context.Context) error { panic("boom") })
	pool.Wait()

	done := make(chan struct{})
	pool.Go(context.Background(), "after", func(ctx context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot was not released")
	}
	pool.Wait()
}

func newLocks(t *testing.T) *Locks {
	store := jobstore.NewStore(testutil.NewDB(t))
	return NewLocks(store, zap.NewNop(), newRecorder(), testutil.NewClock(testutil.Epoch).Now)
}

func TestLocks_AcquireRelease(t *testing.T) {
	locks := newLocks(t)
	ctx := context.Background()
	name := SubscriptionLock(7)
	assert.Equal(t, "process_subscription-7", name)

	ok, err := locks.Acquire(ctx, name)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.Acquire(ctx, name)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locks.Release(ctx, name))
	ok, err = locks.Acquire(ctx, name)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocks_ConcurrentAcquireHasOneWinner(t *testing.T) {
	locks := newLocks(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := locks.Acquire(ctx, "job")
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestLocks_ReleaseWhenIdle(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		locks := newLocks(t)
		_, err := locks.Acquire(ctx, "job")
		require.NoError(t, err)

		released := <-locks.ReleaseWhenIdle(ctx, "job", time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		assert.True(t, released)

		ok, err := locks.Acquire(ctx, "job")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("busy", func(t *testing.T) {
		locks := newLocks(t)
		_, err := locks.Acquire(ctx, "job")
		require.NoError(t, err)

		released := <-locks.ReleaseWhenIdle(ctx, "job", time.Millisecond, func(ctx context.Context) (bool, error) {
			return true, nil
		})
		assert.False(t, released)

		ok, err := locks.Acquire(ctx, "job")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
