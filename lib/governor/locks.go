package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/zap"
)

// LockStore is the persisted half of the lock registry.
type LockStore interface {
	Ensure(ctx context.Context, name string, enabled bool) (*models.JobRecord, error)
	TryLock(ctx context.Context, name string, now time.Time) (bool, error)
	Unlock(ctx context.Context, name string) error
	UnlockPrefix(ctx context.Context, prefix string) (int64, error)
}

// BusyFunc reports whether work guarded by a lock is still in flight.
type BusyFunc func(ctx context.Context) (bool, error)

// Locks is the named job-lock registry. Lock state lives in the store so that
// it survives restarts and is visible to every process sharing the store.
type Locks struct {
	store   LockStore
	log     *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

func NewLocks(store LockStore, log *zap.Logger, m metrics.Recorder, now func() time.Time) *Locks {
	return &Locks{store, log, m, now}
}

func SubscriptionLock(id uint) string {
	return fmt.Sprintf("%s%d", SubscriptionLockPrefix, id)
}

const SubscriptionLockPrefix = "process_subscription-"

// Acquire takes the named lock. Contention is not an error: it reports false.
func (l *Locks) Acquire(ctx context.Context, name string) (bool, error) {
	if _, err := l.store.Ensure(ctx, name, false); err != nil {
		return false, err
	}
	ok, err := l.store.TryLock(ctx, name, l.now())
	if err != nil {
		return false, err
	}
	if !ok {
		l.metrics.RecordLockContention()
		l.log.Sugar().Debugw("Lock already held", "lock", name)
	}
	return ok, nil
}

func (l *Locks) Release(ctx context.Context, name string) error {
	return l.store.Unlock(ctx, name)
}

// ReleaseAll releases every lock in the family named by prefix.
func (l *Locks) ReleaseAll(ctx context.Context, prefix string) (int64, error) {
	return l.store.UnlockPrefix(ctx, prefix)
}

// ReleaseWhenIdle waits for delay, then releases the lock if busy reports no
// work in flight. The channel yields whether the lock was released.
func (l *Locks) ReleaseWhenIdle(ctx context.Context, name string, delay time.Duration, busy BusyFunc) <-chan bool {
	released := make(chan bool, 1)
	go func() {
		defer close(released)

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			released <- false
			return
		case <-timer.C:
		}

		if busy != nil {
			isBusy, err := busy(ctx)
			if err != nil {
				l.log.Sugar().Warnw("Busy check failed, keeping lock", "lock", name, "err", err)
				released <- false
				return
			}
			if isBusy {
				l.log.Sugar().Infow("Work still in flight, keeping lock", "lock", name)
				released <- false
				return
			}
		}

		if err := l.Release(ctx, name); err != nil {
			l.log.Sugar().Errorw("Failed to release lock", "lock", name, "err", err)
			released <- false
			return
		}
		released <- true
	}()
	return released
}
