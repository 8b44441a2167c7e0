package scheduler

import (
	"context"
	"time"
)

// alarmClock delivers one tick as soon as it starts, then one per interval.
type alarmClock struct {
	cancel func()
	ticker *time.Ticker
	C      chan time.Time
}

func newAlarmClock(interval time.Duration) *alarmClock {
	return &alarmClock{
		ticker: time.NewTicker(interval),
		C:      make(chan time.Time, 1),
	}
}

func (a *alarmClock) Start(ctx context.Context) <-chan time.Time {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		defer close(a.C)
		defer a.ticker.Stop()

		a.C <- time.Now()
		for {
			select {
			case t := <-a.ticker.C:
				select {
				case a.C <- t:
				default:
					// A tick is still pending; the loop is behind and will catch up on it.
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return a.C
}

func (a *alarmClock) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}
