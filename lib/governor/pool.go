package governor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/fiffu/archivist/lib/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Summary aggregates the outcomes of the tasks a pool ran.
type Summary struct {
	Succeeded int
	Failed    int
}

// Pool runs fire-and-forget tasks with at most capacity running at once.
type Pool struct {
	name    string
	sem     *semaphore.Weighted
	log     *zap.Logger
	metrics metrics.Recorder

	wg      sync.WaitGroup
	mu      sync.Mutex
	summary Summary
}

func NewPool(name string, capacity int, log *zap.Logger, m metrics.Recorder) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		name:    name,
		sem:     semaphore.NewWeighted(int64(capacity)),
		log:     log,
		metrics: m,
	}
}

// Go spawns fn. The goroutine waits for a slot, runs fn and releases the slot
// whatever the outcome; errors and panics are logged and never reach the caller.
func (p *Pool) Go(ctx context.Context, task string, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.finish(task, err)
			return
		}
		defer p.sem.Release(1)

		p.finish(task, run(ctx, fn))
	}()
}

// Wait blocks until every spawned task finished and returns the totals so far.
func (p *Pool) Wait() Summary {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

func (p *Pool) finish(task string, err error) {
	p.mu.Lock()
	if err != nil {
		p.summary.Failed++
	} else {
		p.summary.Succeeded++
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Sugar().Warnw("Pool task failed", "pool", p.name, "task", task, "err", err)
		p.metrics.RecordPoolTask(p.name, "error")
		return
	}
	p.metrics.RecordPoolTask(p.name, "ok")
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
