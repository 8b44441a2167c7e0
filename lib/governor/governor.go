// Package governor bounds secondary post-processing work and owns the named
// job-lock registry.
package governor

import (
	"context"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/jobstore"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Governor struct {
	Images *Pool // hashing and similarity indexing
	Videos *Pool // transcoding
	Locks  *Locks
}

func NewGovernor(lc fx.Lifecycle, cfg *config.Config, store *jobstore.Store, log *zap.Logger, m metrics.Recorder) *Governor {
	g := &Governor{
		Images: NewPool("images", cfg.Pools.Images, log, m),
		Videos: NewPool("videos", cfg.Pools.Videos, log, m),
		Locks:  NewLocks(store, log, m, models.Now),
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Waiting for post-processing pools to drain")
			return g.Drain(ctx)
		},
	})
	return g
}

// Drain waits for both pools, giving up when ctx ends.
func (g *Governor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.Images.Wait()
		g.Videos.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
