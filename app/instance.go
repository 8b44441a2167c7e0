package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fiffu/archivist/config"
	"github.com/gofrs/flock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("another instance holds the data directory")

// NewInstanceLock claims the data directory for this process. Job locks live
// in the store and are cleared at startup, which is only safe with one
// instance per store.
func NewInstanceLock(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(cfg.DataDir, "archivist.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", lock.Path(), ErrAlreadyRunning)
	}
	log.Sugar().Infow("Instance lock acquired", "path", lock.Path())

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return lock.Unlock()
		},
	})
	return lock, nil
}
