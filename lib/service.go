package lib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/poller"
	"github.com/fiffu/archivist/lib/providers"
	"github.com/fiffu/archivist/lib/scheduler"
	"github.com/fiffu/archivist/lib/sweeper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotReady         = errors.New("subscriptions are not ready")
	ErrSubscriptionBusy = errors.New("subscription is already running")
)

// Service is the surface the presentation layer talks to.
type Service struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *gorm.DB
	scheduler *scheduler.State

	*manualRun
	*subscriptions
	*elements
}

func NewService(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	db *gorm.DB,
	sched *scheduler.State,
	p *poller.Poller,
	sw *sweeper.Sweeper,
	reg providers.Registry,
) *Service {
	RegisterJobs(cfg.Scheduler, sched, p, sw)
	return newService(cfg, log, db, sched, p, reg, models.Now)
}

func newService(cfg *config.Config, log *zap.Logger, db *gorm.DB, sched *scheduler.State, p *poller.Poller, reg providers.Registry, now func() time.Time) *Service {
	return &Service{
		cfg, log, db, sched,
		&manualRun{log, db, sched, p},
		&subscriptions{log, db, reg, now},
		&elements{log, db, now},
	}
}

func (svc *Service) ListJobs(ctx context.Context) (models.JobRecords, error) {
	return svc.scheduler.Jobs(ctx)
}

func (svc *Service) RunJobNow(ctx context.Context, name string) (string, error) {
	return svc.scheduler.RunNow(ctx, name)
}

func (svc *Service) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	if err := svc.scheduler.SetEnabled(ctx, name, enabled); err != nil {
		return err
	}
	svc.log.Sugar().Infow("Job toggled", "job", name, "enabled", enabled)
	return nil
}

// Ready reports whether startup recovery has finished.
func (svc *Service) Ready() bool {
	return svc.scheduler.Ready()
}

// first loads the row with the given primary key, mapping a miss to ErrNotFound.
func first(tx *gorm.DB, dest any, id any) error {
	err := tx.First(dest, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%T %v: %w", dest, id, ErrNotFound)
	}
	return err
}
