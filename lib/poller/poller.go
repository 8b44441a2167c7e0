// Package poller ingests new remote references for subscriptions and drives
// the resulting elements through download.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/dispatcher"
	"github.com/fiffu/archivist/lib/executor"
	"github.com/fiffu/archivist/lib/governor"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/providers"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const moduleName = "process_subscription"

// Reporter receives progress of a run.
type Reporter interface {
	Stage(ctx context.Context, stage string)
	Progress(ctx context.Context, done, total int)
	Add(key string, n int)
	Publish(ctx context.Context)
}

// Notifier tells a human that a subscription took itself out of rotation.
type Notifier interface {
	NotifyQuarantine(ctx context.Context, sub *models.Subscription, cause error) error
}

// ProviderError is a failure reported by a source provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type Poller struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       config.Poller
	exec      *executor.Executor
	providers providers.Registry
	dispatch  dispatcher.Dispatcher
	gov       *governor.Governor
	images    dispatcher.Processor
	videos    dispatcher.Processor
	notifier  Notifier
	metrics   metrics.Recorder

	now func() time.Time
	wg  sync.WaitGroup
}

type Deps struct {
	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Poller
	Exec      *executor.Executor
	Providers providers.Registry
	Dispatch  dispatcher.Dispatcher
	Governor  *governor.Governor
	Images    dispatcher.Processor
	Videos    dispatcher.Processor
	Notifier  Notifier
	Metrics   metrics.Recorder
	Now       func() time.Time
}

func New(d Deps) *Poller {
	now := d.Now
	if now == nil {
		now = models.Now
	}
	if d.Config.PageSize <= 0 {
		d.Config.PageSize = 20
	}
	return &Poller{
		db:        d.DB,
		log:       d.Log,
		cfg:       d.Config,
		exec:      d.Exec,
		providers: d.Providers,
		dispatch:  d.Dispatch,
		gov:       d.Governor,
		images:    d.Images,
		videos:    d.Videos,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		now:       now,
	}
}

func NewPoller(
	lc fx.Lifecycle,
	cfg *config.Config,
	db *gorm.DB,
	log *zap.Logger,
	exec *executor.Executor,
	reg providers.Registry,
	downloader *dispatcher.Downloader,
	gov *governor.Governor,
	checksummer *dispatcher.Checksummer,
	notifier Notifier,
	m metrics.Recorder,
) *Poller {
	p := New(Deps{
		DB:        db,
		Log:       log,
		Config:    cfg.Poller,
		Exec:      exec,
		Providers: reg,
		Dispatch:  downloader,
		Governor:  gov,
		Images:    checksummer,
		Videos:    checksummer,
		Notifier:  notifier,
		Metrics:   m,
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Waiting for subscription runs to finish")
			return p.Wait(ctx)
		},
	})
	return p
}

// Go runs fn as a tracked background run.
func (p *Poller) Go(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(context.Background())
	}()
}

func (p *Poller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire takes the subscription's process lock. A false result means a run
// is already in flight.
func (p *Poller) Acquire(ctx context.Context, subID uint) (bool, error) {
	return p.gov.Locks.Acquire(ctx, governor.SubscriptionLock(subID))
}

func (p *Poller) Release(ctx context.Context, subID uint) error {
	return p.gov.Locks.Release(ctx, governor.SubscriptionLock(subID))
}

// Busy reports whether any subscription is mid-run.
func (p *Poller) Busy(ctx context.Context) (bool, error) {
	var n int64
	tx := p.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status IN ?", []models.SubscriptionStatus{models.SubscriptionAutomatic, models.SubscriptionManual}).
		Count(&n)
	return n > 0, tx.Error
}

// SubscriptionBusy reports whether the subscription owning a process lock is mid-run.
func (p *Poller) SubscriptionBusy(ctx context.Context, lock string) (bool, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(lock, governor.SubscriptionLockPrefix), 10, 64)
	if err != nil {
		return false, fmt.Errorf("lock %q: %w", lock, err)
	}

	var sub models.Subscription
	tx := p.db.WithContext(ctx).Select("id", "status").Where("id = ?", id).Limit(1).Find(&sub)
	if err := tx.Error; err != nil {
		return false, err
	}
	return sub.Status.Running(), nil
}

// Recover returns subscriptions interrupted by a crash to idle and frees
// their process locks. It runs before the scheduler reports ready.
func (p *Poller) Recover(ctx context.Context) error {
	var subs models.Subscriptions
	tx := p.db.WithContext(ctx).
		Where("status IN ?", []models.SubscriptionStatus{models.SubscriptionAutomatic, models.SubscriptionManual}).
		Find(&subs)
	if err := tx.Error; err != nil {
		return err
	}

	for i := range subs {
		sub := &subs[i]
		if err := sub.Complete(); err != nil {
			return err
		}
		tx := p.db.WithContext(ctx).Model(sub).Omit(clause.Associations).Updates(sub.StateColumns())
		if err := tx.Error; err != nil {
			return err
		}
		p.log.Sugar().Infow("Recovered interrupted subscription", "subscription_id", sub.ID)
	}

	released, err := p.gov.Locks.ReleaseAll(ctx, governor.SubscriptionLockPrefix)
	if err != nil {
		return err
	}
	if len(subs) > 0 || released > 0 {
		p.log.Sugar().Infow("Startup recovery complete", "subscriptions", len(subs), "locks_released", released)
	}
	return nil
}

var errStopped = errors.New("stopped")
