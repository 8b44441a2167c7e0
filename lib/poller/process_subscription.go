package poller

import (
	"context"
	"errors"

	"github.com/fiffu/archivist/lib/governor"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Process runs one subscription end to end: ingest, materialize, download.
// The caller must hold the subscription's process lock; Process releases it.
func (p *Poller) Process(ctx context.Context, subID uint, mode models.SubscriptionStatus, rep Reporter) (*pollMetrics, error) {
	lock := governor.SubscriptionLock(subID)
	log := p.log.Sugar().With("subscription_id", subID, "mode", mode)
	start := p.now()

	sub, err := p.begin(ctx, subID, mode)
	if err != nil {
		if rerr := p.gov.Locks.Release(context.WithoutCancel(ctx), lock); rerr != nil {
			log.Errorw("Failed to release subscription lock", "err", rerr)
		}
		return &pollMetrics{skipped: 1}, err
	}

	m := &pollMetrics{selected: 1}
	exec := p.exec.Owned(&sub.ID, nil)
	err = exec.Run(ctx, moduleName,
		func(ctx context.Context) error {
			rep.Stage(ctx, "ingest")
			maxID, refs, err := p.ingest(ctx, sub, rep)
			m.references += refs
			if err != nil {
				return err
			}
			if err := p.polled(ctx, sub, maxID); err != nil {
				return err
			}

			rep.Stage(ctx, "elements")
			created, err := p.materialize(ctx, sub, rep)
			m.elements += created
			if err != nil {
				return err
			}

			rep.Stage(ctx, "download")
			dm, err := p.download(ctx, sub, rep)
			m.Add(dm)
			return err
		},
		func(cleanupCtx context.Context, cause error) error {
			if interrupted(ctx, cause) {
				// Not the provider's fault: the guard delay and startup recovery retry it.
				log.Warnw("Subscription run interrupted", "err", cause)
				return nil
			}
			return p.quarantine(cleanupCtx, sub.ID, cause)
		},
		func(ctx context.Context, runErr error) error {
			outcome := "success"
			if runErr != nil {
				outcome = "error"
				m.failed++
			} else {
				m.polled++
			}
			p.metrics.RecordPoll(outcome)

			err := p.complete(ctx, sub.ID)
			if rerr := p.gov.Locks.Release(ctx, lock); rerr != nil {
				err = multierr.Append(err, rerr)
			}

			elapsed := p.now().Sub(start)
			log.Infow("Subscription processed", append(m.logArgs(), "outcome", outcome, "elapsed_msecs", int(elapsed.Milliseconds()))...)
			return err
		},
	)
	return m, err
}

// begin moves the subscription into its running status and pushes requery
// out by the guard delay so that a crash mid-run does not retrigger at once.
func (p *Poller) begin(ctx context.Context, subID uint, mode models.SubscriptionStatus) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := p.exec.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Preload("Artist").First(sub, subID).Error; err != nil {
			return err
		}
		if err := sub.Begin(mode, p.now(), p.cfg.GuardDelay); err != nil {
			return err
		}
		return tx.Model(sub).Omit(clause.Associations).Updates(sub.StateColumns()).Error
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *Poller) polled(ctx context.Context, sub *models.Subscription, maxID int64) error {
	return p.exec.Transaction(ctx, func(tx *gorm.DB) error {
		sub.Polled(maxID, p.now())
		return tx.Model(sub).Omit(clause.Associations).Updates(sub.StateColumns()).Error
	})
}

func (p *Poller) quarantine(ctx context.Context, subID uint, cause error) error {
	sub := &models.Subscription{}
	err := p.exec.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Preload("Artist").First(sub, subID).Error; err != nil {
			return err
		}
		sub.Quarantine()
		return tx.Model(sub).Omit(clause.Associations).Updates(sub.StateColumns()).Error
	})
	if err != nil {
		return err
	}

	p.log.Sugar().Warnw("Subscription quarantined", "subscription_id", subID, "err", cause)
	if p.notifier != nil {
		if err := p.notifier.NotifyQuarantine(ctx, sub, cause); err != nil {
			p.log.Sugar().Warnw("Failed to send quarantine notice", "subscription_id", subID, "err", err)
		}
	}
	return nil
}

// complete leaves the running status unless the run already ended in error.
func (p *Poller) complete(ctx context.Context, subID uint) error {
	return p.exec.Transaction(ctx, func(tx *gorm.DB) error {
		sub := &models.Subscription{}
		if err := tx.First(sub, subID).Error; err != nil {
			return err
		}
		if !sub.Status.Running() {
			return nil
		}
		if err := sub.Complete(); err != nil {
			return err
		}
		return tx.Model(sub).Omit(clause.Associations).Updates(sub.StateColumns()).Error
	})
}

// ProcessDue polls every active idle subscription whose requery time has come.
// It checks stop between subscriptions and returns early once stop reports true.
func (p *Poller) ProcessDue(ctx context.Context, rep Reporter, stop func(ctx context.Context) bool) error {
	start := p.now()
	total := &pollMetrics{}

	var subs models.Subscriptions
	tx := p.db.WithContext(ctx).
		Where("active = ? AND status = ?", true, models.SubscriptionIdle).
		Where("requery IS NULL OR requery <= ?", start).
		FindInBatches(&subs, p.cfg.PageSize, func(tx *gorm.DB, batch int) error {
			for _, sub := range subs {
				if ctx.Err() != nil || (stop != nil && stop(ctx)) {
					return errStopped
				}
				total.Add(p.processOne(ctx, sub.ID, rep))
			}
			rep.Publish(ctx)
			return nil
		})

	total.report(rep)
	stopped := errors.Is(tx.Error, errStopped)
	if err := tx.Error; err != nil && !stopped {
		return err
	}

	elapsed := p.now().Sub(start)
	if stopped {
		p.log.Sugar().Infow("Subscription processing stopped early", total.logArgs()...)
	}
	p.log.Sugar().Infow("Subscription processing completed", append(total.logArgs(), "elapsed_msecs", int(elapsed.Milliseconds()))...)
	return nil
}

func (p *Poller) processOne(ctx context.Context, subID uint, rep Reporter) *pollMetrics {
	ok, err := p.Acquire(ctx, subID)
	if err != nil {
		p.log.Sugar().Errorw("Failed to acquire subscription lock", "subscription_id", subID, "err", err)
		return &pollMetrics{skipped: 1}
	}
	if !ok {
		return &pollMetrics{skipped: 1}
	}

	m, err := p.Process(ctx, subID, models.SubscriptionAutomatic, rep)
	if err != nil && m.failed == 0 && m.skipped == 0 {
		m.failed = 1
	}
	return m
}

// interrupted reports whether the run failed because it was cancelled.
func interrupted(ctx context.Context, cause error) bool {
	return ctx.Err() != nil || errors.Is(cause, context.Canceled)
}

// ProcessManual runs a human-triggered poll. The caller holds the lock.
func (p *Poller) ProcessManual(ctx context.Context, subID uint, rep Reporter) error {
	m, err := p.Process(ctx, subID, models.SubscriptionManual, rep)
	m.report(rep)
	return err
}
