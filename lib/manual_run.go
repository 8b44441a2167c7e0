package lib

import (
	"context"
	"errors"
	"fmt"

	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/poller"
	"github.com/fiffu/archivist/lib/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type manualRun struct {
	log    *zap.Logger
	db     *gorm.DB
	sched  *scheduler.State
	poller *poller.Poller
}

// StartManualRun polls one subscription in the background and returns the
// run id to follow with GetJobStatus.
func (uc *manualRun) StartManualRun(ctx context.Context, subID uint) (string, error) {
	if !uc.sched.Ready() {
		return "", ErrNotReady
	}

	sub := &models.Subscription{}
	if err := first(uc.db.WithContext(ctx), sub, subID); err != nil {
		return "", err
	}
	if sub.Status.Running() {
		return "", fmt.Errorf("subscription %d: %w", subID, ErrSubscriptionBusy)
	}
	if err := sub.CanStart(models.SubscriptionManual); err != nil {
		return "", err
	}

	ok, err := uc.poller.Acquire(ctx, subID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("subscription %d: %w", subID, ErrSubscriptionBusy)
	}

	run, err := uc.sched.StartRun(ctx, ProcessSubscriptionJob, &sub.ID)
	if err != nil {
		if rerr := uc.poller.Release(ctx, subID); rerr != nil {
			uc.log.Sugar().Errorw("Failed to release subscription lock", "subscription_id", subID, "err", rerr)
		}
		return "", err
	}

	uc.poller.Go(func(ctx context.Context) {
		err := uc.poller.ProcessManual(ctx, subID, run)
		uc.sched.FinishRun(context.WithoutCancel(ctx), run, err)
	})
	uc.log.Sugar().Infow("Manual run started", "subscription_id", subID, "run_id", run.ID)
	return run.ID, nil
}

func (uc *manualRun) GetJobStatus(ctx context.Context, runID string) (*models.JobRun, error) {
	run, err := uc.sched.Run(ctx, runID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}
