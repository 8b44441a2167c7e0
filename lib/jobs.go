package lib

import (
	"context"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/governor"
	"github.com/fiffu/archivist/lib/poller"
	"github.com/fiffu/archivist/lib/scheduler"
	"github.com/fiffu/archivist/lib/sweeper"
)

const (
	ProcessSubscriptionJob = "process_subscription"
	ExpireElementsJob      = "expire_subscription_elements"
)

// RegisterJobs declares the background jobs and the recovery that must run
// before subscriptions are reported ready.
func RegisterJobs(cfg config.Scheduler, sched *scheduler.State, p *poller.Poller, sw *sweeper.Sweeper) {
	sched.Register(scheduler.Job{
		Name:     ProcessSubscriptionJob,
		Interval: cfg.ProcessInterval,
		Jitter:   cfg.ProcessJitter,
		Leeway:   cfg.ProcessLeeway,
		Run: func(ctx context.Context, run *scheduler.Run) error {
			stop := func(ctx context.Context) bool {
				return !sched.Enabled(ctx, ProcessSubscriptionJob)
			}
			return p.ProcessDue(ctx, run, stop)
		},
		Busy: p.Busy,
	})

	sched.Register(scheduler.Job{
		Name:     ExpireElementsJob,
		Interval: cfg.ExpireInterval,
		Jitter:   cfg.ExpireJitter,
		Leeway:   cfg.ExpireLeeway,
		Run: func(ctx context.Context, run *scheduler.Run) error {
			_, err := sw.Run(ctx, run, run.Manual)
			return err
		},
	})

	sched.RegisterLockPolicy(scheduler.LockPolicy{
		Prefix: governor.SubscriptionLockPrefix,
		Leeway: cfg.ProcessLeeway,
		Busy:   p.SubscriptionBusy,
	})
	sched.OnStartup(p.Recover)
}
