package scheduler

import (
	"context"
	"time"

	"github.com/fiffu/archivist/lib/models"
)

// Recheck is the periodic health pass. It detects that the process was
// suspended for longer than the timeout threshold, spreads out colliding fire
// times, frees locks whose holders are gone and purges old run history.
func (s *State) Recheck(ctx context.Context) {
	now := s.now()

	last, ok, err := s.repo.LastCheck(ctx)
	if err != nil {
		s.log.Sugar().Errorw("Failed to read last check", "err", err)
	} else if ok && now.Sub(last) > s.cfg.TimeoutThreshold {
		s.log.Sugar().Warnw("Scheduler was unresponsive, rescheduling missed jobs",
			"last_check", last, "gap_secs", int(now.Sub(last).Seconds()))
		if err := s.rescheduleMissed(ctx, now); err != nil {
			s.log.Sugar().Errorw("Failed to reschedule missed jobs", "err", err)
		}
	}

	if err := s.deconflict(ctx); err != nil {
		s.log.Sugar().Errorw("Failed to deconflict jobs", "err", err)
	}

	if err := s.releaseStaleLocks(ctx, now); err != nil {
		s.log.Sugar().Errorw("Failed to release stale locks", "err", err)
	}

	if s.cfg.RunRetention > 0 {
		if n, err := s.repo.PurgeRuns(ctx, now.Add(-s.cfg.RunRetention)); err != nil {
			s.log.Sugar().Errorw("Failed to purge job runs", "err", err)
		} else if n > 0 {
			s.log.Sugar().Infof("Purged %d old job runs", n)
		}
	}

	if err := s.repo.SetLastCheck(ctx, now); err != nil {
		s.log.Sugar().Errorw("Failed to persist last check", "err", err)
	}
	s.setLastCheck(now)
}

func (s *State) rescheduleMissed(ctx context.Context, now time.Time) error {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	jobs := s.registered()
	for _, rec := range recs {
		job, ok := jobs[rec.Name]
		if !ok || !rec.Enabled {
			continue
		}
		if rec.NextRunTime.Valid && !rec.NextRunTime.Time.Before(now) {
			continue
		}
		next := now.Add(catchUpDelay(job, s.random()))
		if err := s.repo.SetNextRun(ctx, rec.Name, next); err != nil {
			return err
		}
		s.log.Sugar().Infow("Rescheduled missed job", "job", rec.Name, "next_run_time", next)
	}
	return nil
}

// deconflict spreads out enabled jobs whose fire times fall within each
// other's leeway until no two collide.
func (s *State) deconflict(ctx context.Context) error {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	jobs := s.registered()

	var slots []slot
	for _, rec := range recs {
		job, ok := jobs[rec.Name]
		if !ok || !rec.Enabled || !rec.NextRunTime.Valid {
			continue
		}
		slots = append(slots, slot{name: rec.Name, next: rec.NextRunTime.Time, leeway: job.Leeway})
	}

	for name, next := range deconflict(slots) {
		if err := s.repo.SetNextRun(ctx, name, next); err != nil {
			return err
		}
		s.log.Sugar().Infow("Moved colliding job", "job", name, "next_run_time", next)
	}
	return nil
}

// releaseStaleLocks frees a lock once it has been held for longer than its
// leeway and nothing is running under it any more.
func (s *State) releaseStaleLocks(ctx context.Context, now time.Time) error {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	jobs := s.registered()

	for _, rec := range recs {
		if !rec.Locked {
			continue
		}

		var leeway time.Duration
		var busy func(ctx context.Context) (bool, error)
		if job, ok := jobs[rec.Name]; ok {
			if s.isRunning(rec.Name) {
				continue
			}
			leeway, busy = job.Leeway, job.Busy
		} else if p, ok := s.policy(rec.Name); ok {
			name := rec.Name
			leeway = p.Leeway
			if p.Busy != nil {
				busy = func(ctx context.Context) (bool, error) { return p.Busy(ctx, name) }
			}
		} else {
			continue
		}

		if !stale(rec, now, leeway) {
			continue
		}
		if busy != nil {
			isBusy, err := busy(ctx)
			if err != nil {
				s.log.Sugar().Warnw("Busy check failed, keeping lock", "lock", rec.Name, "err", err)
				continue
			}
			if isBusy {
				continue
			}
		}

		if err := s.repo.Unlock(ctx, rec.Name); err != nil {
			return err
		}
		s.log.Sugar().Warnw("Released stale lock", "lock", rec.Name, "locked_at", rec.LockedAt.Time)
	}
	return nil
}

func stale(rec models.JobRecord, now time.Time, leeway time.Duration) bool {
	if !rec.LockedAt.Valid {
		return true
	}
	return now.Sub(rec.LockedAt.Time) > leeway
}
