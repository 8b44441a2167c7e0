// Package scheduler fires registered jobs on a jittered cadence, recovers from
// missed fire times and keeps the persisted job records healthy.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/executor"
	"github.com/fiffu/archivist/lib/governor"
	"github.com/fiffu/archivist/lib/jobstore"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobLocked  = errors.New("job is already running")
	ErrNotReady   = errors.New("scheduler has not finished starting up")
)

// RunFunc is the body of a job. It reports progress through run.
type RunFunc func(ctx context.Context, run *Run) error

type Job struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Leeway   time.Duration
	Run      RunFunc

	// Busy, when set, reports whether work started by the job is still in
	// flight. Lock release is deferred until it reports idle.
	Busy governor.BusyFunc
}

// LockPolicy covers lock-only records that belong to no registered job.
type LockPolicy struct {
	Prefix string
	Leeway time.Duration
	Busy   func(ctx context.Context, name string) (bool, error)
}

// StartupHook runs after job records are reconciled and before the scheduler
// reports ready.
type StartupHook func(ctx context.Context) error

// State is the single process-wide scheduler. It owns the registered jobs,
// the in-flight set and the readiness flag.
type State struct {
	repo    jobstore.Repository
	locks   *governor.Locks
	exec    *executor.Executor
	log     *zap.Logger
	metrics metrics.Recorder
	cfg     config.Scheduler

	now    func() time.Time
	random func() float64

	mu        sync.Mutex
	jobs      map[string]*Job
	policies  []LockPolicy
	hooks     []StartupHook
	running   map[string]bool
	manual    map[string]int
	lastCheck time.Time

	ready  atomic.Bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	clock  *alarmClock
}

func NewState(repo jobstore.Repository, locks *governor.Locks, exec *executor.Executor, log *zap.Logger, m metrics.Recorder, cfg config.Scheduler) *State {
	ctx, cancel := context.WithCancel(context.Background())
	return &State{
		repo:    repo,
		locks:   locks,
		exec:    exec,
		log:     log,
		metrics: m,
		cfg:     cfg,
		now:     models.Now,
		random:  rand.Float64,
		jobs:    make(map[string]*Job),
		running: make(map[string]bool),
		manual:  make(map[string]int),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewScheduler wires the scheduler into the application lifecycle.
func NewScheduler(lc fx.Lifecycle, cfg *config.Config, store *jobstore.Store, gov *governor.Governor, exec *executor.Executor, log *zap.Logger, m metrics.Recorder) *State {
	s := NewState(store, gov.Locks, exec, log, m, cfg.Scheduler)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Trying to stop scheduler")
			return s.Stop(ctx)
		},
	})
	return s
}

func (s *State) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &job
}

func (s *State) RegisterLockPolicy(p LockPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append(s.policies, p)
}

func (s *State) OnStartup(hook StartupHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *State) Ready() bool {
	return s.ready.Load()
}

func (s *State) Jobs(ctx context.Context) (models.JobRecords, error) {
	return s.repo.List(ctx)
}

func (s *State) Run(ctx context.Context, id string) (*models.JobRun, error) {
	return s.repo.GetRun(ctx, id)
}

// Start reconciles persisted state, then begins ticking.
func (s *State) Start(ctx context.Context) error {
	if err := s.Startup(ctx); err != nil {
		return err
	}

	s.clock = newAlarmClock(s.cfg.Tick)
	ticks := s.clock.Start(s.ctx)
	go func() {
		for range ticks {
			s.Tick(s.ctx)
		}
		s.log.Sugar().Info("Scheduler stopped")
	}()
	return nil
}

// Stop halts ticking and waits for in-flight runs until ctx ends.
func (s *State) Stop(ctx context.Context) error {
	s.ready.Store(false)
	if s.clock != nil {
		s.clock.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched run has returned.
func (s *State) Wait() {
	s.wg.Wait()
}

// Startup makes sure every registered job has a record, drops records of jobs
// that no longer exist, clears state left behind by a previous process and
// reschedules fire times that were missed while the process was down.
func (s *State) Startup(ctx context.Context) error {
	now := s.now()
	jobs := s.registered()

	for _, job := range jobs {
		if _, err := s.repo.Ensure(ctx, job.Name, true); err != nil {
			return err
		}
	}

	recs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}

	var stale []string
	for _, rec := range recs {
		job, ok := jobs[rec.Name]
		if !ok {
			if !s.isLockRecord(rec.Name) {
				stale = append(stale, rec.Name)
			}
			continue
		}

		// Only one process runs the scheduler, so nothing can legitimately
		// hold a job lock or a manual flag before it starts.
		if rec.Locked {
			if err := s.repo.Unlock(ctx, rec.Name); err != nil {
				return err
			}
		}
		if rec.Manual {
			if err := s.repo.SetManual(ctx, rec.Name, false); err != nil {
				return err
			}
		}

		if !rec.NextRunTime.Valid || rec.NextRunTime.Time.Before(now) {
			next := now.Add(catchUpDelay(job, s.random()))
			if err := s.repo.SetNextRun(ctx, rec.Name, next); err != nil {
				return err
			}
		}
	}

	if n, err := s.repo.Delete(ctx, stale...); err != nil {
		return err
	} else if n > 0 {
		s.log.Sugar().Infow("Pruned records of unregistered jobs", "count", n, "names", stale)
	}

	if err := s.deconflict(ctx); err != nil {
		return err
	}

	for _, hook := range s.startupHooks() {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	if err := s.repo.SetLastCheck(ctx, now); err != nil {
		return err
	}
	s.setLastCheck(now)

	s.ready.Store(true)
	s.log.Sugar().Infow("Scheduler ready", "jobs", len(jobs))
	return nil
}

// Tick fires every enabled job whose fire time has passed. A recheck runs
// first whenever one is due, so a long gap between ticks is detected before
// anything fires.
func (s *State) Tick(ctx context.Context) {
	now := s.now()
	if now.Sub(s.getLastCheck()) >= s.cfg.RecheckInterval {
		s.Recheck(ctx)
	}

	recs, err := s.repo.List(ctx)
	if err != nil {
		s.log.Sugar().Errorw("Failed to list jobs", "err", err)
		return
	}

	jobs := s.registered()
	for _, rec := range recs {
		job, ok := jobs[rec.Name]
		if !ok || !rec.Enabled || !rec.NextRunTime.Valid || rec.NextRunTime.Time.After(now) {
			continue
		}

		if err := s.repo.SetNextRun(ctx, job.Name, periodicNext(job, now, s.random())); err != nil {
			s.log.Sugar().Errorw("Failed to reschedule job", "job", job.Name, "err", err)
			continue
		}

		run, err := s.newRun(ctx, job.Name, false)
		if err != nil {
			s.log.Sugar().Errorw("Failed to create job run", "job", job.Name, "err", err)
			continue
		}
		s.dispatch(job, run)
	}
}

// RunNow triggers job outside its cadence and returns the run id to poll.
// The next periodic fire time is pushed out as if the job had just fired.
func (s *State) RunNow(ctx context.Context, name string) (string, error) {
	job, ok := s.registered()[name]
	if !ok {
		return "", ErrUnknownJob
	}
	if !s.Ready() {
		return "", ErrNotReady
	}

	rec, err := s.repo.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if rec.Locked {
		return "", ErrJobLocked
	}

	now := s.now()
	next := now.Add(job.Interval + catchUpDelay(job, s.random()))
	if err := s.repo.SetNextRun(ctx, name, next); err != nil {
		return "", err
	}
	if err := s.repo.SetManual(ctx, name, true); err != nil {
		return "", err
	}

	run, err := s.newRun(ctx, name, true)
	if err != nil {
		return "", err
	}
	s.dispatch(job, run)
	return run.ID, nil
}

// SetEnabled toggles a job. A disabled job stops firing and running jobs are
// expected to notice between units of work. Re-enabling a job whose fire
// time passed while disabled schedules it as a missed run.
func (s *State) SetEnabled(ctx context.Context, name string, enabled bool) error {
	job, ok := s.registered()[name]
	if !ok {
		return ErrUnknownJob
	}
	if err := s.repo.SetEnabled(ctx, name, enabled); err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	rec, err := s.repo.Get(ctx, name)
	if err != nil {
		return err
	}
	now := s.now()
	if !rec.NextRunTime.Valid || rec.NextRunTime.Time.Before(now) {
		return s.repo.SetNextRun(ctx, name, now.Add(catchUpDelay(job, s.random())))
	}
	return nil
}

// Enabled reports whether the named job may keep running. Jobs poll it
// between units of work to stop cooperatively.
func (s *State) Enabled(ctx context.Context, name string) bool {
	rec, err := s.repo.Get(ctx, name)
	if err != nil {
		s.log.Sugar().Warnw("Failed to read job record", "job", name, "err", err)
		return true
	}
	return rec.Enabled
}

// StartRun records a manual run that is not tied to a registered job's cadence.
// The job record stays flagged manual until every such run is passed to FinishRun.
func (s *State) StartRun(ctx context.Context, name string, subscriptionID *uint) (*Run, error) {
	run, err := NewRun(ctx, s.repo, s.log, s.now, name, true, subscriptionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.manual[name]++
	s.mu.Unlock()
	if err := s.repo.SetManual(ctx, name, true); err != nil {
		s.FinishRun(context.WithoutCancel(ctx), run, err)
		return nil, err
	}
	return run, nil
}

// FinishRun closes a run opened by StartRun.
func (s *State) FinishRun(ctx context.Context, run *Run, err error) {
	run.Finish(ctx, err)

	s.mu.Lock()
	s.manual[run.Job]--
	last := s.manual[run.Job] <= 0
	if last {
		delete(s.manual, run.Job)
	}
	s.mu.Unlock()
	if last {
		s.clearManual(ctx, run.Job)
	}
}

func (s *State) newRun(ctx context.Context, name string, manual bool) (*Run, error) {
	run, err := NewRun(ctx, s.repo, s.log, s.now, name, manual, nil)
	if err != nil {
		return nil, err
	}
	run.mirror = true
	return run, nil
}

func (s *State) dispatch(job *Job, run *Run) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, job, run)
	}()
}

func (s *State) execute(ctx context.Context, job *Job, run *Run) {
	log := s.log.With(zap.String("job", job.Name), zap.String("run_id", run.ID))

	locked, err := s.locks.Acquire(ctx, job.Name)
	if err != nil || !locked {
		if err == nil {
			err = ErrJobLocked
			log.Sugar().Info("Job already running, skipping")
		} else {
			log.Sugar().Errorw("Failed to acquire job lock", "err", err)
		}
		if run.Manual {
			s.clearManual(context.WithoutCancel(ctx), job.Name)
		}
		run.Finish(context.WithoutCancel(ctx), err)
		s.metrics.RecordJobRun(job.Name, "skipped", 0)
		return
	}

	s.setRunning(job.Name, true)
	start := s.now()
	log.Sugar().Infow("Job started", "manual", run.Manual)

	_ = s.exec.Run(ctx, job.Name,
		func(ctx context.Context) error {
			run.Stage(ctx, "running")
			return job.Run(ctx, run)
		},
		nil,
		func(ctx context.Context, runErr error) error {
			defer s.setRunning(job.Name, false)

			run.Finish(ctx, runErr)
			if run.Manual {
				s.clearManual(ctx, job.Name)
			}

			outcome := "success"
			if runErr != nil {
				outcome = "error"
			}
			elapsed := s.now().Sub(start)
			s.metrics.RecordJobRun(job.Name, outcome, elapsed)
			log.Sugar().Infow("Job finished", "outcome", outcome, "elapsed_msecs", elapsed.Milliseconds())

			if job.Busy == nil {
				return s.locks.Release(ctx, job.Name)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				<-s.locks.ReleaseWhenIdle(ctx, job.Name, s.cfg.ReleaseDelay, job.Busy)
			}()
			return nil
		},
	)
}

func (s *State) clearManual(ctx context.Context, name string) {
	if err := s.repo.SetManual(ctx, name, false); err != nil {
		s.log.Sugar().Warnw("Failed to clear manual flag", "job", name, "err", err)
	}
}

func (s *State) registered() map[string]*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make(map[string]*Job, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = v
	}
	return jobs
}

func (s *State) startupHooks() []StartupHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StartupHook(nil), s.hooks...)
}

func (s *State) policy(name string) (LockPolicy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if strings.HasPrefix(name, p.Prefix) {
			return p, true
		}
	}
	return LockPolicy{}, false
}

func (s *State) isLockRecord(name string) bool {
	_, ok := s.policy(name)
	return ok
}

func (s *State) setRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.running[name] = true
	} else {
		delete(s.running, name)
	}
}

func (s *State) isRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

func (s *State) getLastCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck
}

func (s *State) setLastCheck(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = t
}
