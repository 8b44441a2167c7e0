package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/fiffu/archivist/lib/jobstore"
	"github.com/fiffu/archivist/lib/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run is the progress handle of one job execution. Every publish writes the
// run's status row, and the job record's status when the run belongs to a
// registered job.
type Run struct {
	ID     string
	Job    string
	Manual bool

	repo   jobstore.Repository
	log    *zap.Logger
	now    func() time.Time
	mirror bool

	mu     sync.Mutex
	status models.JobStatus
}

// NewRun persists a queued run and returns its handle.
func NewRun(ctx context.Context, repo jobstore.Repository, log *zap.Logger, now func() time.Time, job string, manual bool, subscriptionID *uint) (*Run, error) {
	r := &Run{
		ID:     uuid.NewString(),
		Job:    job,
		Manual: manual,
		repo:   repo,
		log:    log,
		now:    now,
		status: models.JobStatus{Stage: "queued", Counts: map[string]int{}},
	}
	err := repo.CreateRun(ctx, &models.JobRun{
		ID:             r.ID,
		Name:           job,
		SubscriptionID: subscriptionID,
		Manual:         manual,
		Status:         r.status,
		StartedAt:      now(),
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Run) Stage(ctx context.Context, stage string) {
	r.mu.Lock()
	r.status.Stage = stage
	r.status.Progress = 0
	r.mu.Unlock()
	r.Publish(ctx)
}

// Progress records done out of total and publishes.
func (r *Run) Progress(ctx context.Context, done, total int) {
	r.mu.Lock()
	if total > 0 {
		r.status.Progress = float64(done) * 100 / float64(total)
	}
	r.mu.Unlock()
	r.Publish(ctx)
}

func (r *Run) Add(key string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Counts[key] += n
}

func (r *Run) Status() models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Run) Publish(ctx context.Context) {
	r.write(ctx, r.Status(), sql.NullTime{})
}

// Finish marks the run done, recording err when the run failed.
func (r *Run) Finish(ctx context.Context, err error) {
	r.mu.Lock()
	r.status.Done = true
	if err != nil {
		r.status.Stage = "error"
		r.status.Error = err.Error()
	} else {
		r.status.Stage = "done"
		r.status.Progress = 100
	}
	status := r.snapshot()
	r.mu.Unlock()

	r.write(ctx, status, sql.NullTime{Time: r.now(), Valid: true})
}

func (r *Run) snapshot() models.JobStatus {
	s := r.status
	s.Counts = make(map[string]int, len(r.status.Counts))
	for k, v := range r.status.Counts {
		s.Counts[k] = v
	}
	return s
}

func (r *Run) write(ctx context.Context, status models.JobStatus, finished sql.NullTime) {
	if err := r.repo.UpdateRun(ctx, r.ID, status, finished); err != nil {
		r.log.Sugar().Warnw("Failed to publish run status", "run_id", r.ID, "err", err)
	}
	if r.mirror {
		if err := r.repo.SetStatus(ctx, r.Job, status); err != nil {
			r.log.Sugar().Warnw("Failed to publish job status", "job", r.Job, "err", err)
		}
	}
}
