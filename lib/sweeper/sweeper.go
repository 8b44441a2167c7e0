// Package sweeper reconciles expired subscription elements: unlink, then
// delete, then archive.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/dispatcher"
	"github.com/fiffu/archivist/lib/executor"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const moduleName = "expire_subscription_elements"

type Reporter interface {
	Stage(ctx context.Context, stage string)
	Progress(ctx context.Context, done, total int)
	Add(key string, n int)
	Publish(ctx context.Context)
}

type Pass string

const (
	PassUnlink  Pass = "unlink"
	PassDelete  Pass = "delete"
	PassArchive Pass = "archive"
)

type Sweeper struct {
	db      *gorm.DB
	exec    *executor.Executor
	storage dispatcher.Storage
	cfg     config.Sweeper
	log     *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

func NewSweeper(cfg *config.Config, db *gorm.DB, exec *executor.Executor, storage *dispatcher.FileStorage, log *zap.Logger, m metrics.Recorder) *Sweeper {
	return New(db, exec, storage, cfg.Sweeper, log, m, models.Now)
}

func New(db *gorm.DB, exec *executor.Executor, storage dispatcher.Storage, cfg config.Sweeper, log *zap.Logger, m metrics.Recorder, now func() time.Time) *Sweeper {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Sweeper{db, exec, storage, cfg, log, m, now}
}

type Result struct {
	Unlinked int
	Deleted  int
	Archived int
	Skipped  int
	Failed   int
}

func (r *Result) Add(other *Result) {
	r.Unlinked += other.Unlinked
	r.Deleted += other.Deleted
	r.Archived += other.Archived
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

func (r *Result) Processed() int {
	return r.Unlinked + r.Deleted + r.Archived
}

// Run performs the three passes in order. Each pass is capped at the
// configured number of pages unless manual is set.
func (s *Sweeper) Run(ctx context.Context, rep Reporter, manual bool) (*Result, error) {
	start := s.now()
	total := &Result{}

	passes := []Pass{PassUnlink, PassDelete}
	if s.cfg.ArchiveEnabled {
		passes = append(passes, PassArchive)
	} else {
		s.log.Sugar().Debug("Archive pass disabled")
	}

	for _, pass := range passes {
		rep.Stage(ctx, string(pass))
		res, err := s.Pass(ctx, pass, start, manual, rep)
		total.Add(res)
		if err != nil {
			return total, fmt.Errorf("%s pass: %w", pass, err)
		}
	}

	rep.Add("unlinked", total.Unlinked)
	rep.Add("deleted", total.Deleted)
	rep.Add("archived", total.Archived)
	rep.Add("skipped", total.Skipped)
	rep.Add("failed", total.Failed)

	elapsed := s.now().Sub(start)
	s.log.Sugar().Infow("Expiration sweep completed",
		"unlinked", total.Unlinked,
		"deleted", total.Deleted,
		"archived", total.Archived,
		"skipped", total.Skipped,
		"failed", total.Failed,
		"elapsed_msecs", int(elapsed.Milliseconds()),
	)
	return total, nil
}

// Pass runs one disposition over elements that expired before now.
func (s *Sweeper) Pass(ctx context.Context, pass Pass, now time.Time, manual bool, rep Reporter) (*Result, error) {
	res := &Result{}
	var lastID uint

	for page := 1; manual || page <= s.cfg.MaxPages; page++ {
		var batch models.SubscriptionElements
		tx := s.candidates(ctx, pass, now).
			Where("subscription_elements.id > ?", lastID).
			Order("subscription_elements.id").
			Limit(s.cfg.PageSize).
			Find(&batch)
		if err := tx.Error; err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		lastID = batch[len(batch)-1].ID

		for i := range batch {
			res.Add(s.dispose(ctx, pass, &batch[i]))
		}
		rep.Progress(ctx, page, max(page, s.cfg.MaxPages))
	}

	s.metrics.RecordSweep(string(pass), res.Processed())
	return res, nil
}

func (s *Sweeper) candidates(ctx context.Context, pass Pass, now time.Time) *gorm.DB {
	q := s.db.WithContext(ctx).
		Model(&models.SubscriptionElement{}).
		Select("subscription_elements.*").
		Preload("Post").
		Joins("JOIN posts ON posts.id = subscription_elements.post_id").
		Where("subscription_elements.status = ?", models.ElementActive).
		Where("subscription_elements.expires < ?", now)

	switch pass {
	case PassUnlink:
		return q.Where("subscription_elements.keep = ? OR posts.user_owned = ?", models.KeepYes, true)
	case PassDelete:
		return q.Where("subscription_elements.keep = ? AND posts.user_owned = ?", models.KeepNo, false)
	case PassArchive:
		if s.cfg.ArchiveUndecided {
			return q.Where("(subscription_elements.keep = ? OR subscription_elements.keep IS NULL) AND posts.user_owned = ?", models.KeepArchive, false)
		}
		return q.Where("subscription_elements.keep = ? AND posts.user_owned = ?", models.KeepArchive, false)
	default:
		panic(fmt.Sprintf("unknown sweep pass %q", pass))
	}
}
