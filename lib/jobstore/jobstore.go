// Package jobstore persists job records, job runs and scheduler checkpoints.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fiffu/archivist/lib/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const lastCheckName = "scheduler.last_check"

// Repository addresses every persisted scheduling field.
type Repository interface {
	Ensure(ctx context.Context, name string, enabled bool) (*models.JobRecord, error)
	Get(ctx context.Context, name string) (*models.JobRecord, error)
	List(ctx context.Context) (models.JobRecords, error)
	Delete(ctx context.Context, names ...string) (int64, error)

	SetNextRun(ctx context.Context, name string, t time.Time) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
	SetManual(ctx context.Context, name string, manual bool) error
	SetStatus(ctx context.Context, name string, status models.JobStatus) error

	TryLock(ctx context.Context, name string, now time.Time) (bool, error)
	Unlock(ctx context.Context, name string) error
	UnlockPrefix(ctx context.Context, prefix string) (int64, error)

	CreateRun(ctx context.Context, run *models.JobRun) error
	UpdateRun(ctx context.Context, id string, status models.JobStatus, finished sql.NullTime) error
	GetRun(ctx context.Context, id string) (*models.JobRun, error)
	PurgeRuns(ctx context.Context, before time.Time) (int64, error)

	LastCheck(ctx context.Context) (time.Time, bool, error)
	SetLastCheck(ctx context.Context, t time.Time) error
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db}
}

var _ Repository = (*Store)(nil)

func (s *Store) Ensure(ctx context.Context, name string, enabled bool) (*models.JobRecord, error) {
	rec := &models.JobRecord{Name: name, Enabled: enabled}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, name)
}

func (s *Store) Get(ctx context.Context, name string) (*models.JobRecord, error) {
	rec := &models.JobRecord{}
	tx := s.db.WithContext(ctx).Where("name = ?", name).First(rec)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) (models.JobRecords, error) {
	var recs models.JobRecords
	tx := s.db.WithContext(ctx).Order("name").Find(&recs)
	return recs, tx.Error
}

func (s *Store) Delete(ctx context.Context, names ...string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	tx := s.db.WithContext(ctx).Where("name IN ?", names).Delete(&models.JobRecord{})
	return tx.RowsAffected, tx.Error
}

func (s *Store) SetNextRun(ctx context.Context, name string, t time.Time) error {
	return s.update(ctx, name, "next_run_time", sql.NullTime{Time: t.UTC(), Valid: true})
}

func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.update(ctx, name, "enabled", enabled)
}

func (s *Store) SetManual(ctx context.Context, name string, manual bool) error {
	return s.update(ctx, name, "manual", manual)
}

func (s *Store) SetStatus(ctx context.Context, name string, status models.JobStatus) error {
	tx := s.db.WithContext(ctx).Model(&models.JobRecord{Name: name}).Select("status").Updates(&models.JobRecord{Status: status})
	if err := tx.Error; err != nil {
		return err
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TryLock takes the named lock when it is free. The conditional update makes
// the check-and-set atomic across goroutines and processes sharing the store.
func (s *Store) TryLock(ctx context.Context, name string, now time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&models.JobRecord{}).
		Where("name = ? AND locked = ?", name, false).
		Updates(map[string]any{"locked": true, "locked_at": sql.NullTime{Time: now.UTC(), Valid: true}})
	if err := tx.Error; err != nil {
		return false, err
	}
	return tx.RowsAffected == 1, nil
}

func (s *Store) Unlock(ctx context.Context, name string) error {
	tx := s.db.WithContext(ctx).
		Model(&models.JobRecord{}).
		Where("name = ?", name).
		Updates(map[string]any{"locked": false, "locked_at": sql.NullTime{}})
	return tx.Error
}

// UnlockPrefix releases every held lock whose name starts with prefix.
func (s *Store) UnlockPrefix(ctx context.Context, prefix string) (int64, error) {
	tx := s.db.WithContext(ctx).
		Model(&models.JobRecord{}).
		Where("name LIKE ? AND locked = ?", prefix+"%", true).
		Updates(map[string]any{"locked": false, "locked_at": sql.NullTime{}})
	return tx.RowsAffected, tx.Error
}

func (s *Store) CreateRun(ctx context.Context, run *models.JobRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *Store) UpdateRun(ctx context.Context, id string, status models.JobStatus, finished sql.NullTime) error {
	tx := s.db.WithContext(ctx).
		Model(&models.JobRun{ID: id}).
		Select("status", "finished_at").
		Updates(&models.JobRun{Status: status, FinishedAt: finished})
	return tx.Error
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.JobRun, error) {
	run := &models.JobRun{}
	tx := s.db.WithContext(ctx).Where("id = ?", id).First(run)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) PurgeRuns(ctx context.Context, before time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).Delete(&models.JobRun{}, "started_at < ? AND finished_at IS NOT NULL", before.UTC())
	return tx.RowsAffected, tx.Error
}

func (s *Store) LastCheck(ctx context.Context) (time.Time, bool, error) {
	cp := models.Checkpoint{}
	tx := s.db.WithContext(ctx).Where("name = ?", lastCheckName).First(&cp)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, err
	}
	return cp.Time.UTC(), true, nil
}

func (s *Store) SetLastCheck(ctx context.Context, t time.Time) error {
	cp := models.Checkpoint{Name: lastCheckName, Time: t.UTC()}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"time"}),
	}).Create(&cp)
	return tx.Error
}

func (s *Store) update(ctx context.Context, name, column string, value any) error {
	tx := s.db.WithContext(ctx).Model(&models.JobRecord{}).Where("name = ?", name).Update(column, value)
	if err := tx.Error; err != nil {
		return err
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
