package models

import (
	"database/sql"
	"time"
)

// JobRecord is the persisted scheduling and lock state of one named job.
type JobRecord struct {
	Name        string `gorm:"primaryKey;size:128"`
	Enabled     bool
	Locked      bool
	LockedAt    sql.NullTime
	Manual      bool
	NextRunTime sql.NullTime `gorm:"index"`
	Status      JobStatus    `gorm:"serializer:json"`
	UpdatedAt   time.Time
}

type JobRecords []JobRecord

// JobStatus is the progress payload polled by status UIs.
type JobStatus struct {
	Stage    string         `json:"stage"`
	Progress float64        `json:"progress"`
	Counts   map[string]int `json:"counts,omitempty"`
	Error    string         `json:"error,omitempty"`
	Done     bool           `json:"done"`
}

// JobRun is one execution of a job, scheduled or manual.
type JobRun struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"index;size:128"`
	SubscriptionID *uint  `gorm:"index"`
	Manual         bool
	Status         JobStatus `gorm:"serializer:json"`
	StartedAt      time.Time `gorm:"index"`
	FinishedAt     sql.NullTime
}

type Checkpoint struct {
	Name string `gorm:"primaryKey;size:64"`
	Time time.Time
}

// All lists every persisted model for migrations.
func All() []any {
	return []any{
		&Artist{},
		&Subscription{},
		&Illust{},
		&IllustURL{},
		&Post{},
		&SubscriptionElement{},
		&ErrorRecord{},
		&JobRecord{},
		&JobRun{},
		&Checkpoint{},
	}
}
