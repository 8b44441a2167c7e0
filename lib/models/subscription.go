package models

import (
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Artist struct {
	gorm.Model
	Provider     string `gorm:"uniqueIndex:idx_provider_site_artist"` // Composite index on provider & site artist
	SiteArtistID string `gorm:"uniqueIndex:idx_provider_site_artist"`
	Name         string
}

type Subscription struct {
	gorm.Model
	ArtistID   uint
	Status     SubscriptionStatus `gorm:"index;not null;default:idle"`
	Interval   float64            // hours between polls
	Expiration sql.NullFloat64    // default retention in days; NULL never expires
	LastID     int64
	Requery    sql.NullTime `gorm:"index"`
	Checked    sql.NullTime
	Active     bool

	Artist Artist
	Errors []ErrorRecord
}

type Subscriptions []Subscription

func (s *Subscription) IntervalDuration() time.Duration {
	return time.Duration(s.Interval * float64(time.Hour))
}

// ExpiresFrom returns the default expiry of an element created at now.
func (s *Subscription) ExpiresFrom(now time.Time) sql.NullTime {
	if !s.Expiration.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: now.Add(days(s.Expiration.Float64)), Valid: true}
}

// CanStart reports whether the subscription may move into the given running status.
func (s *Subscription) CanStart(to SubscriptionStatus) error {
	if !s.Active {
		return fmt.Errorf("subscription %d is inactive: %w", s.ID, ErrInvalidTransition)
	}
	switch to {
	case SubscriptionAutomatic:
		if s.Status == SubscriptionIdle {
			return nil
		}
	case SubscriptionManual:
		if s.Status == SubscriptionIdle || s.Status == SubscriptionError {
			return nil
		}
	}
	return fmt.Errorf("subscription %d: %s -> %s: %w", s.ID, s.Status, to, ErrInvalidTransition)
}

// Begin enters a running status and pushes requery forward by guard, capped at one interval.
func (s *Subscription) Begin(to SubscriptionStatus, now time.Time, guard time.Duration) error {
	if err := s.CanStart(to); err != nil {
		return err
	}
	if interval := s.IntervalDuration(); interval > 0 && guard > interval {
		guard = interval
	}
	s.Status = to
	s.Requery = sql.NullTime{Time: now.Add(guard), Valid: true}
	return nil
}

// Polled records a successful poll up to lastID.
func (s *Subscription) Polled(lastID int64, now time.Time) {
	if lastID > s.LastID {
		s.LastID = lastID
	}
	s.Requery = sql.NullTime{Time: now.Add(s.IntervalDuration()), Valid: true}
	s.Checked = sql.NullTime{Time: now, Valid: true}
}

func (s *Subscription) Complete() error {
	if !s.Status.Running() {
		return fmt.Errorf("subscription %d: %s -> %s: %w", s.ID, s.Status, SubscriptionIdle, ErrInvalidTransition)
	}
	s.Status = SubscriptionIdle
	return nil
}

// Quarantine takes the subscription out of rotation until a human resets it.
func (s *Subscription) Quarantine() {
	s.Status = SubscriptionError
	s.Active = false
	s.Requery = sql.NullTime{}
}

func (s *Subscription) Reset(now time.Time) error {
	switch s.Status {
	case SubscriptionError, SubscriptionIdle, SubscriptionUnknown:
	default:
		return fmt.Errorf("subscription %d: reset from %s: %w", s.ID, s.Status, ErrInvalidTransition)
	}
	s.Status = SubscriptionIdle
	s.Active = true
	s.Requery = sql.NullTime{Time: now, Valid: true}
	return nil
}

func (s *Subscription) Retire() error {
	switch s.Status {
	case SubscriptionIdle, SubscriptionError:
	default:
		return fmt.Errorf("subscription %d: %s -> %s: %w", s.ID, s.Status, SubscriptionRetired, ErrInvalidTransition)
	}
	s.Status = SubscriptionRetired
	s.Active = false
	s.Requery = sql.NullTime{}
	return nil
}

// Fields persisted by the transitions above.
func (s *Subscription) StateColumns() map[string]any {
	return map[string]any{
		"status":  s.Status,
		"active":  s.Active,
		"requery": s.Requery,
		"checked": s.Checked,
		"last_id": s.LastID,
	}
}

func days(n float64) time.Duration {
	return time.Duration(n * float64(24*time.Hour))
}
