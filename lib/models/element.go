package models

import (
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	keepYesGrace     = 24 * time.Hour
	keepNoGrace      = 7 * 24 * time.Hour
	keepArchiveGrace = 24 * time.Hour
)

type SubscriptionElement struct {
	gorm.Model
	SubscriptionID uint          `gorm:"uniqueIndex:idx_subscription_illust_url;not null"`
	IllustURLID    uint          `gorm:"uniqueIndex:idx_subscription_illust_url;not null"`
	PostID         *uint         `gorm:"index"`
	MD5            string        `gorm:"index"`
	Status         ElementStatus `gorm:"index;not null;default:active"`
	Keep           Keep          `gorm:"index"`
	Expires        sql.NullTime  `gorm:"index"`

	Subscription Subscription
	IllustURL    IllustURL
	Post         *Post
	Errors       []ErrorRecord `gorm:"foreignKey:ElementID"`
}

type SubscriptionElements []SubscriptionElement

func NewElement(sub *Subscription, illustURLID uint, now time.Time) SubscriptionElement {
	return SubscriptionElement{
		SubscriptionID: sub.ID,
		IllustURLID:    illustURLID,
		Status:         ElementActive,
		Keep:           KeepUndecided,
		Expires:        sub.ExpiresFrom(now),
	}
}

// SetKeep records a keep verdict and recomputes the expiry it implies.
func (e *SubscriptionElement) SetKeep(keep Keep, sub *Subscription, now time.Time) error {
	if e.Status.Terminal() {
		return fmt.Errorf("element %d is %s: %w", e.ID, e.Status, ErrInvalidTransition)
	}
	switch keep {
	case KeepYes:
		e.Expires = at(now.Add(keepYesGrace))
	case KeepNo:
		e.Expires = at(now.Add(keepNoGrace))
	case KeepArchive:
		e.Expires = at(now.Add(keepArchiveGrace))
	case KeepMaybe, KeepUnknown:
		e.Expires = sql.NullTime{}
	case KeepUndecided:
		e.Expires = sub.ExpiresFrom(now)
	default:
		return fmt.Errorf("keep %q: %w", string(keep), ErrUnknownValue)
	}
	e.Keep = keep
	return nil
}

// Delay pushes a pending expiry back by d, counting from now if it already lapsed.
func (e *SubscriptionElement) Delay(d time.Duration, now time.Time) bool {
	if e.Status != ElementActive || !e.Expires.Valid {
		return false
	}
	base := e.Expires.Time
	if base.Before(now) {
		base = now
	}
	e.Expires = at(base.Add(d))
	return true
}

func (e *SubscriptionElement) Downloaded(post *Post) error {
	if err := e.attachable(); err != nil {
		return err
	}
	e.Status = ElementActive
	e.PostID = &post.ID
	e.MD5 = post.MD5
	return nil
}

func (e *SubscriptionElement) Duplicated(post *Post) error {
	if err := e.attachable(); err != nil {
		return err
	}
	e.Status = ElementDuplicate
	e.PostID = &post.ID
	e.MD5 = post.MD5
	e.Keep = KeepUnknown
	e.Expires = sql.NullTime{}
	return nil
}

func (e *SubscriptionElement) Failed() {
	e.Status = ElementError
	e.PostID = nil
}

func (e *SubscriptionElement) Unlink() error   { return e.retire(ElementUnlinked) }
func (e *SubscriptionElement) Deleted() error  { return e.retire(ElementDeleted) }
func (e *SubscriptionElement) Archived() error { return e.retire(ElementArchived) }

func (e *SubscriptionElement) retire(to ElementStatus) error {
	if e.Status != ElementActive {
		return fmt.Errorf("element %d: %s -> %s: %w", e.ID, e.Status, to, ErrInvalidTransition)
	}
	e.Status = to
	e.PostID = nil
	return nil
}

func (e *SubscriptionElement) attachable() error {
	if e.Status.Terminal() {
		return fmt.Errorf("element %d is %s: %w", e.ID, e.Status, ErrInvalidTransition)
	}
	return nil
}

func (e *SubscriptionElement) StateColumns() map[string]any {
	return map[string]any{
		"status":  e.Status,
		"keep":    e.Keep,
		"expires": e.Expires,
		"post_id": e.PostID,
		"md5":     e.MD5,
	}
}

func at(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
