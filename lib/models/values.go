package models

import (
	"crypto/md5"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownValue      = errors.New("unknown enum value")
	ErrInvalidTransition = errors.New("invalid state transition")
)

type SubscriptionStatus string

const (
	SubscriptionIdle      SubscriptionStatus = "idle"
	SubscriptionRetired   SubscriptionStatus = "retired"
	SubscriptionAutomatic SubscriptionStatus = "automatic"
	SubscriptionManual    SubscriptionStatus = "manual"
	SubscriptionError     SubscriptionStatus = "error"
	SubscriptionUnknown   SubscriptionStatus = "unknown"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionIdle, SubscriptionRetired, SubscriptionAutomatic,
		SubscriptionManual, SubscriptionError, SubscriptionUnknown:
		return true
	}
	return false
}

// Running reports whether a subscription in this status holds its process lock.
func (s SubscriptionStatus) Running() bool {
	return s == SubscriptionAutomatic || s == SubscriptionManual
}

func (s SubscriptionStatus) Value() (driver.Value, error) { return enumValue(s) }
func (s *SubscriptionStatus) Scan(src any) error        { return scanEnum(s, src) }

type ElementStatus string

const (
	ElementActive    ElementStatus = "active"
	ElementUnlinked  ElementStatus = "unlinked"
	ElementDeleted   ElementStatus = "deleted"
	ElementArchived  ElementStatus = "archived"
	ElementDuplicate ElementStatus = "duplicate"
	ElementError     ElementStatus = "error"
	ElementUnknown   ElementStatus = "unknown"
)

func (s ElementStatus) Valid() bool {
	switch s {
	case ElementActive, ElementUnlinked, ElementDeleted, ElementArchived,
		ElementDuplicate, ElementError, ElementUnknown:
		return true
	}
	return false
}

// Terminal statuses are never reassigned a post.
func (s ElementStatus) Terminal() bool {
	return s == ElementUnlinked || s == ElementDeleted || s == ElementArchived
}

// HoldsPost lists the statuses under which an element may reference a post.
func (s ElementStatus) HoldsPost() bool {
	return s == ElementActive || s == ElementDuplicate
}

func (s ElementStatus) Value() (driver.Value, error) { return enumValue(s) }
func (s *ElementStatus) Scan(src any) error        { return scanEnum(s, src) }

// Keep is the retention verdict of an element. KeepUndecided is stored as NULL.
type Keep string

const (
	KeepUndecided Keep = ""
	KeepYes       Keep = "yes"
	KeepNo        Keep = "no"
	KeepMaybe     Keep = "maybe"
	KeepArchive   Keep = "archive"
	KeepUnknown   Keep = "unknown"
)

func (k Keep) Valid() bool {
	switch k {
	case KeepUndecided, KeepYes, KeepNo, KeepMaybe, KeepArchive, KeepUnknown:
		return true
	}
	return false
}

func (k Keep) Value() (driver.Value, error) {
	if k == KeepUndecided {
		return nil, nil
	}
	return enumValue(k)
}

func (k *Keep) Scan(src any) error {
	if src == nil {
		*k = KeepUndecided
		return nil
	}
	return scanEnum(k, src)
}

// ParseKeep accepts the wire spelling of a keep verdict; "null" and "" reset it.
func ParseKeep(s string) (Keep, error) {
	if s == "null" {
		return KeepUndecided, nil
	}
	k := Keep(s)
	if !k.Valid() {
		return KeepUndecided, fmt.Errorf("keep %q: %w", s, ErrUnknownValue)
	}
	return k, nil
}

type PostType string

const (
	PostImage PostType = "image"
	PostVideo PostType = "video"
)

func (t PostType) Valid() bool {
	return t == PostImage || t == PostVideo
}

func ParsePostType(s string) (PostType, error) {
	t := PostType(s)
	if !t.Valid() {
		return "", fmt.Errorf("post type %q: %w", s, ErrUnknownValue)
	}
	return t, nil
}

func (t PostType) Value() (driver.Value, error) { return enumValue(t) }
func (t *PostType) Scan(src any) error        { return scanEnum(t, src) }

type enum interface {
	~string
	Valid() bool
}

func enumValue[T enum](v T) (driver.Value, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%T %q: %w", v, string(v), ErrUnknownValue)
	}
	return string(v), nil
}

func scanEnum[T enum](dst *T, src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("%T: cannot scan %T: %w", *dst, src, ErrUnknownValue)
	}
	if !T(s).Valid() {
		return fmt.Errorf("%T %q: %w", *dst, s, ErrUnknownValue)
	}
	*dst = T(s)
	return nil
}

func DigestContent(content []byte) string {
	return fmt.Sprintf("%x", md5.Sum(content))
}

// Now is the default clock; every persisted timestamp is UTC.
func Now() time.Time {
	return time.Now().UTC()
}
