package lib

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/providers"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type subscriptions struct {
	log       *zap.Logger
	db        *gorm.DB
	providers providers.Registry
	now       func() time.Time
}

type NewSubscription struct {
	Provider     string
	SiteArtistID string
	Name         string
	Interval     float64  // hours
	Expiration   *float64 // days, nil never expires
}

// CreateSubscription tracks an artist on a registered provider. The first
// poll is due immediately.
func (uc *subscriptions) CreateSubscription(ctx context.Context, req NewSubscription) (*models.Subscription, error) {
	if _, err := uc.providers.Get(req.Provider); err != nil {
		return nil, err
	}
	if req.SiteArtistID == "" {
		return nil, fmt.Errorf("missing artist id: %w", ErrInvalidArgument)
	}
	if req.Interval <= 0 {
		return nil, fmt.Errorf("interval %v: %w", req.Interval, ErrInvalidArgument)
	}
	if req.Expiration != nil && *req.Expiration < 0 {
		return nil, fmt.Errorf("expiration %v: %w", *req.Expiration, ErrInvalidArgument)
	}

	sub := &models.Subscription{
		Status:   models.SubscriptionIdle,
		Interval: req.Interval,
		Requery:  sql.NullTime{Time: uc.now(), Valid: true},
		Active:   true,
	}
	if req.Expiration != nil {
		sub.Expiration = sql.NullFloat64{Float64: *req.Expiration, Valid: true}
	}

	err := uc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		artist := models.Artist{}
		err := tx.
			Where(models.Artist{Provider: req.Provider, SiteArtistID: req.SiteArtistID}).
			Attrs(models.Artist{Name: req.Name}).
			FirstOrCreate(&artist).Error
		if err != nil {
			return err
		}

		var existing int64
		err = tx.Model(&models.Subscription{}).
			Where("artist_id = ? AND status <> ?", artist.ID, models.SubscriptionRetired).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("artist %s/%s is already subscribed: %w", req.Provider, req.SiteArtistID, ErrInvalidArgument)
		}

		sub.ArtistID = artist.ID
		if err := tx.Create(sub).Error; err != nil {
			return err
		}
		sub.Artist = artist
		return nil
	})
	if err != nil {
		return nil, err
	}

	uc.log.Sugar().Infow("Created subscription", "subscription_id", sub.ID, "provider", req.Provider, "artist", req.SiteArtistID)
	return sub, nil
}

func (uc *subscriptions) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	sub := &models.Subscription{}
	tx := uc.db.WithContext(ctx).
		Preload("Artist").
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("created_at desc") })
	if err := first(tx, sub, id); err != nil {
		return nil, err
	}
	return sub, nil
}

// ResetSubscription puts a quarantined subscription back into rotation and
// clears its error list.
func (uc *subscriptions) ResetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, err := uc.transition(ctx, id, func(tx *gorm.DB, sub *models.Subscription) error {
		if err := sub.Reset(uc.now()); err != nil {
			return err
		}
		return tx.Where("subscription_id = ?", sub.ID).Delete(&models.ErrorRecord{}).Error
	})
	if err != nil {
		return nil, err
	}
	uc.log.Sugar().Infow("Subscription reset", "subscription_id", id)
	return sub, nil
}

func (uc *subscriptions) RetireSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, err := uc.transition(ctx, id, func(tx *gorm.DB, sub *models.Subscription) error {
		return sub.Retire()
	})
	if err != nil {
		return nil, err
	}
	uc.log.Sugar().Infow("Subscription retired", "subscription_id", id)
	return sub, nil
}

func (uc *subscriptions) transition(ctx context.Context, id uint, apply func(tx *gorm.DB, sub *models.Subscription) error) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := uc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := first(tx.Preload("Artist"), sub, id); err != nil {
			return err
		}
		if err := apply(tx, sub); err != nil {
			return err
		}
		return tx.Model(sub).Omit(clause.Associations).Updates(sub.StateColumns()).Error
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
