package lib

import (
	"context"
	"fmt"
	"time"

	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type elements struct {
	log *zap.Logger
	db  *gorm.DB
	now func() time.Time
}

func (uc *elements) SetElementKeep(ctx context.Context, elementID uint, keep models.Keep) (*models.SubscriptionElement, error) {
	el := &models.SubscriptionElement{}
	err := uc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := first(tx.Preload("Subscription"), el, elementID); err != nil {
			return err
		}
		if err := el.SetKeep(keep, &el.Subscription, uc.now()); err != nil {
			return err
		}
		return tx.Model(el).Omit(clause.Associations).Updates(el.StateColumns()).Error
	})
	if err != nil {
		return nil, err
	}
	return el, nil
}

// DelayElements pushes back the expiry of every pending element of a
// subscription and returns how many moved.
func (uc *elements) DelayElements(ctx context.Context, subID uint, days float64) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("delay of %v days: %w", days, ErrInvalidArgument)
	}
	delay := time.Duration(days * float64(24*time.Hour))
	now := uc.now()

	delayed := 0
	err := uc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := first(tx, &models.Subscription{}, subID); err != nil {
			return err
		}

		var els models.SubscriptionElements
		err := tx.
			Where("subscription_id = ? AND status = ? AND expires IS NOT NULL", subID, models.ElementActive).
			Find(&els).Error
		if err != nil {
			return err
		}
		for i := range els {
			el := &els[i]
			if !el.Delay(delay, now) {
				continue
			}
			if err := tx.Model(el).Update("expires", el.Expires).Error; err != nil {
				return err
			}
			delayed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	uc.log.Sugar().Infow("Delayed element expiry", "subscription_id", subID, "days", days, "elements", delayed)
	return delayed, nil
}
