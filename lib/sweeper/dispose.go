package sweeper

import (
	"context"

	"github.com/fiffu/archivist/lib/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dispose applies pass to one element in its own transaction. Failures are
// recorded on the element, which stays active and is retried next sweep.
func (s *Sweeper) dispose(ctx context.Context, pass Pass, el *models.SubscriptionElement) *Result {
	log := s.log.Sugar().With("element_id", el.ID, "pass", pass)

	if pass == PassDelete {
		if err := s.storage.Reachable(); err != nil {
			log.Warnw("Storage unreachable, deferring delete", "err", err)
			return &Result{Skipped: 1}
		}
	}

	res := &Result{}
	err := s.exec.Owned(nil, &el.ID).Run(ctx, moduleName,
		func(ctx context.Context) error {
			return s.exec.Transaction(ctx, func(tx *gorm.DB) error {
				post := el.Post
				shared, err := s.shared(tx, el)
				if err != nil {
					return err
				}

				switch {
				case pass == PassUnlink || shared || post == nil:
					if err := el.Unlink(); err != nil {
						return err
					}
					res.Unlinked++

				case pass == PassDelete:
					if err := el.Deleted(); err != nil {
						return err
					}
					if err := tx.Model(el).Omit(clause.Associations).Updates(el.StateColumns()).Error; err != nil {
						return err
					}
					if err := tx.Unscoped().Delete(post).Error; err != nil {
						return err
					}
					// Last step, so a failure rolls the rows back with the file still present.
					if err := s.storage.Remove(post); err != nil {
						return err
					}
					res.Deleted++
					return nil

				case pass == PassArchive:
					if err := el.Archived(); err != nil {
						return err
					}
					if err := tx.Delete(post).Error; err != nil {
						return err
					}
					res.Archived++
				}
				return tx.Model(el).Omit(clause.Associations).Updates(el.StateColumns()).Error
			})
		},
		nil, nil,
	)
	if err != nil {
		return &Result{Failed: 1}
	}
	log.Debugw("Element swept", "status", el.Status)
	return res
}

// shared reports whether another live element still holds the element's post.
func (s *Sweeper) shared(tx *gorm.DB, el *models.SubscriptionElement) (bool, error) {
	if el.PostID == nil {
		return false, nil
	}
	var n int64
	err := tx.Model(&models.SubscriptionElement{}).
		Where("post_id = ? AND id <> ?", *el.PostID, el.ID).
		Where("status IN ?", []models.ElementStatus{models.ElementActive, models.ElementDuplicate}).
		Count(&n).Error
	return n > 0, err
}
