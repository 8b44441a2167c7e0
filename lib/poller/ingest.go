package poller

import (
	"context"
	"database/sql"
	"strings"

	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/providers"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ingest fetches every reference newer than the watermark and stores it. It
// returns the highest id stored; on error the watermark must not move.
func (p *Poller) ingest(ctx context.Context, sub *models.Subscription, rep Reporter) (int64, int, error) {
	name := sub.Artist.Provider
	provider, err := p.providers.Get(name)
	if err != nil {
		return 0, 0, &ProviderError{name, err}
	}

	ids, err := provider.ListNewReferenceIDs(ctx, &sub.Artist, sub.LastID)
	if err != nil {
		return 0, 0, &ProviderError{name, err}
	}

	maxID := sub.LastID
	pages := paginate(ids, p.cfg.PageSize)
	stored := 0
	for i, page := range pages {
		refs, err := p.fetchPage(ctx, provider, page)
		if err != nil {
			return 0, stored, &ProviderError{name, err}
		}
		for _, ref := range refs {
			if err := p.storeReference(ctx, sub.ArtistID, ref); err != nil {
				return 0, stored, err
			}
			stored++
			if ref.ID > maxID {
				maxID = ref.ID
			}
		}
		p.metrics.RecordReferences(len(refs))
		rep.Progress(ctx, i+1, len(pages))
	}
	return maxID, stored, nil
}

// fetchPage fetches one page of references concurrently, keeping page order.
func (p *Poller) fetchPage(ctx context.Context, provider providers.Provider, ids []int64) ([]*providers.Reference, error) {
	refs := make([]*providers.Reference, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.PageConcurrency, 1))
	for i, id := range ids {
		g.Go(func() error {
			ref, err := provider.FetchReferenceData(ctx, id)
			if err != nil {
				return err
			}
			if ref.ID == 0 {
				ref.ID = id
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// storeReference creates the backing content record of a reference, or
// refreshes it when it was seen before.
func (p *Poller) storeReference(ctx context.Context, artistID uint, ref *providers.Reference) error {
	return p.exec.Transaction(ctx, func(tx *gorm.DB) error {
		illust := models.Illust{}
		found := tx.Where("artist_id = ? AND site_illust_id = ?", artistID, ref.ID).Limit(1).Find(&illust)
		if err := found.Error; err != nil {
			return err
		}

		illust.ArtistID = artistID
		illust.SiteIllustID = ref.ID
		illust.Title = ref.Title
		illust.Tags = strings.Join(ref.Tags, " ")
		if !ref.Created.IsZero() {
			illust.SiteCreated = sql.NullTime{Time: ref.Created, Valid: true}
		}
		if err := tx.Omit(clause.Associations).Save(&illust).Error; err != nil {
			return err
		}

		for i, media := range ref.Media {
			u := models.IllustURL{IllustID: illust.ID, Position: i, URL: media.URL, Type: media.Type}
			tx := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "illust_id"}, {Name: "position"}},
				DoUpdates: clause.AssignmentColumns([]string{"url", "type", "updated_at"}),
			}).Create(&u)
			if err := tx.Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// materialize creates one element per content url of the artist that the
// subscription does not track yet.
func (p *Poller) materialize(ctx context.Context, sub *models.Subscription, rep Reporter) (int, error) {
	pending := func() *gorm.DB {
		return p.db.WithContext(ctx).Model(&models.IllustURL{}).
			Joins("JOIN illusts ON illusts.id = illust_urls.illust_id AND illusts.deleted_at IS NULL").
			Where("illusts.artist_id = ?", sub.ArtistID).
			Where("NOT EXISTS (SELECT 1 FROM subscription_elements se WHERE se.subscription_id = ? AND se.illust_url_id = illust_urls.id)", sub.ID)
	}

	var total int64
	if err := pending().Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	pages := int((total + int64(p.cfg.PageSize) - 1) / int64(p.cfg.PageSize))

	created := 0
	var urls []models.IllustURL
	tx := pending().
		Select("illust_urls.id").
		FindInBatches(&urls, p.cfg.PageSize, func(_ *gorm.DB, batch int) error {
			now := p.now()
			elements := make(models.SubscriptionElements, 0, len(urls))
			for _, u := range urls {
				elements = append(elements, models.NewElement(sub, u.ID, now))
			}

			err := p.exec.Transaction(ctx, func(tx *gorm.DB) error {
				res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&elements)
				created += int(res.RowsAffected)
				return res.Error
			})
			if err != nil {
				return err
			}
			rep.Progress(ctx, batch, pages)
			return nil
		})
	if err := tx.Error; err != nil {
		return created, err
	}

	p.metrics.RecordElementsCreated(created)
	return created, nil
}

func paginate(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var pages [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		pages = append(pages, ids[:n])
		ids = ids[n:]
	}
	return pages
}
