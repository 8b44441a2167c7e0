package poller

import (
	"context"
	"sync"

	"github.com/fiffu/archivist/lib/dispatcher"
	"github.com/fiffu/archivist/lib/models"
	"golang.org/x/sync/errgroup"
)

// download converts the subscription's elements that still lack a post, one
// page at a time. Each page finishes before the next is read, and its stored
// posts are handed to the post-processing pools.
func (p *Poller) download(ctx context.Context, sub *models.Subscription, rep Reporter) (*pollMetrics, error) {
	m := &pollMetrics{}

	query := p.db.WithContext(ctx).Model(&models.SubscriptionElement{}).
		Where("subscription_id = ? AND status = ? AND post_id IS NULL", sub.ID, models.ElementActive)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return m, err
	}
	pages := int((total + int64(p.cfg.PageSize) - 1) / int64(p.cfg.PageSize))

	var lastID uint
	for page := 1; ; page++ {
		var batch models.SubscriptionElements
		tx := p.db.WithContext(ctx).
			Preload("IllustURL").
			Where("subscription_id = ? AND status = ? AND post_id IS NULL", sub.ID, models.ElementActive).
			Where("id > ?", lastID).
			Order("id").
			Limit(p.cfg.PageSize).
			Find(&batch)
		if err := tx.Error; err != nil {
			return m, err
		}
		if len(batch) == 0 {
			break
		}
		lastID = batch[len(batch)-1].ID

		m.Add(p.downloadPage(ctx, batch))
		rep.Progress(ctx, page, max(pages, page))
	}
	return m, nil
}

func (p *Poller) downloadPage(ctx context.Context, batch models.SubscriptionElements) *pollMetrics {
	var mu sync.Mutex
	m := &pollMetrics{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.PageConcurrency, 1))
	for i := range batch {
		el := &batch[i]
		g.Go(func() error {
			outcome, post, _ := p.dispatch.Convert(gctx, el)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case dispatcher.OutcomeOK:
				m.downloaded++
				p.postProcess(ctx, post)
			case dispatcher.OutcomeDuplicate:
				m.duplicates++
			default:
				m.errored++
			}
			return nil
		})
	}
	g.Wait()
	return m
}

// postProcess hands a fresh post to the pool for its media type. The pools
// log and swallow failures.
func (p *Poller) postProcess(ctx context.Context, post *models.Post) {
	if post == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	switch post.Type {
	case models.PostVideo:
		if p.videos != nil {
			p.gov.Videos.Go(ctx, "transcode", func(ctx context.Context) error { return p.videos.Process(ctx, post) })
		}
	default:
		if p.images != nil {
			p.gov.Images.Go(ctx, "index", func(ctx context.Context) error { return p.images.Process(ctx, post) })
		}
	}
}
