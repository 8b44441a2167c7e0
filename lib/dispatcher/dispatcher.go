// Package dispatcher turns subscription elements into stored posts.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/archivist/lib/executor"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const moduleName = "dispatcher"

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// Dispatcher converts an element into stored media. The element's post, md5
// and status are persisted before Convert returns.
type Dispatcher interface {
	Convert(ctx context.Context, el *models.SubscriptionElement) (Outcome, *models.Post, error)
}

type Downloader struct {
	db        *gorm.DB
	exec      *executor.Executor
	storage   Storage
	transport http.RoundTripper
	log       *zap.Logger
	metrics   metrics.Recorder
}

func NewDownloader(db *gorm.DB, exec *executor.Executor, storage *FileStorage, transport http.RoundTripper, log *zap.Logger, m metrics.Recorder) *Downloader {
	return &Downloader{db, exec, storage, transport, log, m}
}

var _ Dispatcher = (*Downloader)(nil)

func (d *Downloader) Convert(ctx context.Context, el *models.SubscriptionElement) (Outcome, *models.Post, error) {
	outcome, post, err := d.convert(ctx, el)
	if err != nil {
		d.fail(ctx, el, err)
		outcome = OutcomeError
	}
	d.metrics.RecordDownload(string(outcome))
	return outcome, post, err
}

func (d *Downloader) convert(ctx context.Context, el *models.SubscriptionElement) (Outcome, *models.Post, error) {
	if el.IllustURL.ID == 0 {
		tx := d.db.WithContext(ctx).First(&el.IllustURL, el.IllustURLID)
		if err := tx.Error; err != nil {
			return OutcomeError, nil, err
		}
	}
	source := el.IllustURL.URL

	buf := new(bytes.Buffer)
	err := requests.URL(source).
		Transport(d.transport).
		ToBytesBuffer(buf).
		Fetch(ctx)
	if err != nil {
		return OutcomeError, nil, fmt.Errorf("download %s: %w", source, err)
	}
	if buf.Len() == 0 {
		return OutcomeError, nil, fmt.Errorf("download %s: empty body", source)
	}

	data := buf.Bytes()
	post := &models.Post{
		MD5:       models.DigestContent(data),
		FileExt:   fileExt(source, el.IllustURL.Type),
		Size:      int64(len(data)),
		Type:      el.IllustURL.Type,
		SourceURL: source,
	}

	if existing, err := d.findPost(ctx, post.MD5); err != nil {
		return OutcomeError, nil, err
	} else if existing != nil {
		return d.attachDuplicate(ctx, el, existing)
	}

	if err := d.storage.Write(post, data); err != nil {
		return OutcomeError, nil, fmt.Errorf("store %s: %w", post.Filename(), err)
	}

	var outcome Outcome
	err = d.exec.Transaction(ctx, func(tx *gorm.DB) error {
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(post)
		if err := created.Error; err != nil {
			return err
		}
		if created.RowsAffected == 0 {
			// Another element stored the same content first.
			existing := &models.Post{}
			if err := tx.Unscoped().Where("md5 = ?", post.MD5).First(existing).Error; err != nil {
				return err
			}
			post = existing
			outcome = OutcomeDuplicate
			if err := el.Duplicated(post); err != nil {
				return err
			}
		} else {
			outcome = OutcomeOK
			if err := el.Downloaded(post); err != nil {
				return err
			}
		}
		return tx.Model(el).Omit(clause.Associations).Updates(el.StateColumns()).Error
	})
	if err != nil {
		return OutcomeError, nil, err
	}

	d.log.Sugar().Infow("Element converted", "element_id", el.ID, "post_id", post.ID, "outcome", outcome)
	return outcome, post, nil
}

func (d *Downloader) findPost(ctx context.Context, md5 string) (*models.Post, error) {
	post := &models.Post{}
	tx := d.db.WithContext(ctx).Unscoped().Where("md5 = ?", md5).First(post)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return post, nil
}

func (d *Downloader) attachDuplicate(ctx context.Context, el *models.SubscriptionElement, post *models.Post) (Outcome, *models.Post, error) {
	err := d.exec.Transaction(ctx, func(tx *gorm.DB) error {
		if err := el.Duplicated(post); err != nil {
			return err
		}
		return tx.Model(el).Omit(clause.Associations).Updates(el.StateColumns()).Error
	})
	if err != nil {
		return OutcomeError, nil, err
	}
	d.log.Sugar().Infow("Element is a duplicate", "element_id", el.ID, "post_id", post.ID)
	return OutcomeDuplicate, post, nil
}

// fail records err on the element and moves it to error. Sibling elements and
// the owning subscription are left alone.
func (d *Downloader) fail(ctx context.Context, el *models.SubscriptionElement, cause error) {
	ctx = context.WithoutCancel(ctx)
	d.log.Sugar().Warnw("Element conversion failed", "element_id", el.ID, "err", cause)

	err := d.exec.Transaction(ctx, func(tx *gorm.DB) error {
		el.Failed()
		if err := tx.Model(el).Omit(clause.Associations).Updates(el.StateColumns()).Error; err != nil {
			return err
		}
		rec := models.NewErrorRecord(moduleName, cause)
		rec.ElementID = &el.ID
		return tx.Create(&rec).Error
	})
	if err != nil {
		d.log.Sugar().Errorw("Failed to record element error", "element_id", el.ID, "err", err)
	}
}

func fileExt(source string, typ models.PostType) string {
	p := source
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), "."); ext != "" && len(ext) <= 5 {
		return ext
	}
	if typ == models.PostVideo {
		return "mp4"
	}
	return "jpg"
}
