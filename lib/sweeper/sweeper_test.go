package sweeper

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/dispatcher"
	"github.com/fiffu/archivist/lib/executor"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type nopReporter struct{}

func (nopReporter) Stage(ctx context.Context, stage string)       {}
func (nopReporter) Progress(ctx context.Context, done, total int) {}
func (nopReporter) Add(key string, n int)                         {}
func (nopReporter) Publish(ctx context.Context)                   {}

type fixture struct {
	db      *gorm.DB
	storage *dispatcher.FileStorage
	sub     *models.Subscription
}

func defaultConfig() config.Sweeper {
	return config.Sweeper{PageSize: 50, MaxPages: 10, ArchiveEnabled: true}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	return &fixture{
		db:      db,
		storage: dispatcher.NewFileStorageAt(t.TempDir()),
		sub:     testutil.CreateSubscription(t, db),
	}
}

func (f *fixture) sweeper(cfg config.Sweeper, storage dispatcher.Storage) *Sweeper {
	log := zap.NewNop()
	clock := testutil.NewClock(testutil.Epoch)
	return New(f.db, executor.NewExecutor(f.db, log), storage, cfg, log, metrics.NewCollector(prometheus.NewRegistry()), clock.Now)
}

// expired creates an element with a stored post whose expiry has passed.
func (f *fixture) expired(t *testing.T, keep models.Keep, mutate ...func(*models.SubscriptionElement)) *models.SubscriptionElement {
	t.Helper()
	el := testutil.CreateElement(t, f.db, f.sub, true, append([]func(*models.SubscriptionElement){func(el *models.SubscriptionElement) {
		el.Keep = keep
		el.Expires = sql.NullTime{Time: testutil.Epoch.Add(-time.Hour), Valid: true}
	}}, mutate...)...)

	post := f.post(t, *el.PostID)
	require.NoError(t, f.storage.Write(post, []byte("media")))
	return el
}

func (f *fixture) post(t *testing.T, id uint) *models.Post {
	t.Helper()
	post := &models.Post{}
	require.NoError(t, f.db.Unscoped().First(post, id).Error)
	return post
}

func TestRun_DeletesKeepNo(t *testing.T) {
	f := newFixture(t)
	el := f.expired(t, models.KeepNo)
	post := f.post(t, *el.PostID)

	res, err := f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	got := testutil.ReloadElement(t, f.db, el.ID)
	assert.Equal(t, models.ElementDeleted, got.Status)
	assert.Nil(t, got.PostID)

	err = f.db.Unscoped().First(&models.Post{}, post.ID).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "post is hard-deleted")
	_, err = os.Stat(f.storage.Path(post))
	assert.True(t, os.IsNotExist(err), "media file is removed")
}

func TestRun_UnlinksKeepYesAndUserOwned(t *testing.T) {
	f := newFixture(t)
	yes := f.expired(t, models.KeepYes)
	owned := f.expired(t, models.KeepNo)
	require.NoError(t, f.db.Model(&models.Post{}).Where("id = ?", *owned.PostID).Update("user_owned", true).Error)

	res, err := f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Unlinked)
	assert.Zero(t, res.Deleted)

	for _, el := range []*models.SubscriptionElement{yes, owned} {
		got := testutil.ReloadElement(t, f.db, el.ID)
		assert.Equal(t, models.ElementUnlinked, got.Status)
		assert.Nil(t, got.PostID)
		assert.False(t, f.post(t, *el.PostID).DeletedAt.Valid, "post is kept")
	}
}

func TestRun_ArchivesKeepArchive(t *testing.T) {
	f := newFixture(t)
	el := f.expired(t, models.KeepArchive)

	res, err := f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)

	got := testutil.ReloadElement(t, f.db, el.ID)
	assert.Equal(t, models.ElementArchived, got.Status)
	assert.Nil(t, got.PostID)
	assert.True(t, f.post(t, *el.PostID).DeletedAt.Valid, "post is soft-deleted into the archive")

	_, err = os.Stat(f.storage.Path(f.post(t, *el.PostID)))
	assert.NoError(t, err, "archived media stays on disk")
}

func TestRun_UndecidedFollowsPolicy(t *testing.T) {
	f := newFixture(t)
	el := f.expired(t, models.KeepUndecided)

	_, err := f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, models.ElementActive, testutil.ReloadElement(t, f.db, el.ID).Status, "no-op by default")

	cfg := defaultConfig()
	cfg.ArchiveUndecided = true
	res, err := f.sweeper(cfg, f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, models.ElementArchived, testutil.ReloadElement(t, f.db, el.ID).Status)
}

func TestRun_ArchiveDisabled(t *testing.T) {
	f := newFixture(t)
	el := f.expired(t, models.KeepArchive)

	cfg := defaultConfig()
	cfg.ArchiveEnabled = false
	res, err := f.sweeper(cfg, f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Zero(t, res.Processed())
	assert.Equal(t, models.ElementActive, testutil.ReloadElement(t, f.db, el.ID).Status)
}

func TestRun_UnreachableStorageDefersDelete(t *testing.T) {
	f := newFixture(t)
	el := f.expired(t, models.KeepNo)
	gone := dispatcher.NewFileStorageAt(t.TempDir() + "/unmounted")

	res, err := f.sweeper(defaultConfig(), gone).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, models.ElementActive, testutil.ReloadElement(t, f.db, el.ID).Status)

	res, err = f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted, "retried once storage is back")
}

func TestRun_IgnoresUnexpiredAndTerminal(t *testing.T) {
	f := newFixture(t)
	fresh := testutil.CreateElement(t, f.db, f.sub, true, func(el *models.SubscriptionElement) { el.Keep = models.KeepNo })
	done := f.expired(t, models.KeepNo, func(el *models.SubscriptionElement) { el.Status = models.ElementDuplicate })

	res, err := f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Zero(t, res.Processed())
	assert.Equal(t, models.ElementActive, testutil.ReloadElement(t, f.db, fresh.ID).Status)
	assert.Equal(t, models.ElementDuplicate, testutil.ReloadElement(t, f.db, done.ID).Status)
}

func TestRun_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.expired(t, models.KeepYes)
	f.expired(t, models.KeepNo)
	f.expired(t, models.KeepArchive)
	s := f.sweeper(defaultConfig(), f.storage)

	first, err := s.Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Processed())

	second, err := s.Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Zero(t, second.Processed())
	assert.Zero(t, second.Failed)
}

func TestRun_SharedPostIsUnlinked(t *testing.T) {
	f := newFixture(t)
	el := f.expired(t, models.KeepNo)
	other := testutil.CreateElement(t, f.db, testutil.CreateSubscription(t, f.db), false, func(o *models.SubscriptionElement) {
		o.PostID = el.PostID
		o.Status = models.ElementDuplicate
	})

	res, err := f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unlinked)

	assert.Equal(t, models.ElementUnlinked, testutil.ReloadElement(t, f.db, el.ID).Status)
	assert.False(t, f.post(t, *el.PostID).DeletedAt.Valid)
	assert.Equal(t, el.PostID, testutil.ReloadElement(t, f.db, other.ID).PostID)
}

func TestPass_PageCapUnlessManual(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.expired(t, models.KeepYes)
	}
	cfg := config.Sweeper{PageSize: 1, MaxPages: 1, ArchiveEnabled: true}
	s := f.sweeper(cfg, f.storage)

	res, err := s.Pass(context.Background(), PassUnlink, testutil.Epoch, false, nopReporter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unlinked)

	res, err = s.Pass(context.Background(), PassUnlink, testutil.Epoch, true, nopReporter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Unlinked)
}

func TestRun_RetiredElementsHoldNoPost(t *testing.T) {
	f := newFixture(t)
	f.expired(t, models.KeepYes)
	f.expired(t, models.KeepNo)
	f.expired(t, models.KeepArchive)
	f.expired(t, models.KeepMaybe)

	_, err := f.sweeper(defaultConfig(), f.storage).Run(context.Background(), nopReporter{}, true)
	require.NoError(t, err)

	var els models.SubscriptionElements
	require.NoError(t, f.db.Find(&els).Error)
	require.Len(t, els, 4)
	for _, el := range els {
		if el.PostID != nil {
			assert.Contains(t, []models.ElementStatus{models.ElementActive, models.ElementDuplicate}, el.Status, "element %d", el.ID)
			continue
		}
		assert.True(t, el.Status.Terminal(), "element %d", el.ID)
	}

	var dangling int64
	require.NoError(t, f.db.Model(&models.SubscriptionElement{}).
		Where("post_id IS NOT NULL AND post_id NOT IN (?)", f.db.Unscoped().Model(&models.Post{}).Select("id")).
		Count(&dangling).Error)
	assert.Zero(t, dangling)
}
