// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fiffu/archivist/lib/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a migrated in-memory database. A single connection keeps every
// session on the same in-memory schema.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// CreateSubscription inserts an active idle subscription for a fresh artist.
func CreateSubscription(t testing.TB, db *gorm.DB, mutate ...func(*models.Subscription)) *models.Subscription {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.Artist{}).Count(&count).Error)

	artist := models.Artist{Provider: "fake", SiteArtistID: fmt.Sprintf("artist-%d", count+1), Name: "artist"}
	require.NoError(t, db.Create(&artist).Error)

	sub := &models.Subscription{
		ArtistID:   artist.ID,
		Status:     models.SubscriptionIdle,
		Interval:   24,
		Expiration: sql.NullFloat64{Float64: 30, Valid: true},
		Active:     true,
	}
	for _, fn := range mutate {
		fn(sub)
	}
	require.NoError(t, db.Create(sub).Error)
	sub.Artist = artist
	return sub
}

// CreateIllust inserts an illust with one image URL per entry in urls.
func CreateIllust(t testing.TB, db *gorm.DB, artistID uint, siteID int64, urls ...string) *models.Illust {
	t.Helper()
	illust := &models.Illust{ArtistID: artistID, SiteIllustID: siteID, Title: fmt.Sprintf("illust %d", siteID)}
	for i, u := range urls {
		illust.URLs = append(illust.URLs, models.IllustURL{Position: i, URL: u, Type: models.PostImage})
	}
	require.NoError(t, db.Create(illust).Error)
	return illust
}

// CreateElement inserts an element for sub, optionally linked to a freshly created post.
func CreateElement(t testing.TB, db *gorm.DB, sub *models.Subscription, withPost bool, mutate ...func(*models.SubscriptionElement)) *models.SubscriptionElement {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.Illust{}).Count(&count).Error)
	illust := CreateIllust(t, db, sub.ArtistID, 1000+count, fmt.Sprintf("https://media.example/%d.png", count))

	el := models.NewElement(sub, illust.URLs[0].ID, Epoch)
	if withPost {
		post := CreatePost(t, db, fmt.Sprintf("%032d", 1000+count))
		el.PostID = &post.ID
		el.MD5 = post.MD5
	}
	for _, fn := range mutate {
		fn(&el)
	}
	require.NoError(t, db.Create(&el).Error)
	return &el
}

func CreatePost(t testing.TB, db *gorm.DB, md5 string) *models.Post {
	t.Helper()
	post := &models.Post{MD5: md5, FileExt: "png", Size: 4, Type: models.PostImage}
	require.NoError(t, db.Create(post).Error)
	return post
}

func ReloadElement(t testing.TB, db *gorm.DB, id uint) *models.SubscriptionElement {
	t.Helper()
	var el models.SubscriptionElement
	require.NoError(t, db.First(&el, id).Error)
	return &el
}

func ReloadSubscription(t testing.TB, db *gorm.DB, id uint) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, db.Preload("Errors").First(&sub, id).Error)
	return &sub
}
