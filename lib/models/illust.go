package models

import (
	"database/sql"

	"gorm.io/gorm"
)

// Illust is the local record of one remote content item.
type Illust struct {
	gorm.Model
	ArtistID     uint  `gorm:"uniqueIndex:idx_artist_site_illust"` // Composite index on artist & remote id
	SiteIllustID int64 `gorm:"uniqueIndex:idx_artist_site_illust"`
	Title        string
	Tags         string
	SiteCreated  sql.NullTime

	URLs []IllustURL
}

type IllustURL struct {
	gorm.Model
	IllustID uint `gorm:"uniqueIndex:idx_illust_position"`
	Position int  `gorm:"uniqueIndex:idx_illust_position"`
	URL      string
	Type     PostType

	Illust Illust
}
