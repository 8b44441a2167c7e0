package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Post is a locally stored media file. Soft-deleted posts live in the archive.
type Post struct {
	gorm.Model
	MD5       string `gorm:"uniqueIndex"`
	FileExt   string
	Size      int64
	Type      PostType
	SourceURL string
	UserOwned bool // set when a user adopted the post outside of any subscription
}

func (p *Post) Filename() string {
	return fmt.Sprintf("%s.%s", p.MD5, p.FileExt)
}
