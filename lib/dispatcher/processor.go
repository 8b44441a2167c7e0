package dispatcher

import (
	"context"
	"fmt"

	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/zap"
)

// Processor is secondary work run on a post after it is stored, such as
// similarity indexing for images or transcoding for videos.
type Processor interface {
	Process(ctx context.Context, post *models.Post) error
}

// Checksummer re-reads a stored post and verifies its content hash. It is the
// default processor for both pools until dedicated indexers are plugged in.
type Checksummer struct {
	storage Storage
	log     *zap.Logger
}

func NewChecksummer(storage *FileStorage, log *zap.Logger) *Checksummer {
	return &Checksummer{storage, log}
}

func (c *Checksummer) Process(ctx context.Context, post *models.Post) error {
	data, err := c.storage.Read(post)
	if err != nil {
		return err
	}
	if sum := models.DigestContent(data); sum != post.MD5 {
		return fmt.Errorf("post %d: stored content hashes to %s, want %s", post.ID, sum, post.MD5)
	}
	c.log.Sugar().Debugw("Post verified", "post_id", post.ID, "type", post.Type)
	return nil
}
