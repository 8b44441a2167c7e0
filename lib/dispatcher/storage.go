package dispatcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/zap"
)

// Storage holds media files addressed by content hash.
type Storage interface {
	// Reachable reports an error when the storage root cannot currently be used.
	Reachable() error
	Path(post *models.Post) string
	Write(post *models.Post, data []byte) error
	Read(post *models.Post) ([]byte, error)
	Remove(post *models.Post) error
}

// FileStorage lays media out as <root>/<md5[0:2]>/<md5>.<ext>.
type FileStorage struct {
	root string
}

func NewFileStorage(cfg *config.Config, log *zap.Logger) *FileStorage {
	root := filepath.Join(cfg.DataDir, "media")
	if err := os.MkdirAll(root, 0o755); err != nil {
		log.Sugar().Warnw("Media root is not writable", "root", root, "err", err)
	}
	return &FileStorage{root}
}

func NewFileStorageAt(root string) *FileStorage {
	return &FileStorage{root}
}

var _ Storage = (*FileStorage)(nil)

func (s *FileStorage) Reachable() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("media root %s is not a directory", s.root)
	}
	return nil
}

func (s *FileStorage) Path(post *models.Post) string {
	prefix := post.MD5
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, prefix, post.Filename())
}

// Write stores data atomically: readers never see a partial file.
func (s *FileStorage) Write(post *models.Post, data []byte) error {
	dst := s.Path(post)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *FileStorage) Read(post *models.Post) ([]byte, error) {
	return os.ReadFile(s.Path(post))
}

func (s *FileStorage) Remove(post *models.Post) error {
	err := os.Remove(s.Path(post))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
