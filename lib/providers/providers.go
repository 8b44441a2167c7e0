// Package providers fetches remote content references for an artist. Each
// provider is registered under the name stored on the artist record.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Reference is the metadata of one remote content item.
type Reference struct {
	ID      int64
	Title   string
	Tags    []string
	Created time.Time
	Media   []Media
}

type Media struct {
	URL  string
	Type models.PostType
}

type Provider interface {
	// ListNewReferenceIDs returns every reference id newer than sinceID in ascending order.
	ListNewReferenceIDs(ctx context.Context, artist *models.Artist, sinceID int64) ([]int64, error)
	FetchReferenceData(ctx context.Context, id int64) (*Reference, error)
}

type Registry map[string]Provider

func NewProviderRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, transport http.RoundTripper) Registry {
	limit := rate.Limit(cfg.Providers.RequestsPerSecond)
	if cfg.Providers.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}

	reg := Registry{}
	if base := cfg.Providers.JSONBaseURL; base != "" {
		reg["jsonapi"] = Throttle(&jsonAPI{base, transport}, rate.NewLimiter(limit, 1))
	}
	if cfg.Providers.GalleryListURL != "" && cfg.Providers.GalleryItemURL != "" {
		reg["gallery"] = Throttle(newGallery(cfg.Providers, transport), rate.NewLimiter(limit, 1))
	}

	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	log.Sugar().Infow("Providers registered", "providers", names)
	return reg
}

func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownProvider)
	}
	return p, nil
}

// Throttle spaces out calls to p so that every provider request waits its turn on limiter.
func Throttle(p Provider, limiter *rate.Limiter) Provider {
	return &throttled{p, limiter}
}

type throttled struct {
	Provider
	limiter *rate.Limiter
}

func (t *throttled) ListNewReferenceIDs(ctx context.Context, artist *models.Artist, sinceID int64) ([]int64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.ListNewReferenceIDs(ctx, artist, sinceID)
}

func (t *throttled) FetchReferenceData(ctx context.Context, id int64) (*Reference, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.FetchReferenceData(ctx, id)
}

var videoExts = map[string]bool{".mp4": true, ".webm": true, ".mov": true, ".mkv": true}

// MediaType guesses the post type of a media url from its extension.
func MediaType(rawURL string) models.PostType {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if videoExts[strings.ToLower(path.Ext(p))] {
		return models.PostVideo
	}
	return models.PostImage
}
