package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/carlmjohnson/requests"
	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/models"
	"golang.org/x/net/html"
)

// gallery scrapes HTML listing and item pages. The listing template takes the
// site artist id and a page number, the item template takes a reference id.
// Listings are expected newest first, so paging stops at the first page that
// reaches back to sinceID.
type gallery struct {
	listURL    string
	itemURL    string
	idXPath    string
	titleXPath string
	mediaXPath string
	tagXPath   string
	transport  http.RoundTripper
}

func newGallery(cfg config.Providers, transport http.RoundTripper) *gallery {
	return &gallery{
		listURL:    cfg.GalleryListURL,
		itemURL:    cfg.GalleryItemURL,
		idXPath:    cfg.GalleryIDXPath,
		titleXPath: cfg.GalleryTitleXPath,
		mediaXPath: cfg.GalleryMediaXPath,
		tagXPath:   cfg.GalleryTagXPath,
		transport:  transport,
	}
}

func (g *gallery) ListNewReferenceIDs(ctx context.Context, artist *models.Artist, sinceID int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64

	for page := 1; page <= maxListPages; page++ {
		endpoint := fmt.Sprintf(g.listURL, url.PathEscape(artist.SiteArtistID), page)
		doc, err := g.fetch(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("gallery: list artist %s page %d: %w", artist.SiteArtistID, page, err)
		}

		found := selectTexts(doc, g.idXPath)
		if len(found) == 0 {
			break
		}

		reachedKnown := false
		for _, raw := range found {
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("gallery: bad reference id %q: %w", raw, err)
			}
			if id <= sinceID {
				reachedKnown = true
				continue
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if reachedKnown {
			break
		}
	}

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

func (g *gallery) FetchReferenceData(ctx context.Context, id int64) (*Reference, error) {
	endpoint := fmt.Sprintf(g.itemURL, id)
	doc, err := g.fetch(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("gallery: fetch reference %d: %w", id, err)
	}

	ref := &Reference{
		ID:    id,
		Title: selectText(doc, g.titleXPath),
		Tags:  selectTexts(doc, g.tagXPath),
	}

	media := selectTexts(doc, g.mediaXPath)
	if len(media) == 0 {
		if preview := extractPreviewImage(doc); preview != "" {
			media = []string{preview}
		}
	}
	base, _ := url.Parse(endpoint)
	for _, m := range media {
		resolved := m
		if u, err := url.Parse(m); err == nil && base != nil {
			resolved = base.ResolveReference(u).String()
		}
		ref.Media = append(ref.Media, Media{URL: resolved, Type: MediaType(resolved)})
	}
	return ref, nil
}

func (g *gallery) fetch(ctx context.Context, endpoint string) (*html.Node, error) {
	var body string
	err := requests.URL(endpoint).
		Transport(g.transport).
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return htmlquery.Parse(strings.NewReader(body))
}
