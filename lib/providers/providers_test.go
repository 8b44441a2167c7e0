package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var artist = &models.Artist{Provider: "jsonapi", SiteArtistID: "a-1"}

func TestJSONAPI_ListNewReferenceIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/artists/a-1/references", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("since"))

		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"ids":[105,103],"next_page":2}`)
		case "2":
			fmt.Fprint(w, `{"ids":[101,99],"next_page":null}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	p := &jsonAPI{srv.URL, http.DefaultTransport}
	ids, err := p.ListNewReferenceIDs(context.Background(), artist, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 103, 105}, ids)
}

func TestJSONAPI_FetchReferenceData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/references/103", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id":      103,
			"title":   "Harbour at dusk",
			"tags":    []string{"sea", "boats"},
			"created": "2024-02-10T08:00:00Z",
			"media": []map[string]string{
				{"url": "https://cdn.example/103_p0.png", "type": "image"},
				{"url": "https://cdn.example/103_p1.webm"},
			},
		})
	}))
	defer srv.Close()

	p := &jsonAPI{srv.URL + "/", http.DefaultTransport}
	ref, err := p.FetchReferenceData(context.Background(), 103)
	require.NoError(t, err)

	assert.Equal(t, int64(103), ref.ID)
	assert.Equal(t, "Harbour at dusk", ref.Title)
	assert.Equal(t, []string{"sea", "boats"}, ref.Tags)
	assert.Equal(t, time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC), ref.Created)
	assert.Equal(t, []Media{
		{URL: "https://cdn.example/103_p0.png", Type: models.PostImage},
		{URL: "https://cdn.example/103_p1.webm", Type: models.PostVideo},
	}, ref.Media)
}

func TestJSONAPI_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &jsonAPI{srv.URL, http.DefaultTransport}
	_, err := p.ListNewReferenceIDs(context.Background(), artist, 0)
	assert.ErrorContains(t, err, "jsonapi: list artist a-1")
}

const listingPage1 = `<html><body>
<a data-id="205" href="/item/205">x</a>
<a data-id="204" href="/item/204">x</a>
</body></html>`

const listingPage2 = `<html><body>
<a data-id="203" href="/item/203">x</a>
<a data-id="200" href="/item/200">x</a>
</body></html>`

const itemPage = `<html><head><meta property="og:image" content="https://cdn.example/preview.jpg"></head>
<body>
<h1>  Morning
   study </h1>
<a rel="tag">sketch</a><a rel="tag">colour</a>
<img data-original="/media/204.png">
<img data-original="/media/204.mp4">
</body></html>`

func newGalleryServer(t *testing.T, item string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/artists/a-1/1":
			fmt.Fprint(w, listingPage1)
		case "/artists/a-1/2":
			fmt.Fprint(w, listingPage2)
		case "/item/204":
			fmt.Fprint(w, item)
		default:
			http.NotFound(w, r)
		}
	}))
}

func galleryConfig(base string) config.Providers {
	return config.Providers{
		GalleryListURL:    base + "/artists/%s/%d",
		GalleryItemURL:    base + "/item/%d",
		GalleryIDXPath:    "//a[@data-id]/@data-id",
		GalleryTitleXPath: "//h1",
		GalleryMediaXPath: "//img[@data-original]/@data-original",
		GalleryTagXPath:   "//a[@rel='tag']",
	}
}

func TestGallery_ListNewReferenceIDs(t *testing.T) {
	srv := newGalleryServer(t, itemPage)
	defer srv.Close()

	g := newGallery(galleryConfig(srv.URL), http.DefaultTransport)
	ids, err := g.ListNewReferenceIDs(context.Background(), artist, 201)
	require.NoError(t, err)
	assert.Equal(t, []int64{203, 204, 205}, ids)
}

func TestGallery_FetchReferenceData(t *testing.T) {
	srv := newGalleryServer(t, itemPage)
	defer srv.Close()

	g := newGallery(galleryConfig(srv.URL), http.DefaultTransport)
	ref, err := g.FetchReferenceData(context.Background(), 204)
	require.NoError(t, err)

	assert.Equal(t, "Morning study", ref.Title)
	assert.Equal(t, []string{"sketch", "colour"}, ref.Tags)
	assert.Equal(t, []Media{
		{URL: srv.URL + "/media/204.png", Type: models.PostImage},
		{URL: srv.URL + "/media/204.mp4", Type: models.PostVideo},
	}, ref.Media)
}

func TestGallery_FallsBackToPreviewImage(t *testing.T) {
	srv := newGalleryServer(t, `<html><head><meta name="twitter:image" content="https://cdn.example/t.jpg"></head><body><h1>t</h1></body></html>`)
	defer srv.Close()

	g := newGallery(galleryConfig(srv.URL), http.DefaultTransport)
	ref, err := g.FetchReferenceData(context.Background(), 204)
	require.NoError(t, err)
	assert.Equal(t, []Media{{URL: "https://cdn.example/t.jpg", Type: models.PostImage}}, ref.Media)
}

type countingProvider struct {
	calls int32
}

func (c *countingProvider) ListNewReferenceIDs(ctx context.Context, artist *models.Artist, sinceID int64) ([]int64, error) {
	atomic.AddInt32(&c.calls, 1)
	return nil, nil
}

func (c *countingProvider) FetchReferenceData(ctx context.Context, id int64) (*Reference, error) {
	atomic.AddInt32(&c.calls, 1)
	return &Reference{ID: id}, nil
}

func TestThrottle(t *testing.T) {
	inner := &countingProvider{}
	p := Throttle(inner, rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := p.FetchReferenceData(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.ListNewReferenceIDs(ctx, artist, 0)
	assert.Error(t, err, "second call must wait for a token")
	assert.EqualValues(t, 1, atomic.LoadInt32(&inner.calls))
}

func TestRegistry_Get(t *testing.T) {
	reg := Registry{"jsonapi": &countingProvider{}}

	_, err := reg.Get("jsonapi")
	assert.NoError(t, err)
	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, models.PostVideo, MediaType("https://x/y/clip.MP4?sig=1"))
	assert.Equal(t, models.PostImage, MediaType("https://x/y/pic.jpg"))
	assert.Equal(t, models.PostImage, MediaType("https://x/y/noext"))
}
