package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/archivist/lib/models"
)

// maxListPages stops a misbehaving listing endpoint from paging forever.
const maxListPages = 100

// jsonAPI reads a generic JSON provider:
//
//	GET {base}/artists/{site_artist_id}/references?since={id}&page={n}
//	GET {base}/references/{id}
type jsonAPI struct {
	base      string
	transport http.RoundTripper
}

type listResponse struct {
	IDs      []int64 `json:"ids"`
	NextPage *int    `json:"next_page"`
}

type referenceResponse struct {
	ID      int64    `json:"id"`
	Title   string   `json:"title"`
	Tags    []string `json:"tags"`
	Created string   `json:"created"`
	Media   []struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	} `json:"media"`
}

func (j *jsonAPI) ListNewReferenceIDs(ctx context.Context, artist *models.Artist, sinceID int64) ([]int64, error) {
	endpoint := fmt.Sprintf("%s/artists/%s/references", strings.TrimRight(j.base, "/"), url.PathEscape(artist.SiteArtistID))

	var ids []int64
	page := 1
	for i := 0; i < maxListPages; i++ {
		var resp listResponse
		err := requests.URL(endpoint).
			Param("since", strconv.FormatInt(sinceID, 10)).
			Param("page", strconv.Itoa(page)).
			Transport(j.transport).
			ToJSON(&resp).
			Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("jsonapi: list artist %s page %d: %w", artist.SiteArtistID, page, err)
		}

		for _, id := range resp.IDs {
			if id > sinceID {
				ids = append(ids, id)
			}
		}
		if resp.NextPage == nil || *resp.NextPage <= page {
			break
		}
		page = *resp.NextPage
	}

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

func (j *jsonAPI) FetchReferenceData(ctx context.Context, id int64) (*Reference, error) {
	endpoint := fmt.Sprintf("%s/references/%d", strings.TrimRight(j.base, "/"), id)

	var resp referenceResponse
	err := requests.URL(endpoint).
		Transport(j.transport).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("jsonapi: fetch reference %d: %w", id, err)
	}

	ref := &Reference{ID: id, Title: resp.Title, Tags: resp.Tags}
	if resp.Created != "" {
		if created, err := time.Parse(time.RFC3339, resp.Created); err == nil {
			ref.Created = created.UTC()
		}
	}
	for _, m := range resp.Media {
		typ, err := models.ParsePostType(m.Type)
		if err != nil {
			typ = MediaType(m.URL)
		}
		ref.Media = append(ref.Media, Media{URL: m.URL, Type: typ})
	}
	return ref, nil
}
