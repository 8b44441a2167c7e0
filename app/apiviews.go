package app

import (
	"database/sql"
	"time"

	"github.com/fiffu/archivist/lib/models"
)

type SubscriptionView struct {
	ID         uint        `json:"id"`
	Artist     ArtistView  `json:"artist"`
	Status     string      `json:"status"`
	Interval   float64     `json:"interval"`
	Expiration *float64    `json:"expiration"`
	LastID     int64       `json:"last_id"`
	Requery    *string     `json:"requery"`
	Checked    *string     `json:"checked"`
	Active     bool        `json:"active"`
	Errors     []ErrorView `json:"errors"`
}

type ArtistView struct {
	Provider     string `json:"provider"`
	SiteArtistID string `json:"site_artist_id"`
	Name         string `json:"name"`
}

type ErrorView struct {
	Module    string `json:"module"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

type ElementView struct {
	ID             uint    `json:"id"`
	SubscriptionID uint    `json:"subscription_id"`
	PostID         *uint   `json:"post_id"`
	Status         string  `json:"status"`
	Keep           *string `json:"keep"`
	Expires        *string `json:"expires"`
}

type JobView struct {
	Name        string           `json:"name"`
	Enabled     bool             `json:"enabled"`
	Locked      bool             `json:"locked"`
	Manual      bool             `json:"manual"`
	NextRunTime *string          `json:"next_run_time"`
	Status      models.JobStatus `json:"status"`
}

type RunView struct {
	ID             string           `json:"job_id"`
	Job            string           `json:"job"`
	SubscriptionID *uint            `json:"subscription_id,omitempty"`
	Manual         bool             `json:"manual"`
	StartedAt      string           `json:"started_at"`
	FinishedAt     *string          `json:"finished_at"`
	models.JobStatus
}

func (view ArtistView) From(entity models.Artist) ArtistView {
	return ArtistView{
		Provider:     entity.Provider,
		SiteArtistID: entity.SiteArtistID,
		Name:         entity.Name,
	}
}

func (view ErrorView) From(entity models.ErrorRecord) ErrorView {
	return ErrorView{
		Module:    entity.Module,
		Message:   entity.Message,
		CreatedAt: entity.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (view SubscriptionView) From(entity *models.Subscription) SubscriptionView {
	v := SubscriptionView{
		ID:       entity.ID,
		Artist:   ArtistView{}.From(entity.Artist),
		Status:   string(entity.Status),
		Interval: entity.Interval,
		LastID:   entity.LastID,
		Requery:  isoformat(entity.Requery),
		Checked:  isoformat(entity.Checked),
		Active:   entity.Active,
		Errors:   FromMany[models.ErrorRecord, ErrorView](entity.Errors),
	}
	if entity.Expiration.Valid {
		days := entity.Expiration.Float64
		v.Expiration = &days
	}
	return v
}

func (view ElementView) From(entity *models.SubscriptionElement) ElementView {
	v := ElementView{
		ID:             entity.ID,
		SubscriptionID: entity.SubscriptionID,
		PostID:         entity.PostID,
		Status:         string(entity.Status),
		Expires:        isoformat(entity.Expires),
	}
	if entity.Keep != models.KeepUndecided {
		keep := string(entity.Keep)
		v.Keep = &keep
	}
	return v
}

func (view JobView) From(entity models.JobRecord) JobView {
	return JobView{
		Name:        entity.Name,
		Enabled:     entity.Enabled,
		Locked:      entity.Locked,
		Manual:      entity.Manual,
		NextRunTime: isoformat(entity.NextRunTime),
		Status:      entity.Status,
	}
}

func (view RunView) From(entity *models.JobRun) RunView {
	return RunView{
		ID:             entity.ID,
		Job:            entity.Name,
		SubscriptionID: entity.SubscriptionID,
		Manual:         entity.Manual,
		StartedAt:      entity.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:     isoformat(entity.FinishedAt),
		JobStatus:      entity.Status,
	}
}

type Fromable[Entity any, Repr any] interface {
	From(Entity) Repr
}

func FromMany[T any, U Fromable[T, U]](elems []T) []U {
	out := make([]U, len(elems))
	for i, t := range elems {
		var u U
		out[i] = u.From(t)
	}
	return out
}

func isoformat(t sql.NullTime) *string {
	if !t.Valid {
		return nil
	}
	s := t.Time.UTC().Format(time.RFC3339)
	return &s
}
