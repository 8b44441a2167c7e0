package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/providers"
	"github.com/fiffu/archivist/lib/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service is what the API needs from lib.Service.
type Service interface {
	Ready() bool
	CreateSubscription(ctx context.Context, req lib.NewSubscription) (*models.Subscription, error)
	GetSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	StartManualRun(ctx context.Context, subID uint) (string, error)
	GetJobStatus(ctx context.Context, runID string) (*models.JobRun, error)
	ResetSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	RetireSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	DelayElements(ctx context.Context, subID uint, days float64) (int, error)
	SetElementKeep(ctx context.Context, elementID uint, keep models.Keep) (*models.SubscriptionElement, error)
	ListJobs(ctx context.Context) (models.JobRecords, error)
	RunJobNow(ctx context.Context, name string) (string, error)
	SetJobEnabled(ctx context.Context, name string, enabled bool) error
}

func NewAPI(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *lib.Service, gatherer prometheus.Gatherer) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router(cfg, log, svc, gatherer)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Sugar().Errorw("HTTP server stopped", "err", err)
				}
			}()
			log.Sugar().Infow("HTTP server listening", "addr", addr)
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func router(cfg *config.Config, log *zap.Logger, svc Service, gatherer prometheus.Gatherer) http.Handler {
	ctrl := &controller{log, svc}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", ctrl.health)
	r.Handle("/metrics", metrics.Handler(gatherer))

	r.Route("/api", func(r chi.Router) {
		if creds := cfg.GetCreds(); len(creds) > 0 {
			r.Use(middleware.BasicAuth("archivist", creds))
		} else {
			log.Sugar().Info("Auth is disabled since no credentials are defined")
		}

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", ctrl.createSubscription)
			r.Get("/{subscription_id}", ctrl.viewSubscription)
			r.Post("/{subscription_id}/run", ctrl.startManualRun)
			r.Post("/{subscription_id}/reset", ctrl.resetSubscription)
			r.Post("/{subscription_id}/retire", ctrl.retireSubscription)
			r.Post("/{subscription_id}/delay", ctrl.delayElements)
		})
		r.Put("/elements/{element_id}/keep", ctrl.setElementKeep)
		r.Get("/runs/{run_id}", ctrl.viewRun)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", ctrl.listJobs)
			r.Post("/{name}/run", ctrl.runJobNow)
			r.Put("/{name}/enabled", ctrl.setJobEnabled)
		})
	})

	return r
}

type controller struct {
	log *zap.Logger
	svc Service
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

// fail maps a service error onto its HTTP status.
func (ctrl *controller) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lib.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, lib.ErrInvalidArgument), errors.Is(err, models.ErrUnknownValue), errors.Is(err, providers.ErrUnknownProvider):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, lib.ErrSubscriptionBusy), errors.Is(err, scheduler.ErrJobLocked):
		status = http.StatusConflict
	case errors.Is(err, lib.ErrNotReady), errors.Is(err, scheduler.ErrNotReady):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		ctrl.log.Sugar().Errorw("Request failed", "err", err)
	}
	ctrl.reject(w, status, err)
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		ctrl.log.Sugar().Errorw("Request failed", "err", err)
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (ctrl *controller) health(w http.ResponseWriter, r *http.Request) {
	ctrl.resolve(w, http.StatusOK, map[string]any{"status": "ok", "ready": ctrl.svc.Ready()})
}

func (ctrl *controller) createSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	interval, err := strconv.ParseFloat(r.FormValue("interval"), 64)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, errors.New("interval must be a number of hours"))
		return
	}
	req := lib.NewSubscription{
		Provider:     r.FormValue("provider"),
		SiteArtistID: r.FormValue("artist_id"),
		Name:         r.FormValue("name"),
		Interval:     interval,
	}
	if raw := r.FormValue("expiration"); raw != "" {
		days, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			ctrl.reject(w, http.StatusBadRequest, errors.New("expiration must be a number of days"))
			return
		}
		req.Expiration = &days
	}

	sub, err := ctrl.svc.CreateSubscription(ctx, req)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusCreated, SubscriptionView{}.From(sub))
}

func (ctrl *controller) viewSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "subscription_id")
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	sub, err := ctrl.svc.GetSubscription(r.Context(), id)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, SubscriptionView{}.From(sub))
}

func (ctrl *controller) startManualRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "subscription_id")
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	runID, err := ctrl.svc.StartManualRun(r.Context(), id)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusAccepted, map[string]any{"job_id": runID})
}

func (ctrl *controller) resetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "subscription_id")
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	sub, err := ctrl.svc.ResetSubscription(r.Context(), id)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, SubscriptionView{}.From(sub))
}

func (ctrl *controller) retireSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "subscription_id")
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	sub, err := ctrl.svc.RetireSubscription(r.Context(), id)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, SubscriptionView{}.From(sub))
}

func (ctrl *controller) delayElements(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.ParseFloat(r.FormValue("days"), 64)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, errors.New("days must be a number"))
		return
	}
	id, err := parseID(r, "subscription_id")
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	n, err := ctrl.svc.DelayElements(r.Context(), id, days)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"delayed": n})
}

func (ctrl *controller) setElementKeep(w http.ResponseWriter, r *http.Request) {
	keep, err := models.ParseKeep(r.FormValue("keep"))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	id, err := parseID(r, "element_id")
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	el, err := ctrl.svc.SetElementKeep(r.Context(), id, keep)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, ElementView{}.From(el))
}

func (ctrl *controller) viewRun(w http.ResponseWriter, r *http.Request) {
	run, err := ctrl.svc.GetJobStatus(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, RunView{}.From(run))
}

func (ctrl *controller) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := ctrl.svc.ListJobs(r.Context())
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.JobRecord, JobView](jobs))
}

func (ctrl *controller) runJobNow(w http.ResponseWriter, r *http.Request) {
	runID, err := ctrl.svc.RunJobNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusAccepted, map[string]any{"job_id": runID})
}

func (ctrl *controller) setJobEnabled(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.FormValue("enabled"))
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, errors.New("enabled must be a boolean"))
		return
	}
	name := chi.URLParam(r, "name")
	if err := ctrl.svc.SetJobEnabled(r.Context(), name, enabled); err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

func parseID(r *http.Request, param string) (uint, error) {
	raw := chi.URLParam(r, param)
	u, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || u == 0 {
		return 0, fmt.Errorf("%s %q: %w", param, raw, lib.ErrInvalidArgument)
	}
	return uint(u), nil
}
