package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/history"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/mission"
	"github.com/nholik/spot-sentinel/internal/operator"
	"github.com/nholik/spot-sentinel/internal/sitemap"
)

// API is the operator surface served under /v1.
type API interface {
	Status(ctx context.Context) (operator.Status, error)
	Abort(ctx context.Context) error
	AllowEstop(ctx context.Context) error
	Fiducials() []int
	Missions(ctx context.Context) ([]string, error)
	StartMission(ctx context.Context, name string, opts mission.Options) error
	ReturnToDock(ctx context.Context) (bool, error)
	History(ctx context.Context, limit int) ([]history.Run, error)
	Run(ctx context.Context, id string) (history.Run, error)
}

type startRequest struct {
	Timeout                    string `json:"timeout,omitempty"`
	DisableDirectedExploration *bool  `json:"disable_directed_exploration,omitempty"`
}

type handlers struct {
	api    API
	logger zerolog.Logger
	// runCtx bounds missions started over HTTP; request contexts end with
	// the response.
	runCtx context.Context
}

func registerAPIRoutes(ctx context.Context, r chi.Router, logger zerolog.Logger, api API) {
	if api == nil {
		return
	}
	h := &handlers{api: api, logger: logger, runCtx: ctx}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/abort", h.abort)
		r.Post("/estop/allow", h.allow)
		r.Get("/fiducials", h.fiducials)
		r.Get("/missions", h.missions)
		r.Post("/missions/{name}/start", h.startMission)
		r.Post("/dock/return", h.returnToDock)
		r.Get("/history", h.history)
		r.Get("/history/{id}", h.run)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var notFound *bundle.NotFoundError
	switch {
	case errors.As(err, &notFound), errors.Is(err, history.ErrNotFound), errors.Is(err, sitemap.ErrFiducialNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mission.ErrBusy), errors.Is(err, interlock.ErrNotSafe),
		errors.Is(err, interlock.ErrAborted), errors.Is(err, interlock.ErrNoLease),
		errors.Is(err, interlock.ErrNotSetup):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("operator request failed")
	}
	writeError(w, status, err.Error())
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.api.Status(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) abort(w http.ResponseWriter, r *http.Request) {
	if err := h.api.Abort(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Warn().Str("remote", r.RemoteAddr).Msg("abort requested over http")
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (h *handlers) allow(w http.ResponseWriter, r *http.Request) {
	if err := h.api.AllowEstop(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "allowed"})
}

func (h *handlers) fiducials(w http.ResponseWriter, r *http.Request) {
	tags := h.api.Fiducials()
	type fiducial struct {
		Tag  int  `json:"tag"`
		Dock bool `json:"dock"`
	}
	out := make([]fiducial, 0, len(tags))
	for _, tag := range tags {
		out = append(out, fiducial{Tag: tag, Dock: sitemap.IsDock(tag)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) missions(w http.ResponseWriter, r *http.Request) {
	names, err := h.api.Missions(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"missions": names})
}

func (h *handlers) startMission(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	opts := mission.DefaultOptions()
	if r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
				return
			}
			opts.Timeout = d
		}
		if req.DisableDirectedExploration != nil {
			opts.DisableDirectedExploration = *req.DisableDirectedExploration
		}
	}
	if err := h.api.StartMission(h.runCtx, name, opts); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "mission": name})
}

func (h *handlers) returnToDock(w http.ResponseWriter, r *http.Request) {
	returned, err := h.api.ReturnToDock(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"returned": returned})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := h.api.History(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, map[string][]history.Run{"runs": runs})
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	run, err := h.api.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
