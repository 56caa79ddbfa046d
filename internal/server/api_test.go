package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/health"
	"github.com/nholik/spot-sentinel/internal/healthcheck"
	"github.com/nholik/spot-sentinel/internal/history"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/mission"
	"github.com/nholik/spot-sentinel/internal/operator"
)

type fakeAPI struct {
	mu        sync.Mutex
	aborts    int
	allows    int
	started   []string
	startOpts mission.Options
	startErr  error
	limit     int
	runs      []history.Run
}

func (f *fakeAPI) Status(ctx context.Context) (operator.Status, error) {
	return operator.Status{
		Interlock:     interlock.Status{Lease: interlock.LeaseActive, Estop: interlock.EstopNotEstopped},
		Health:        health.Report{Status: health.StatusOK},
		SafeToOperate: true,
		Docked:        true,
		DockID:        520,
	}, nil
}

func (f *fakeAPI) Abort(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}

func (f *fakeAPI) AllowEstop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allows++
	return interlock.ErrNotSetup
}

func (f *fakeAPI) Fiducials() []int {
	return []int{3, 520}
}

func (f *fakeAPI) Missions(ctx context.Context) ([]string, error) {
	return []string{"inspect", "patrol"}, nil
}

func (f *fakeAPI) StartMission(ctx context.Context, name string, opts mission.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, name)
	f.startOpts = opts
	return nil
}

func (f *fakeAPI) ReturnToDock(ctx context.Context) (bool, error) {
	return true, nil
}

func (f *fakeAPI) History(ctx context.Context, limit int) ([]history.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.runs, nil
}

func (f *fakeAPI) Run(ctx context.Context, id string) (history.Run, error) {
	for _, run := range f.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return history.Run{}, history.ErrNotFound
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestHandler(api API) http.Handler {
	return Handler(context.Background(), zerolog.Nop(), Options{
		PollInterval: time.Second,
		Tracker:      healthcheck.NewTracker(),
		API:          api,
	})
}

func TestStatusRoute(t *testing.T) {
	h := newTestHandler(&fakeAPI{})
	rec := serve(t, h, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st operator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.SafeToOperate || st.DockID != 520 || st.Interlock.Lease != interlock.LeaseActive {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestAbortAndAllowRoutes(t *testing.T) {
	api := &fakeAPI{}
	h := newTestHandler(api)

	if rec := serve(t, h, http.MethodPost, "/v1/abort", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for abort, got %d", rec.Code)
	}
	if api.aborts != 1 {
		t.Fatalf("expected one abort, got %d", api.aborts)
	}
	if rec := serve(t, h, http.MethodGet, "/v1/abort", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET abort, got %d", rec.Code)
	}
	rec := serve(t, h, http.MethodPost, "/v1/estop/allow", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without an estop endpoint, got %d", rec.Code)
	}
}

func TestFiducialsAndMissionsRoutes(t *testing.T) {
	h := newTestHandler(&fakeAPI{})

	rec := serve(t, h, http.MethodGet, "/v1/fiducials", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `{"tag":520,"dock":true}`) {
		t.Fatalf("expected dock fiducial flagged, got %s", rec.Body.String())
	}

	rec = serve(t, h, http.MethodGet, "/v1/missions", "")
	var payload map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(payload["missions"], ",") != "inspect,patrol" {
		t.Fatalf("unexpected missions %v", payload)
	}
}

func TestStartMissionRoute(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		want     int
	}{
		{name: "defaults", want: http.StatusAccepted},
		{name: "options", body: `{"timeout":"45s","disable_directed_exploration":false}`, want: http.StatusAccepted},
		{name: "bad timeout", body: `{"timeout":"soon"}`, want: http.StatusBadRequest},
		{name: "bad body", body: `{`, want: http.StatusBadRequest},
		{name: "busy", startErr: fmt.Errorf("%w: patrol", mission.ErrBusy), want: http.StatusConflict},
		{name: "missing mission", startErr: &bundle.NotFoundError{Key: "missions/patrol.walk"}, want: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{startErr: tc.startErr}
			h := newTestHandler(api)
			rec := serve(t, h, http.MethodPost, "/v1/missions/patrol/start", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.want != http.StatusAccepted {
				return
			}
			if len(api.started) != 1 || api.started[0] != "patrol" {
				t.Fatalf("expected patrol started, got %v", api.started)
			}
			if tc.name == "options" && (api.startOpts.Timeout != 45*time.Second || api.startOpts.DisableDirectedExploration) {
				t.Fatalf("unexpected options %+v", api.startOpts)
			}
			if tc.name == "defaults" && api.startOpts != mission.DefaultOptions() {
				t.Fatalf("expected default options, got %+v", api.startOpts)
			}
		})
	}
}

func TestHistoryRoutes(t *testing.T) {
	api := &fakeAPI{runs: []history.Run{{ID: "run-1", Mission: "patrol", Status: "SUCCESS"}}}
	h := newTestHandler(api)

	rec := serve(t, h, http.MethodGet, "/v1/history?limit=5", "")
	if rec.Code != http.StatusOK || api.limit != 5 {
		t.Fatalf("expected 200 with limit 5, got %d limit %d", rec.Code, api.limit)
	}
	if rec := serve(t, h, http.MethodGet, "/v1/history?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a negative limit, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/v1/history/run-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a known run, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/v1/history/run-9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown run, got %d", rec.Code)
	}

	empty := newTestHandler(&fakeAPI{})
	rec = serve(t, empty, http.MethodGet, "/v1/history", "")
	if strings.TrimSpace(rec.Body.String()) != `{"runs":[]}` {
		t.Fatalf("expected an empty list, got %s", rec.Body.String())
	}
}

func TestHealthRoutesWithoutAPI(t *testing.T) {
	h := Handler(context.Background(), zerolog.Nop(), Options{PollInterval: time.Second, Tracker: healthcheck.NewTracker()})
	if rec := serve(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first cycle, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/v1/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected no operator routes without an API, got %d", rec.Code)
	}
}
