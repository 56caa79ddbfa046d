package mission

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/autowalk"
	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/history"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/navigator"
	"github.com/nholik/spot-sentinel/internal/robot"
	"github.com/nholik/spot-sentinel/internal/robot/robottest"
	"github.com/nholik/spot-sentinel/internal/sitemap"
	"github.com/nholik/spot-sentinel/internal/state"
	"github.com/nholik/spot-sentinel/internal/transition"
	"github.com/nholik/spot-sentinel/internal/wire"
)

type fakeHistory struct {
	mu   sync.Mutex
	runs []history.Run
}

func (f *fakeHistory) Record(ctx context.Context, run history.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

type observation struct {
	mission string
	status  string
}

type fakeMetrics struct {
	mu   sync.Mutex
	seen []observation
}

func (f *fakeMetrics) ObserveMission(mission string, status string, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, observation{mission: mission, status: status})
}

type fakeNotifier struct {
	mu          sync.Mutex
	robot       string
	transitions []transition.Transition
}

func (f *fakeNotifier) Notify(ctx context.Context, robot string, transitions []transition.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.robot = robot
	f.transitions = append(f.transitions, transitions...)
	return nil
}

type testEnv struct {
	fake     *robottest.Robot
	il       *interlock.Interlock
	store    *state.Guarded
	m        *sitemap.Map
	dock     *DockKeeper
	exec     *Executor
	history  *fakeHistory
	metrics  *fakeMetrics
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	site := testSite()
	site.Missions = map[string][]byte{
		"patrol":  wire.AppendString(nil, 1, "patrol"),
		"inspect": wire.AppendString(nil, 1, "inspect"),
		"garbled": wire.AppendMessage(wire.AppendString(nil, 1, "garbled"), 3, []byte{0x0a, 0x05, 'a'}),
	}
	src := site.Source()
	m, err := sitemap.Load(context.Background(), src)
	if err != nil {
		t.Fatalf("load map: %v", err)
	}

	fake := robottest.New()
	il := readyInterlock(t, fake)
	store := newStore(t)
	nav := navigator.New(fake, il, zerolog.Nop(), navigator.WithSleep(noWait))
	dock := NewDockKeeper(fake, il, nav, store, zerolog.Nop())
	runner := NewRunner(fake, il, zerolog.Nop(), WithSleep(noWait))

	env := &testEnv{
		fake:     fake,
		il:       il,
		store:    store,
		m:        m,
		dock:     dock,
		history:  &fakeHistory{},
		metrics:  &fakeMetrics{},
		notifier: &fakeNotifier{},
	}
	ids := 0
	env.exec = NewExecutor(Deps{
		Source:    bundle.Source(src),
		Map:       m,
		Robot:     fake,
		Interlock: il,
		Runner:    runner,
		Dock:      dock,
	}, zerolog.Nop(),
		WithHistory(env.history),
		WithMetrics(env.metrics),
		WithNotifier(env.notifier, "spot-01"),
		WithExecutorClock(fixedClock()),
		WithIDGenerator(func() string {
			ids++
			return "run-" + strconv.Itoa(ids)
		}),
	)
	return env
}

func indexOf(calls []string, op string) int {
	for i, c := range calls {
		if c == op {
			return i
		}
	}
	return -1
}

func assertOrder(t *testing.T, calls []string, ops ...string) {
	t.Helper()
	last := -1
	for _, op := range ops {
		i := indexOf(calls, op)
		if i < 0 {
			t.Fatalf("expected %s in %v", op, calls)
		}
		if i < last {
			t.Fatalf("expected %v in that order, got %v", ops, calls)
		}
		last = i
	}
}

func TestExecuteFromDockReturnsToDock(t *testing.T) {
	tests := []struct {
		name       string
		states     []robot.MissionState
		loadStatus robot.LoadStatus
		wantStatus Status
		wantErr    bool
		wantPlays  int
	}{
		{
			name:       "success",
			states:     []robot.MissionState{{Status: robot.MissionRunning}, {Status: robot.MissionSuccess}},
			wantStatus: StatusSuccess,
			wantPlays:  1,
		},
		{
			name:       "mission failure",
			states:     []robot.MissionState{{Status: robot.MissionRunning}, {Status: robot.MissionFailure}},
			wantStatus: StatusFailure,
			wantPlays:  1,
		},
		{
			name: "question",
			states: []robot.MissionState{{
				Status:    robot.MissionRunning,
				Questions: []robot.Question{{ID: 1, Text: "battery low, continue?", Severity: robot.SeverityWarn}},
			}},
			wantStatus: StatusFailedOnQuestion,
		},
		{
			name:       "upload rejected",
			states:     []robot.MissionState{{Status: robot.MissionSuccess}},
			loadStatus: robot.LoadStatus("invalid"),
			wantStatus: StatusFailure,
			wantErr:    true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.fake.SetDocked(520)
			env.fake.SetMissionStates(tc.states...)
			if tc.loadStatus != "" {
				env.fake.SetLoadStatus(tc.loadStatus)
			}
			ctx := context.Background()

			res, err := env.exec.Execute(ctx, "patrol", DefaultOptions())
			if tc.wantErr {
				var loadErr *autowalk.LoadError
				if !errors.As(err, &loadErr) {
					t.Fatalf("expected LoadError, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if res.Status != tc.wantStatus {
				t.Fatalf("expected %s, got %s", tc.wantStatus, res.Status)
			}
			if res.DockID == nil || *res.DockID != 520 || !res.Returned {
				t.Fatalf("expected a return to dock 520, got %+v", res)
			}
			if got := len(env.fake.Plays()); got != tc.wantPlays {
				t.Fatalf("expected %d plays, got %d", tc.wantPlays, got)
			}
			if id, docked := env.fake.Docked(); !docked || id != 520 {
				t.Fatalf("expected docked at 520, got %d %v", id, docked)
			}
			calls := env.fake.Calls()
			assertOrder(t, calls,
				robottest.OpDockID, robottest.OpUndock, robottest.OpSetLocalization,
				robottest.OpLoadAutowalk, robottest.OpNavigateTo, robottest.OpDock)
			if got := env.fake.Navigations(); got[0].WaypointID != "B" {
				t.Fatalf("expected navigation to B, got %+v", got)
			}
			if rem, _ := env.dock.Remembered(ctx); rem != nil {
				t.Fatalf("expected dock record cleared, got %+v", rem)
			}

			walks := env.fake.LoadedWalks()
			if len(walks) != 1 {
				t.Fatalf("expected one uploaded walk, got %d", len(walks))
			}
			uploaded, err := autowalk.Parse(walks[0])
			if err != nil {
				t.Fatalf("parse uploaded walk: %v", err)
			}
			if skip, err := uploaded.SkipsDocking(); err != nil || !skip {
				t.Fatalf("expected the uploaded walk to skip docking, got %v %v", skip, err)
			}

			if len(env.history.runs) != 1 {
				t.Fatalf("expected one history run, got %d", len(env.history.runs))
			}
			run := env.history.runs[0]
			if run.ID != "run-1" || run.Mission != "patrol" || run.Status != string(tc.wantStatus) || run.DockID == nil || *run.DockID != 520 {
				t.Fatalf("unexpected history run %+v", run)
			}
			if (run.Error != "") != tc.wantErr {
				t.Fatalf("unexpected history error %q", run.Error)
			}
			if len(env.metrics.seen) != 1 || env.metrics.seen[0] != (observation{mission: "patrol", status: string(tc.wantStatus)}) {
				t.Fatalf("unexpected metrics %+v", env.metrics.seen)
			}
			if env.notifier.robot != "spot-01" || len(env.notifier.transitions) != 1 {
				t.Fatalf("expected one notification for spot-01, got %+v", env.notifier)
			}
			tr := env.notifier.transitions[0]
			if tr.Resource != transition.MissionPrefix+"patrol" || tr.Mission == nil || tr.Mission.RunID != "run-1" {
				t.Fatalf("unexpected transition %+v", tr)
			}
		})
	}
}

func TestExecuteUndockedStaysPut(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.exec.Execute(context.Background(), "inspect", DefaultOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess || res.DockID != nil || res.Returned {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.fake.Count(robottest.OpUndock) != 0 || env.fake.Count(robottest.OpDock) != 0 {
		t.Fatalf("expected no docking, got %v", env.fake.Calls())
	}
}

func TestExecuteResumesRememberedDock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.Save(ctx, state.State{Dock: &state.Dock{DockID: 520, Mission: "inspect"}}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	res, err := env.exec.Execute(ctx, "patrol", DefaultOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.DockID == nil || *res.DockID != 520 || !res.Returned {
		t.Fatalf("expected return to the remembered dock, got %+v", res)
	}
	if env.fake.Count(robottest.OpUndock) != 0 {
		t.Fatalf("expected no undock")
	}
	if id, docked := env.fake.Docked(); !docked || id != 520 {
		t.Fatalf("expected docked at 520, got %d %v", id, docked)
	}
}

func TestExecuteMissingMission(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetDocked(520)

	res, err := env.exec.Execute(context.Background(), "missing", DefaultOptions())
	var nf *bundle.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if res.Status != StatusFailure {
		t.Fatalf("expected FAILURE, got %s", res.Status)
	}
	if len(env.fake.Calls()) != 0 {
		t.Fatalf("expected no robot calls, got %v", env.fake.Calls())
	}
	if len(env.history.runs) != 1 || env.history.runs[0].Error == "" {
		t.Fatalf("expected the failed run recorded, got %+v", env.history.runs)
	}
}

func TestExecuteGarbledWalkStaysDocked(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetDocked(520)

	res, err := env.exec.Execute(context.Background(), "garbled", DefaultOptions())
	if err == nil || res.Status != StatusFailure {
		t.Fatalf("expected FAILURE with error, got %s %v", res.Status, err)
	}
	if env.fake.Count(robottest.OpUndock) != 0 || env.fake.Count(robottest.OpLoadAutowalk) != 0 {
		t.Fatalf("expected no undock or upload, got %v", env.fake.Calls())
	}
	if id, docked := env.fake.Docked(); !docked || id != 520 {
		t.Fatalf("expected docked at 520, got %d %v", id, docked)
	}
}

func TestExecuteAbortKeepsDockForLaterReturn(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetDocked(520)
	env.fake.SetMissionStates(robot.MissionState{Status: robot.MissionRunning})
	plays := 0
	env.fake.Hook(robottest.OpPlayMission, func() {
		plays++
		if plays == 2 {
			if err := env.il.Abort(context.Background()); err != nil {
				t.Errorf("abort: %v", err)
			}
		}
	})
	ctx := context.Background()

	res, err := env.exec.Execute(ctx, "patrol", DefaultOptions())
	if !errors.Is(err, interlock.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if res.Returned || res.DockID == nil || *res.DockID != 520 {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.fake.Count(robottest.OpNavigateTo) != 0 || env.fake.Count(robottest.OpDock) != 0 {
		t.Fatalf("expected no motion after abort, got %v", env.fake.Calls())
	}
	rem, err := env.dock.Remembered(ctx)
	if err != nil || rem == nil || rem.DockID != 520 || rem.Mission != "patrol" {
		t.Fatalf("expected dock 520 remembered, got %+v %v", rem, err)
	}
	if len(env.history.runs) != 1 || env.history.runs[0].Status != string(StatusFailure) {
		t.Fatalf("expected the aborted run recorded, got %+v", env.history.runs)
	}

	if err := env.il.Allow(ctx); err != nil {
		t.Fatalf("allow: %v", err)
	}
	returned, err := env.dock.Return(ctx, env.m)
	if err != nil || !returned {
		t.Fatalf("expected a return after allow, got %v %v", returned, err)
	}
	if id, docked := env.fake.Docked(); !docked || id != 520 {
		t.Fatalf("expected docked at 520, got %d %v", id, docked)
	}
}

func TestExecuteWhileRobotHeld(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetDocked(520)
	release, err := env.dock.Control().Claim("dock")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer release()

	res, err := env.exec.Execute(context.Background(), "patrol", DefaultOptions())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if res.Status != StatusFailure || res.Mission != "patrol" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(env.fake.Calls()) != 0 {
		t.Fatalf("expected no robot calls, got %v", env.fake.Calls())
	}
	if len(env.history.runs) != 0 {
		t.Fatalf("expected nothing recorded for a refused run, got %+v", env.history.runs)
	}
}

func TestStartHoldsTheRobotUntilTheRunEnds(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetDocked(520)
	var returnErr error
	env.fake.Hook(robottest.OpPlayMission, func() {
		_, returnErr = env.dock.Return(context.Background(), env.m)
	})

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	err := env.exec.Start(context.Background(), "patrol", DefaultOptions(), func(res Result, err error) {
		done <- outcome{res, err}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	got := <-done
	if got.err != nil || got.res.Status != StatusSuccess || !got.res.Returned {
		t.Fatalf("unexpected outcome %+v %v", got.res, got.err)
	}
	if !errors.Is(returnErr, ErrBusy) {
		t.Fatalf("expected a return during the run to be refused, got %v", returnErr)
	}
	if env.dock.Control().Holder() != nil {
		t.Fatal("expected the robot released before done")
	}
	if got := env.fake.Count(robottest.OpDock); got != 1 {
		t.Fatalf("expected only the executor's own dock request, got %d", got)
	}
}
