package runner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/health"
	"github.com/nholik/spot-sentinel/internal/healthcheck"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/metrics"
	"github.com/nholik/spot-sentinel/internal/state"
	"github.com/nholik/spot-sentinel/internal/transition"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
	mu      sync.Mutex
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func TestRunner_Run_TriggersRunOnceOnTicks(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 2)}
	runCalls := make(chan struct{}, 2)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
		WithRunOnce(func(context.Context) error {
			runCalls <- struct{}{}
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()

	if !waitForCalls(runCalls, 2, time.Second) {
		t.Fatalf("expected two run calls")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop after cancel")
	}

	if !ticker.Stopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRunner_Run_StopsOnContextCancel(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop after cancel")
	}

	if !ticker.Stopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRunner_Run_RejectsZeroPollInterval(t *testing.T) {
	r := New(zerolog.Nop(), 0)

	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
}

func TestRunner_Run_ImmediateFirstRun(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}
	runCalls := make(chan struct{}, 2)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker {
			return ticker
		}),
		WithRunOnce(func(context.Context) error {
			runCalls <- struct{}{}
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	// Should receive immediate first run without any tick
	if !waitForCalls(runCalls, 1, time.Second) {
		t.Fatalf("expected immediate first run")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop after cancel")
	}
}

func waitForCalls(ch <-chan struct{}, count int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < count; i++ {
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
	return true
}

type fakeStatus struct {
	mu     sync.Mutex
	status interlock.Status
	err    error
}

func (f *fakeStatus) set(status interlock.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeStatus) Status(ctx context.Context) (interlock.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

type fakeDock struct {
	id     int
	docked bool
	err    error
}

func (f *fakeDock) DockID(ctx context.Context) (int, bool, error) {
	return f.id, f.docked, f.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	err   error
	robot string
	calls [][]transition.Transition
}

func (n *recordingNotifier) Notify(ctx context.Context, robot string, transitions []transition.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.robot = robot
	n.calls = append(n.calls, transitions)
	return n.err
}

func (n *recordingNotifier) last() []transition.Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) == 0 {
		return nil
	}
	return n.calls[len(n.calls)-1]
}

func resources(ts []transition.Transition) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Resource)
	}
	return out
}

func unsafeStatus() interlock.Status {
	return interlock.Status{Lease: interlock.LeaseNone, Estop: interlock.EstopNone, Motor: interlock.PowerOff}
}

func safeStatus() interlock.Status {
	return interlock.Status{Lease: interlock.LeaseActive, Estop: interlock.EstopNotEstopped, Motor: interlock.PowerOn}
}

func newMonitor(t *testing.T, il StatusReader, opts ...Option) (*Runner, *state.Guarded) {
	t.Helper()
	store := state.NewGuarded(state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop()))
	base := []Option{WithInterlock(il), WithStateStore(store), WithRobotName("spot-01"), WithMapFingerprint("fp-1")}
	return New(zerolog.Nop(), time.Second, append(base, opts...)...), store
}

func TestRunOnce_DetectsAndNotifiesTransitions(t *testing.T) {
	il := &fakeStatus{status: unsafeStatus()}
	notifier := &recordingNotifier{}
	tracker := healthcheck.NewTracker()
	m := metrics.New()
	r, store := newMonitor(t, il, WithNotifier(notifier), WithTracker(tracker), WithMetrics(m), WithDockReader(&fakeDock{id: 520, docked: true}))
	ctx := context.Background()

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if got := resources(notifier.last()); strings.Join(got, ",") != "estop,lease" {
		t.Fatalf("expected estop and lease reported, got %v", got)
	}
	if notifier.robot != "spot-01" {
		t.Fatalf("expected robot label spot-01, got %q", notifier.robot)
	}
	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.Session.Status != health.StatusDegraded || st.Session.MapFingerprint != "fp-1" {
		t.Fatalf("unexpected session %+v", st.Session)
	}
	if got := st.Session.Resources[health.ResourceLease].LastNotifiedStatus; got != health.StatusDegraded {
		t.Fatalf("expected lease marked notified as DEGRADED, got %q", got)
	}
	if got := st.Session.Resources[health.ResourceDock].State; got != "docked:520" {
		t.Fatalf("expected dock state docked:520, got %q", got)
	}
	snap := tracker.Snapshot()
	if !tracker.Ready() || snap.SessionStatus != health.StatusDegraded || snap.SafeToOperate {
		t.Fatalf("unexpected tracker snapshot %+v", snap)
	}

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected no notification without changes, got %d calls", len(notifier.calls))
	}

	il.set(safeStatus())
	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	got := notifier.last()
	if strings.Join(resources(got), ",") != "estop,lease,motor" {
		t.Fatalf("expected estop, lease and motor reported, got %v", resources(got))
	}
	for _, change := range got {
		if change.CurrentStatus != health.StatusOK {
			t.Fatalf("expected recovery to OK, got %+v", change)
		}
	}
	if !tracker.Snapshot().SafeToOperate {
		t.Fatalf("expected tracker to report safe to operate")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`spot_sentinel_alerts_total{resource="lease",status="DEGRADED"} 1`,
		`spot_sentinel_alerts_total{resource="lease",status="OK"} 1`,
		`spot_sentinel_resource_status{resource="estop",status="OK"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestRunOnce_RetriesUndeliveredTransitions(t *testing.T) {
	il := &fakeStatus{status: unsafeStatus()}
	notifier := &recordingNotifier{err: errors.New("webhook down")}
	r, _ := newMonitor(t, il, WithNotifier(notifier))
	ctx := context.Background()

	err := r.RunOnce(ctx)
	var runtimeErr *RuntimeError
	if !errors.As(err, &runtimeErr) || runtimeErr.Op != "notify transitions" {
		t.Fatalf("expected a notify RuntimeError, got %v", err)
	}

	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()
	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	got := notifier.last()
	if strings.Join(resources(got), ",") != "estop,lease" {
		t.Fatalf("expected the undelivered transitions again, got %v", resources(got))
	}
	for _, change := range got {
		if change.PreviousStatus != health.StatusOK || change.CurrentStatus != health.StatusDegraded {
			t.Fatalf("unexpected retried transition %+v", change)
		}
	}

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if len(notifier.calls) != 2 {
		t.Fatalf("expected no further notifications, got %d calls", len(notifier.calls))
	}
}

func TestRunOnce_RobotErrorsDoNotStopTheCycle(t *testing.T) {
	il := &fakeStatus{status: safeStatus(), err: errors.New("robot unreachable")}
	tracker := healthcheck.NewTracker()
	m := metrics.New()
	r, store := newMonitor(t, il, WithTracker(tracker), WithMetrics(m), WithDockReader(&fakeDock{err: errors.New("timeout")}))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	motor := st.Session.Resources[health.ResourceMotor]
	if motor.Status != health.StatusFailed {
		t.Fatalf("expected motor FAILED, got %+v", motor)
	}
	if dock := st.Session.Resources[health.ResourceDock]; dock.State != "undocked" {
		t.Fatalf("expected undocked dock state, got %+v", dock)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "spot_sentinel_robot_api_errors_total 2") {
		t.Fatalf("expected two robot API errors counted")
	}
	if !tracker.Ready() {
		t.Fatalf("expected the cycle to be recorded")
	}
}

func TestRunOnce_InMemoryWithoutStore(t *testing.T) {
	il := &fakeStatus{status: unsafeStatus()}
	notifier := &recordingNotifier{}
	r := New(zerolog.Nop(), time.Second, WithInterlock(il), WithNotifier(notifier))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := r.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected one notification across two identical cycles, got %d", len(notifier.calls))
	}
}

func TestRunOnce_WithoutInterlockIsNoop(t *testing.T) {
	tracker := healthcheck.NewTracker()
	r := New(zerolog.Nop(), time.Second, WithTracker(tracker))
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if tracker.Ready() {
		t.Fatalf("expected no cycle recorded")
	}
}
