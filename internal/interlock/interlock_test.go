package interlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/robot"
	"github.com/nholik/spot-sentinel/internal/robot/robottest"
)

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time {
	return t.ch
}

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type tickers struct {
	mu        sync.Mutex
	created   []*manualTicker
	intervals []time.Duration
}

func (f *tickers) factory(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	f.created = append(f.created, t)
	f.intervals = append(f.intervals, d)
	return t
}

func (f *tickers) get(i int) (*manualTicker, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i], f.intervals[i]
}

type countingRecorder struct {
	mu       sync.Mutex
	failures map[string]int
}

func (r *countingRecorder) KeepaliveFailed(resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = map[string]int{}
	}
	r.failures[resource]++
}

func (r *countingRecorder) count(resource string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[resource]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestInterlock(fake *robottest.Robot, tk *tickers, rec Recorder) *Interlock {
	opts := []Option{
		WithTickerFactory(tk.factory),
		WithEstopTimeout(9 * time.Second),
		WithLeaseKeepAlive(2 * time.Second),
		WithPowerTimeout(200 * time.Millisecond),
		WithPowerPollInterval(time.Millisecond),
	}
	if rec != nil {
		opts = append(opts, WithRecorder(rec))
	}
	return New(fake, zerolog.Nop(), opts...)
}

func TestEstopRequiresSetup(t *testing.T) {
	il := newTestInterlock(robottest.New(), &tickers{}, nil)
	ctx := context.Background()

	for name, fn := range map[string]func(context.Context) error{
		"allow":           il.Estop.Allow,
		"stop":            il.Estop.Stop,
		"settle_then_cut": il.Estop.SettleThenCut,
		"shutdown":        il.Estop.Shutdown,
	} {
		if err := fn(ctx); !errors.Is(err, ErrNotSetup) {
			t.Fatalf("%s: expected ErrNotSetup, got %v", name, err)
		}
	}
	status, err := il.Estop.Status(ctx)
	if err != nil || status != EstopNone {
		t.Fatalf("expected NONE, got %s %v", status, err)
	}
}

func TestEstopLifecycle(t *testing.T) {
	fake := robottest.New()
	tk := &tickers{}
	rec := &countingRecorder{}
	il := newTestInterlock(fake, tk, rec)
	ctx := context.Background()

	if err := il.Estop.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := il.Estop.Setup(ctx); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if fake.Endpoints() != 1 {
		t.Fatalf("expected a single registered endpoint")
	}
	ticker, interval := tk.get(0)
	if interval != 3*time.Second {
		t.Fatalf("expected heartbeat every 3s, got %s", interval)
	}

	assertEstop := func(want EstopStatus) {
		t.Helper()
		got, err := il.Estop.Status(ctx)
		if err != nil || got != want {
			t.Fatalf("expected %s, got %s %v", want, got, err)
		}
	}
	assertEstop(EstopNotEstopped)

	if err := il.Estop.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	assertEstop(EstopEstopped)
	if err := il.Estop.Allow(ctx); err != nil {
		t.Fatalf("allow: %v", err)
	}
	assertEstop(EstopNotEstopped)

	checkIns := fake.Count(robottest.OpCheckIn)
	ticker.ch <- time.Now()
	waitFor(t, "heartbeat", func() bool { return fake.Count(robottest.OpCheckIn) == checkIns+1 })
	assertEstop(EstopNotEstopped)

	fake.Fail(robottest.OpCheckIn, errors.New("link down"))
	ticker.ch <- time.Now()
	waitFor(t, "failed heartbeat", func() bool { return il.Estop.LastHeartbeatError() != nil })
	assertEstop(EstopError)
	if rec.count("estop") != 1 {
		t.Fatalf("expected one recorded estop failure, got %d", rec.count("estop"))
	}

	fake.Fail(robottest.OpCheckIn, nil)
	ticker.ch <- time.Now()
	waitFor(t, "recovered heartbeat", func() bool { return il.Estop.LastHeartbeatError() == nil })
	assertEstop(EstopNotEstopped)

	if err := il.Estop.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !ticker.isStopped() {
		t.Fatalf("expected heartbeat ticker to stop")
	}
	if fake.Endpoints() != 0 {
		t.Fatalf("expected endpoint to be deregistered")
	}
	assertEstop(EstopNone)

	if err := il.Estop.Setup(ctx); err != nil {
		t.Fatalf("setup after shutdown: %v", err)
	}
}

func TestEstopUnknownStopLevelIsError(t *testing.T) {
	fake := robottest.New()
	il := newTestInterlock(fake, &tickers{}, nil)
	ctx := context.Background()
	if err := il.Estop.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	fake.SetStopLevel(robot.StopLevelUnknown)
	if got, _ := il.Estop.Status(ctx); got != EstopError {
		t.Fatalf("expected ERROR, got %s", got)
	}
	fake.SetStopLevel(robot.StopLevelSettleThenCut)
	if got, _ := il.Estop.Status(ctx); got != EstopEstopped {
		t.Fatalf("expected ESTOPPED, got %s", got)
	}
}

func TestLeaseAcquireTakeRelease(t *testing.T) {
	fake := robottest.New()
	tk := &tickers{}
	il := newTestInterlock(fake, tk, nil)
	ctx := context.Background()

	if err := il.Lease.Release(ctx); err != nil {
		t.Fatalf("release without lease should be a no-op: %v", err)
	}

	fake.ClaimLease()
	err := il.Lease.Acquire(ctx)
	if !errors.Is(err, ErrAlreadyClaimed) || !errors.Is(err, robot.ErrResourceAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if il.Lease.Status() != LeaseNone {
		t.Fatalf("expected NONE after failed acquire")
	}

	if err := il.Lease.Take(ctx); err != nil {
		t.Fatalf("take: %v", err)
	}
	if il.Lease.Status() != LeaseActive {
		t.Fatalf("expected ACTIVE after take")
	}
	if err := il.Lease.Acquire(ctx); err != nil {
		t.Fatalf("acquire while held: %v", err)
	}
	if err := il.Lease.Take(ctx); err != nil {
		t.Fatalf("take while held: %v", err)
	}
	if fake.Count(robottest.OpTake) != 1 || fake.Count(robottest.OpAcquire) != 1 {
		t.Fatalf("expected idempotent lease calls, got %v", fake.Calls())
	}

	ticker, interval := tk.get(0)
	if interval != 2*time.Second {
		t.Fatalf("unexpected keep-alive interval %s", interval)
	}
	ticker.ch <- time.Now()
	waitFor(t, "lease keep-alive", func() bool { return fake.Retains() == 1 })

	first, _ := il.Lease.Current()
	next, err := il.Lease.Advance()
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next.Sequence[0] != first.Sequence[0]+1 {
		t.Fatalf("expected advanced sequence, got %v after %v", next.Sequence, first.Sequence)
	}
	if cur, _ := il.Lease.Current(); cur.Sequence[0] != next.Sequence[0] {
		t.Fatalf("expected current lease to be advanced")
	}

	if err := il.Lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if il.Lease.Status() != LeaseNone || !ticker.isStopped() {
		t.Fatalf("expected lease released and keep-alive stopped")
	}
	if _, err := il.Lease.Advance(); !errors.Is(err, ErrNoLease) {
		t.Fatalf("expected ErrNoLease, got %v", err)
	}
}

func TestLeaseKeepAliveFailureIsRecorded(t *testing.T) {
	fake := robottest.New()
	tk := &tickers{}
	rec := &countingRecorder{}
	il := newTestInterlock(fake, tk, rec)
	ctx := context.Background()

	if err := il.Lease.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fake.Fail(robottest.OpRetain, errors.New("expired"))
	ticker, _ := tk.get(0)
	ticker.ch <- time.Now()
	waitFor(t, "recorded failure", func() bool { return rec.count("lease") == 1 })
	if il.Lease.Status() != LeaseActive {
		t.Fatalf("keep-alive failure must not drop the lease locally")
	}
}

func TestPowerTransitions(t *testing.T) {
	fake := robottest.New()
	il := newTestInterlock(fake, &tickers{}, nil)
	ctx := context.Background()

	if err := il.Power.On(ctx); !errors.Is(err, ErrNoLease) {
		t.Fatalf("expected ErrNoLease, got %v", err)
	}
	if err := il.Lease.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	fake.SetPowerLatency(3)
	if err := il.Power.On(ctx); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if status, err := il.Power.Status(ctx); err != nil || status != PowerOn {
		t.Fatalf("expected ON, got %s %v", status, err)
	}

	fake.SetPowerLatency(-1)
	err := il.Power.Off(ctx)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Op != "power off" || timeout.Last != robot.PowerOn {
		t.Fatalf("unexpected timeout error %+v", timeout)
	}
}

func TestGuardRequiresLeaseAndEstop(t *testing.T) {
	fake := robottest.New()
	il := newTestInterlock(fake, &tickers{}, nil)
	ctx := context.Background()

	if _, _, err := il.Guard(ctx); !errors.Is(err, ErrNotSafe) {
		t.Fatalf("expected ErrNotSafe without lease, got %v", err)
	}
	if err := il.Lease.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, _, err := il.Guard(ctx); !errors.Is(err, ErrNotSafe) {
		t.Fatalf("expected ErrNotSafe without estop, got %v", err)
	}
	if err := il.Estop.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := il.Estop.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, _, err := il.Guard(ctx); !errors.Is(err, ErrNotSafe) {
		t.Fatalf("expected ErrNotSafe while estopped, got %v", err)
	}
	if err := il.Estop.Allow(ctx); err != nil {
		t.Fatalf("allow: %v", err)
	}
	guarded, release, err := il.Guard(ctx)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	release()
	if guarded.Err() == nil {
		t.Fatalf("expected guarded context to end after release")
	}

	st, err := il.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.SafeToOperate() || st.Motor != PowerOff {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestAbortEngagesEstopBeforeCancelingMotion(t *testing.T) {
	fake := robottest.New()
	il := newTestInterlock(fake, &tickers{}, nil)
	ctx := context.Background()
	if err := il.Lease.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := il.Estop.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	guarded, release, err := il.Guard(ctx)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	defer release()

	canceledAtCheckIn := true
	fake.Hook(robottest.OpCheckIn, func() {
		canceledAtCheckIn = guarded.Err() != nil
	})

	if err := il.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if canceledAtCheckIn {
		t.Fatalf("motion was canceled before estop engaged")
	}
	if guarded.Err() == nil {
		t.Fatalf("expected guarded context to be canceled")
	}
	levels := fake.CheckIns()
	if levels[len(levels)-1] != robot.StopLevelSettleThenCut {
		t.Fatalf("expected settle_then_cut, got %v", levels)
	}
	if _, _, err := il.Guard(ctx); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	fake.Hook(robottest.OpCheckIn, nil)
	if err := il.Allow(ctx); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if il.Aborted() {
		t.Fatalf("expected abort to be cleared")
	}
	_, release2, err := il.Guard(ctx)
	if err != nil {
		t.Fatalf("guard after allow: %v", err)
	}
	release2()
}

func TestAbortWithoutEstopStillCancels(t *testing.T) {
	il := newTestInterlock(robottest.New(), &tickers{}, nil)
	if err := il.Abort(context.Background()); !errors.Is(err, ErrNotSetup) {
		t.Fatalf("expected ErrNotSetup, got %v", err)
	}
	if !il.Aborted() {
		t.Fatalf("expected abort to be pending")
	}
}

func TestCloseTearsDownEverything(t *testing.T) {
	fake := robottest.New()
	il := newTestInterlock(fake, &tickers{}, nil)
	ctx := context.Background()
	if err := il.Estop.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := il.Lease.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := il.Power.On(ctx); err != nil {
		t.Fatalf("power on: %v", err)
	}

	if err := il.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fake.Power() != robot.PowerOff {
		t.Fatalf("expected motors off")
	}
	if il.Lease.Status() != LeaseNone || il.Estop.Active() || fake.Endpoints() != 0 {
		t.Fatalf("expected lease and estop released")
	}
}
