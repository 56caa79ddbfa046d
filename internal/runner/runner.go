package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/health"
	"github.com/nholik/spot-sentinel/internal/healthcheck"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/metrics"
	"github.com/nholik/spot-sentinel/internal/notify"
	"github.com/nholik/spot-sentinel/internal/state"
	"github.com/nholik/spot-sentinel/internal/transition"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// StatusReader reports the interlock status.
type StatusReader interface {
	Status(ctx context.Context) (interlock.Status, error)
}

// DockReader reports whether the robot sits on a dock.
type DockReader interface {
	DockID(ctx context.Context) (int, bool, error)
}

// SessionStore persists the evaluated session between cycles.
type SessionStore interface {
	Update(ctx context.Context, fn func(*state.State) error) error
}

// Runner drives a cycle on a fixed interval. The default cycle monitors the
// robot session; WithRunOnce swaps in any other cycle, such as a patrol.
type Runner struct {
	logger         zerolog.Logger
	pollInterval   time.Duration
	tickerFactory  func(time.Duration) Ticker
	runOnce        func(context.Context) error
	interlock      StatusReader
	dock           DockReader
	store          SessionStore
	notifier       notify.Notifier
	metrics        *metrics.Metrics
	tracker        *healthcheck.Tracker
	robotName      string
	mapFingerprint string
	now            func() time.Time
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithInterlock sets the interlock polled by the default cycle.
func WithInterlock(il StatusReader) Option {
	return func(r *Runner) {
		r.interlock = il
	}
}

// WithDockReader adds the dock state to each evaluation.
func WithDockReader(dock DockReader) Option {
	return func(r *Runner) {
		r.dock = dock
	}
}

// WithStateStore persists the session snapshot so transitions survive
// restarts. Without it the previous snapshot is kept in memory.
func WithStateStore(store SessionStore) Option {
	return func(r *Runner) {
		r.store = store
	}
}

// WithNotifier delivers detected transitions.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithMetrics records cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithTracker records completed cycles for the health endpoints.
func WithTracker(t *healthcheck.Tracker) Option {
	return func(r *Runner) {
		r.tracker = t
	}
}

// WithRobotName labels notifications.
func WithRobotName(name string) Option {
	return func(r *Runner) {
		r.robotName = name
	}
}

// WithMapFingerprint stores the loaded map fingerprint with each snapshot.
func WithMapFingerprint(fingerprint string) Option {
	return func(r *Runner) {
		r.mapFingerprint = fingerprint
	}
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New constructs a Runner with the given logger and poll interval.
func New(logger zerolog.Logger, pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		pollInterval: pollInterval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		now: time.Now,
	}
	r.runOnce = r.defaultRunOnce

	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = &memoryStore{}
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial run cycle failed")
	}

	ticker := r.tickerFactory(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("run cycle failed")
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) defaultRunOnce(ctx context.Context) error {
	if r.interlock == nil {
		return nil
	}
	start := r.now()

	obs := health.Observation{}
	status, err := r.interlock.Status(ctx)
	obs.Interlock = status
	if err != nil {
		r.metrics.IncRobotAPIErrors()
		r.logger.Warn().Err(err).Msg("interlock status incomplete")
		obs.Err = err
	}
	if r.dock != nil {
		dockID, docked, err := r.dock.DockID(ctx)
		if err != nil {
			r.metrics.IncRobotAPIErrors()
			r.logger.Warn().Err(err).Msg("dock state unavailable")
		} else {
			obs.Docked = docked
			obs.DockID = dockID
		}
	}
	report := health.Evaluate(obs)

	now := start.UTC()
	var transitions []transition.Transition
	err = r.store.Update(ctx, func(st *state.State) error {
		var prev *state.SessionSnapshot
		if !st.Session.EvaluatedAt.IsZero() {
			snapshot := st.Session
			prev = &snapshot
		}
		transitions = transition.Detect(prev, report)
		st.Session = state.SessionSnapshot{
			Status:         report.Status,
			Resources:      carryNotified(prev, report.Resources),
			MapFingerprint: r.mapFingerprint,
			EvaluatedAt:    now,
		}
		return nil
	})
	if err != nil {
		return r.wrapRuntime("persist session", err)
	}

	for _, change := range transitions {
		r.logTransition(change)
	}
	if err := r.deliver(ctx, transitions); err != nil {
		return err
	}

	for name, res := range report.Resources {
		r.metrics.SetResourceStatus(name, string(res.Status))
	}
	duration := r.now().Sub(start)
	r.metrics.ObserveCycleDuration(duration)
	r.metrics.SetLastSuccessfulCycleTimestamp(r.now())
	r.tracker.RecordCycle(duration, report)
	return nil
}

// deliver notifies transitions and marks them delivered. Undelivered
// transitions are detected again on the next cycle.
func (r *Runner) deliver(ctx context.Context, transitions []transition.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, r.robotName, transitions); err != nil {
			return r.wrapRuntime("notify transitions", err)
		}
	}
	for _, change := range transitions {
		r.metrics.IncAlertsTotal(change.Resource, string(change.CurrentStatus))
	}
	err := r.store.Update(ctx, func(st *state.State) error {
		for _, change := range transitions {
			res, ok := st.Session.Resources[change.Resource]
			if !ok {
				continue
			}
			res.LastNotifiedStatus = change.CurrentStatus
			st.Session.Resources[change.Resource] = res
		}
		return nil
	})
	return r.wrapRuntime("mark transitions notified", err)
}

func (r *Runner) logTransition(change transition.Transition) {
	event := r.logger.Info()
	switch change.CurrentStatus {
	case health.StatusFailed:
		event = r.logger.Error()
	case health.StatusDegraded:
		event = r.logger.Warn()
	}
	event.Str("resource", change.Resource).
		Str("previous_status", string(change.PreviousStatus)).
		Str("current_status", string(change.CurrentStatus)).
		Str("previous_state", change.PreviousState).
		Str("current_state", change.CurrentState).
		Strs("reasons", change.Reasons).
		Msg("resource transition detected")
}

// carryNotified copies the last notified status of each resource forward so
// a failed delivery is retried against what operators last saw. Resources
// seen for the first time start from OK.
func carryNotified(prev *state.SessionSnapshot, current map[string]health.ResourceHealth) map[string]health.ResourceHealth {
	out := make(map[string]health.ResourceHealth, len(current))
	for name, res := range current {
		res.LastNotifiedStatus = health.StatusOK
		if prev != nil {
			if p, ok := prev.Resources[name]; ok {
				res.LastNotifiedStatus = p.LastNotifiedStatus
				if res.LastNotifiedStatus == "" {
					res.LastNotifiedStatus = p.Status
				}
			}
		}
		out[name] = res
	}
	return out
}

type memoryStore struct {
	mu sync.Mutex
	st state.State
}

func (m *memoryStore) Update(ctx context.Context, fn func(*state.State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st
	if err := fn(&st); err != nil {
		return err
	}
	m.st = st
	return nil
}
