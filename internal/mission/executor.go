package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/autowalk"
	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/history"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/notify"
	"github.com/nholik/spot-sentinel/internal/robot"
	"github.com/nholik/spot-sentinel/internal/sitemap"
	"github.com/nholik/spot-sentinel/internal/transition"
)

// HistoryRecorder stores finished runs.
type HistoryRecorder interface {
	Record(ctx context.Context, run history.Run) error
}

// MetricsRecorder counts finished runs.
type MetricsRecorder interface {
	ObserveMission(mission string, status string, duration time.Duration)
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Source    bundle.Source
	Map       *sitemap.Map
	Robot     robot.AutowalkClient
	Interlock Interlock
	Runner    *Runner
	Dock      *DockKeeper
}

// Result describes one Execute call.
type Result struct {
	RunID      string    `json:"run_id"`
	Mission    string    `json:"mission"`
	Status     Status    `json:"status"`
	DockID     *int      `json:"dock_id,omitempty"`
	Returned   bool      `json:"returned"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        error     `json:"-"`
}

// Executor runs one mission with undock, upload, playback and return to dock.
type Executor struct {
	deps      Deps
	logger    zerolog.Logger
	history   HistoryRecorder
	metrics   MetricsRecorder
	notifier  notify.Notifier
	robotName string
	now       func() time.Time
	newID     func() string
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithHistory records every run in h.
func WithHistory(h HistoryRecorder) ExecutorOption {
	return func(e *Executor) {
		e.history = h
	}
}

// WithMetrics counts every run in m.
func WithMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithNotifier sends a transition for every finished run.
func WithNotifier(n notify.Notifier, robotName string) ExecutorOption {
	return func(e *Executor) {
		e.notifier = n
		e.robotName = robotName
	}
}

// WithExecutorClock overrides the clock used for run timestamps.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// WithIDGenerator overrides how run ids are generated.
func WithIDGenerator(newID func() string) ExecutorOption {
	return func(e *Executor) {
		e.newID = newID
	}
}

// NewExecutor returns an Executor.
func NewExecutor(deps Deps, logger zerolog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		deps:   deps,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute plays the named mission. A docked robot is undocked first, and the
// robot goes back to the dock after the run whether it succeeded or not. After
// an abort nothing moves; the dock stays remembered so a later Return can
// finish the job. While another mission or dock operation holds the robot,
// Execute returns ErrBusy without touching it.
func (e *Executor) Execute(ctx context.Context, name string, opts Options) (Result, error) {
	release, err := e.deps.Dock.Control().Claim(name)
	if err != nil {
		return Result{Mission: name, Status: StatusFailure, Err: err}, err
	}
	defer release()
	return e.run(ctx, name, opts)
}

// Start claims the robot for name and plays the mission in the background.
// ErrBusy is returned at once when the robot is held; otherwise done, if
// non-nil, receives the outcome once the run ends. ctx bounds the run.
func (e *Executor) Start(ctx context.Context, name string, opts Options, done func(Result, error)) error {
	release, err := e.deps.Dock.Control().Claim(name)
	if err != nil {
		return err
	}
	go func() {
		res, err := e.run(ctx, name, opts)
		release()
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func (e *Executor) run(ctx context.Context, name string, opts Options) (Result, error) {
	res := Result{RunID: e.newID(), Mission: name, StartedAt: e.now().UTC(), Status: StatusFailure}
	logger := e.logger.With().Str("mission", name).Str("run_id", res.RunID).Logger()
	logger.Info().Msg("mission starting")

	status, err := e.execute(ctx, logger, name, opts, &res)
	res.Status = status
	res.Err = err
	res.FinishedAt = e.now().UTC()

	event := logger.Info()
	if err != nil || status != StatusSuccess {
		event = logger.Warn().Err(err)
	}
	if res.DockID != nil {
		event = event.Int("dock_id", *res.DockID).Bool("returned", res.Returned)
	}
	event.Str("status", string(status)).Dur("duration", res.FinishedAt.Sub(res.StartedAt)).Msg("mission finished")

	e.report(context.WithoutCancel(ctx), logger, res)
	return res, err
}

func (e *Executor) execute(ctx context.Context, logger zerolog.Logger, name string, opts Options, res *Result) (Status, error) {
	walk, err := autowalk.Load(ctx, e.deps.Source, name)
	if err != nil {
		return StatusFailure, err
	}
	walk, err = walk.SkipDocking()
	if err != nil {
		return StatusFailure, fmt.Errorf("mission %s: %w", name, err)
	}
	skip, err := walk.SkipsDocking()
	if err != nil {
		return StatusFailure, fmt.Errorf("mission %s: %w", name, err)
	}
	if !skip {
		return StatusFailure, fmt.Errorf("mission %s: walk still docks on completion", name)
	}

	dockID, undocked, err := e.deps.Dock.undock(ctx, name)
	switch {
	case undocked:
		res.DockID = &dockID
	case err == nil:
		if rem, remErr := e.deps.Dock.Remembered(ctx); remErr != nil {
			logger.Warn().Err(remErr).Msg("could not read dock record")
		} else if rem != nil {
			id := rem.DockID
			res.DockID = &id
			logger.Info().Int("dock_id", id).Str("previous_mission", rem.Mission).Msg("dock remembered from an unfinished run")
		}
	}

	status := StatusFailure
	if err == nil {
		status, err = e.play(ctx, walk, opts)
	}
	if res.DockID == nil {
		return status, err
	}
	if IsAbort(err) || ctx.Err() != nil || e.deps.Interlock.Aborted() {
		logger.Warn().Int("dock_id", *res.DockID).Msg("run interrupted, dock kept for a later return")
		return status, err
	}

	returned, returnErr := e.deps.Dock.returnTo(ctx, e.deps.Map)
	res.Returned = returned
	if returnErr != nil {
		return status, errors.Join(err, fmt.Errorf("return to dock: %w", returnErr))
	}
	return status, err
}

func (e *Executor) play(ctx context.Context, walk *autowalk.Walk, opts Options) (Status, error) {
	lease, ok := e.deps.Interlock.CurrentLease()
	if !ok {
		return StatusFailure, interlock.ErrNoLease
	}
	if err := autowalk.Upload(ctx, e.deps.Robot, walk, []robot.Lease{lease}); err != nil {
		return StatusFailure, err
	}
	return e.deps.Runner.Run(ctx, opts)
}

func (e *Executor) report(ctx context.Context, logger zerolog.Logger, res Result) {
	duration := res.FinishedAt.Sub(res.StartedAt)
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}

	if e.history != nil {
		run := history.Run{
			ID:         res.RunID,
			Mission:    res.Mission,
			Status:     string(res.Status),
			DockID:     res.DockID,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
			Error:      errText,
		}
		if err := e.history.Record(ctx, run); err != nil {
			logger.Error().Err(err).Msg("failed to record mission history")
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveMission(res.Mission, string(res.Status), duration)
	}
	if e.notifier != nil {
		t := transition.Mission(transition.MissionOutcome{
			RunID:    res.RunID,
			Mission:  res.Mission,
			Status:   string(res.Status),
			DockID:   res.DockID,
			Duration: duration,
			Error:    errText,
		})
		if err := e.notifier.Notify(ctx, e.robotName, []transition.Transition{t}); err != nil {
			logger.Error().Err(err).Msg("failed to notify mission outcome")
		}
	}
}
