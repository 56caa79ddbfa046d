// Package mission plays recorded missions on the robot and keeps the robot's
// dock bookkeeping consistent around them.
package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/robot"
)

// Status is the outcome of one mission invocation.
type Status string

const (
	StatusNone             Status = "NONE"
	StatusRunning          Status = "RUNNING"
	StatusSuccess          Status = "SUCCESS"
	StatusFailure          Status = "FAILURE"
	StatusFailedOnQuestion Status = "FAILED_ON_QUESTION"
)

// Defaults for Run.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultStepInterval = time.Second
)

// Options control one mission run.
type Options struct {
	// Timeout bounds each play request; the robot pauses when it lapses
	// without a new request.
	Timeout                    time.Duration
	DisableDirectedExploration bool
}

// DefaultOptions returns a 30s step timeout with directed exploration off.
func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, DisableDirectedExploration: true}
}

// Interlock is the part of the interlock missions need.
type Interlock interface {
	Guard(ctx context.Context) (context.Context, context.CancelFunc, error)
	CurrentLease() (robot.Lease, bool)
	AdvanceLease() (robot.Lease, error)
	Aborted() bool
}

// Runner drives the robot's mission service until the loaded mission ends.
type Runner struct {
	client       robot.MissionClient
	interlock    Interlock
	logger       zerolog.Logger
	stepInterval time.Duration
	sleep        func(context.Context, time.Duration) bool
	now          func() time.Time
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithStepInterval sets the delay between mission state queries.
func WithStepInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.stepInterval = d
	}
}

// WithSleep overrides how the runner waits between steps.
func WithSleep(sleep func(context.Context, time.Duration) bool) RunnerOption {
	return func(r *Runner) {
		r.sleep = sleep
	}
}

// WithClock overrides the clock used to compute pause times.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner returns a Runner.
func NewRunner(client robot.MissionClient, il Interlock, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:       client,
		interlock:    il,
		logger:       logger,
		stepInterval: DefaultStepInterval,
		sleep:        sleepWithContext,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run plays the loaded mission to completion. Questions of informational
// severity are ignored; any other question ends the run with
// StatusFailedOnQuestion before anything else is played. Questions are never
// answered.
func (r *Runner) Run(ctx context.Context, opts Options) (Status, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	guarded, release, err := r.interlock.Guard(ctx)
	if err != nil {
		return StatusFailure, fmt.Errorf("run mission: %w", err)
	}
	defer release()

	settings := robot.PlaySettings{DisableDirectedExploration: opts.DisableDirectedExploration}
	steps := 0
	for {
		state, err := r.client.MissionState(guarded)
		if err != nil {
			return StatusFailure, interrupted(ctx, guarded, fmt.Errorf("mission state: %w", err))
		}
		if state.Status != robot.MissionNone && state.Status != robot.MissionRunning {
			return r.finish(state.Status, steps), nil
		}
		if q, ok := blockingQuestion(state.Questions); ok {
			r.logger.Warn().
				Int64("question_id", q.ID).
				Str("source", q.Source).
				Str("severity", q.Severity.String()).
				Str("text", q.Text).
				Msg("mission needs an operator answer, stopping")
			return StatusFailedOnQuestion, nil
		}

		lease, err := r.interlock.AdvanceLease()
		if err != nil {
			return StatusFailure, fmt.Errorf("advance lease: %w", err)
		}
		pauseTime := r.now().Add(opts.Timeout)
		if err := r.client.PlayMission(guarded, pauseTime, []robot.Lease{lease}, settings); err != nil {
			return StatusFailure, interrupted(ctx, guarded, fmt.Errorf("play mission: %w", err))
		}
		steps++

		if !r.sleep(guarded, r.stepInterval) {
			return StatusFailure, interrupted(ctx, guarded, guarded.Err())
		}
	}
}

func (r *Runner) finish(status robot.MissionStatus, steps int) Status {
	event := r.logger.Info()
	result := StatusSuccess
	if status != robot.MissionSuccess {
		event = r.logger.Warn()
		result = StatusFailure
	}
	event.Str("robot_status", string(status)).Int("steps", steps).Str("status", string(result)).Msg("mission ended")
	return result
}

func blockingQuestion(questions []robot.Question) (robot.Question, bool) {
	for _, q := range questions {
		if q.Severity != robot.SeverityInfo {
			return q, true
		}
	}
	return robot.Question{}, false
}

// interrupted reports an operator abort instead of the request error it
// caused.
func interrupted(ctx, guarded context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if guarded.Err() != nil {
		return interlock.ErrAborted
	}
	return err
}

// IsAbort reports whether err came from an operator abort or a canceled
// context.
func IsAbort(err error) bool {
	return errors.Is(err, interlock.ErrAborted) || errors.Is(err, context.Canceled)
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
