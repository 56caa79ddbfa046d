package mission

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is one mission of a patrol plan.
type Step struct {
	Name    string
	Options Options
}

// Aborter reports a pending operator abort.
type Aborter interface {
	Aborted() bool
}

// Patrol executes a plan of missions, one cycle per RunOnce.
//
// Patrol has no exit condition of its own. Driven by a runner it repeats the
// plan until the process is interrupted; the operator stops a patrolling
// robot with an abort (SIGINT/SIGTERM or POST /v1/abort), which engages the
// estop and cancels the mission in flight. While the abort is pending every
// cycle is skipped, and clearing the estop resumes the patrol.
type Patrol struct {
	exec      *Executor
	interlock Aborter
	steps     []Step
	logger    zerolog.Logger
}

// NewPatrol returns a Patrol over steps.
func NewPatrol(exec *Executor, il Aborter, steps []Step, logger zerolog.Logger) *Patrol {
	return &Patrol{
		exec:      exec,
		interlock: il,
		steps:     append([]Step(nil), steps...),
		logger:    logger,
	}
}

// Steps returns the plan.
func (p *Patrol) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// RunOnce executes every step in order. A failed mission does not stop the
// cycle; the errors are joined. An abort stops the cycle at once.
func (p *Patrol) RunOnce(ctx context.Context) error {
	if p.interlock.Aborted() {
		p.logger.Warn().Msg("operator abort pending, patrol cycle skipped")
		return nil
	}

	var errs []error
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.interlock.Aborted() {
			p.logger.Warn().Str("mission", step.Name).Msg("operator abort pending, patrol cycle stopped")
			break
		}
		res, err := p.exec.Execute(ctx, step.Name, step.Options)
		if err != nil {
			if IsAbort(err) {
				break
			}
			if errors.Is(err, ErrBusy) {
				p.logger.Warn().Err(err).Str("mission", step.Name).Msg("robot busy, patrol cycle stopped")
				break
			}
			errs = append(errs, fmt.Errorf("mission %s: %w", step.Name, err))
			continue
		}
		if res.Status != StatusSuccess {
			errs = append(errs, fmt.Errorf("mission %s: %s", step.Name, res.Status))
		}
	}
	return errors.Join(errs...)
}
