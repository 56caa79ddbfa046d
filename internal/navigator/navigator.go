// Package navigator drives the robot between map waypoints using the robot's
// own go-to-waypoint primitive.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/robot"
	"github.com/nholik/spot-sentinel/internal/sitemap"
)

// DefaultPollInterval is the delay between navigation feedback queries.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultCommandTimeout is the lifetime of each navigate-to request.
const DefaultCommandTimeout = time.Second

// Interlock gates motion and hands out the current lease.
type Interlock interface {
	Guard(ctx context.Context) (context.Context, context.CancelFunc, error)
	CurrentLease() (robot.Lease, bool)
}

// Client is the part of the robot session the navigator uses.
type Client interface {
	robot.GraphNavClient
	robot.StateClient
}

// Recorder counts navigation failures.
type Recorder interface {
	NavigationFailed()
}

type nopRecorder struct{}

func (nopRecorder) NavigationFailed() {}

// Navigator moves the robot along the uploaded map.
type Navigator struct {
	client         Client
	interlock      Interlock
	logger         zerolog.Logger
	pollInterval   time.Duration
	commandTimeout time.Duration
	sleep          func(context.Context, time.Duration) bool
	recorder       Recorder
}

// Option customizes a Navigator.
type Option func(*Navigator)

// WithPollInterval sets the feedback poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(n *Navigator) {
		n.pollInterval = d
	}
}

// WithSleep overrides how the navigator waits between polls.
func WithSleep(sleep func(context.Context, time.Duration) bool) Option {
	return func(n *Navigator) {
		n.sleep = sleep
	}
}

// WithRecorder reports navigation failures.
func WithRecorder(r Recorder) Option {
	return func(n *Navigator) {
		n.recorder = r
	}
}

// New returns a Navigator.
func New(client Client, il Interlock, logger zerolog.Logger, opts ...Option) *Navigator {
	n := &Navigator{
		client:         client,
		interlock:      il,
		logger:         logger,
		pollInterval:   DefaultPollInterval,
		commandTimeout: DefaultCommandTimeout,
		sleep:          sleepWithContext,
		recorder:       nopRecorder{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NavigateToWaypoint walks to waypointID and blocks until the robot reports
// the goal reached. A failed request ends the attempt immediately. There is
// no time limit; cancel ctx or abort the interlock to stop.
func (n *Navigator) NavigateToWaypoint(ctx context.Context, waypointID string) error {
	guarded, release, err := n.interlock.Guard(ctx)
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", waypointID, err)
	}
	defer release()

	logger := n.logger.With().Str("waypoint", waypointID).Logger()
	logger.Info().Msg("navigating to waypoint")

	var commandID uint32
	for {
		lease, ok := n.interlock.CurrentLease()
		if !ok {
			return n.fail(fmt.Errorf("navigate to %s: %w", waypointID, interlock.ErrNoLease))
		}
		id, err := n.client.NavigateTo(guarded, robot.NavigateRequest{
			WaypointID: waypointID,
			Lease:      lease,
			CommandID:  commandID,
			Timeout:    n.commandTimeout,
		})
		if err != nil {
			return n.fail(n.interrupted(ctx, guarded, fmt.Errorf("navigate to %s: %w", waypointID, err)))
		}
		commandID = id

		if !n.sleep(guarded, n.pollInterval) {
			return n.interrupted(ctx, guarded, guarded.Err())
		}

		status, err := n.client.NavigationFeedback(guarded, commandID)
		if err != nil {
			return n.fail(n.interrupted(ctx, guarded, fmt.Errorf("navigation feedback for %s: %w", waypointID, err)))
		}
		switch status {
		case robot.NavigationReachedGoal:
			logger.Info().Uint32("command_id", commandID).Msg("waypoint reached")
			return nil
		case robot.NavigationLost, robot.NavigationStuck, robot.NavigationImpaired:
			logger.Warn().Str("status", string(status)).Msg("navigation needs attention")
		default:
			logger.Debug().Str("status", string(status)).Msg("navigation in progress")
		}
	}
}

// NavigateToFiducial walks to the waypoint nearest to tag.
func (n *Navigator) NavigateToFiducial(ctx context.Context, m *sitemap.Map, tag int) error {
	waypointID, err := m.WaypointByFiducial(tag)
	if err != nil {
		return fmt.Errorf("fiducial %d: %w", tag, err)
	}
	return n.NavigateToWaypoint(ctx, waypointID)
}

// LocalizeToFiducial pushes the current odometry pose as the initial guess so
// the robot re-anchors on the next fiducial it sees.
func (n *Navigator) LocalizeToFiducial(ctx context.Context) error {
	state, err := n.client.RobotState(ctx)
	if err != nil {
		return fmt.Errorf("read robot state: %w", err)
	}
	if err := n.client.SetLocalization(ctx, robot.Localization{}, state.OdomTformBody); err != nil {
		return fmt.Errorf("set localization: %w", err)
	}
	n.logger.Info().Msg("localized to fiducial")
	return nil
}

func (n *Navigator) fail(err error) error {
	if !errors.Is(err, interlock.ErrAborted) && !errors.Is(err, context.Canceled) {
		n.recorder.NavigationFailed()
	}
	n.logger.Error().Err(err).Msg("navigation failed")
	return err
}

// interrupted reports an operator abort instead of the request error it
// caused.
func (n *Navigator) interrupted(ctx, guarded context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if guarded.Err() != nil {
		return interlock.ErrAborted
	}
	return err
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
