package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/robot"
	"github.com/nholik/spot-sentinel/internal/sitemap"
	"github.com/nholik/spot-sentinel/internal/state"
)

// ErrNoDockVisible is returned by Dock when no dock marker is in view.
var ErrNoDockVisible = errors.New("no dock marker is visible")

// DockClient is the part of the robot session docking needs.
type DockClient interface {
	robot.DockingClient
	robot.WorldObjectClient
}

// Navigation moves and re-anchors the robot.
type Navigation interface {
	NavigateToWaypoint(ctx context.Context, waypointID string) error
	LocalizeToFiducial(ctx context.Context) error
}

// DockStore persists the remembered dock.
type DockStore interface {
	Load(ctx context.Context) (state.State, error)
	Update(ctx context.Context, fn func(*state.State) error) error
}

// DockKeeper undocks before missions and brings the robot back afterwards.
// The dock the robot left is written to the store before it moves, so a run
// interrupted by an abort or a restart can still be returned. Its Control is
// the single claim on the robot shared with the Executor.
type DockKeeper struct {
	control   *Control
	client    DockClient
	interlock Interlock
	nav       Navigation
	store     DockStore
	logger    zerolog.Logger
	now       func() time.Time
}

// DockOption customizes a DockKeeper.
type DockOption func(*DockKeeper)

// WithDockClock overrides the clock used to stamp undock times.
func WithDockClock(now func() time.Time) DockOption {
	return func(k *DockKeeper) {
		k.now = now
	}
}

// NewDockKeeper returns a DockKeeper.
func NewDockKeeper(client DockClient, il Interlock, nav Navigation, store DockStore, logger zerolog.Logger, opts ...DockOption) *DockKeeper {
	k := &DockKeeper{
		control:   NewControl(),
		client:    client,
		interlock: il,
		nav:       nav,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Control returns the claim on the robot that missions and dock operations
// share.
func (k *DockKeeper) Control() *Control {
	return k.control
}

// Undock leaves the dock when the robot is docked and re-localizes on the
// dock marker. It reports the dock id and whether the robot left it. When
// the undock request fails the robot is still docked and nothing is
// remembered. ErrBusy is returned while a mission holds the robot.
func (k *DockKeeper) Undock(ctx context.Context, mission string) (int, bool, error) {
	release, err := k.control.Claim("undock")
	if err != nil {
		return 0, false, err
	}
	defer release()
	return k.undock(ctx, mission)
}

func (k *DockKeeper) undock(ctx context.Context, mission string) (int, bool, error) {
	dockID, docked, err := k.client.DockID(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("read dock state: %w", err)
	}
	if !docked {
		return 0, false, nil
	}

	if err := k.remember(ctx, &state.Dock{DockID: dockID, Mission: mission, UndockedAt: k.now().UTC()}); err != nil {
		return dockID, false, fmt.Errorf("remember dock %d: %w", dockID, err)
	}

	err = k.withLease(ctx, func(guarded context.Context, lease robot.Lease) error {
		return k.client.Undock(guarded, lease)
	})
	if err != nil {
		if clearErr := k.remember(ctx, nil); clearErr != nil {
			k.logger.Warn().Err(clearErr).Int("dock_id", dockID).Msg("failed to clear dock record")
		}
		return dockID, false, fmt.Errorf("undock from %d: %w", dockID, err)
	}
	k.logger.Info().Int("dock_id", dockID).Str("mission", mission).Msg("undocked")

	if err := k.nav.LocalizeToFiducial(ctx); err != nil {
		return dockID, true, fmt.Errorf("localize after undock: %w", err)
	}
	return dockID, true, nil
}

// Return walks to the waypoint nearest the remembered dock marker and docks.
// It reports false when no dock is remembered.
func (k *DockKeeper) Return(ctx context.Context, m *sitemap.Map) (bool, error) {
	release, err := k.control.Claim("return to dock")
	if err != nil {
		return false, err
	}
	defer release()
	return k.returnTo(ctx, m)
}

func (k *DockKeeper) returnTo(ctx context.Context, m *sitemap.Map) (bool, error) {
	rem, err := k.Remembered(ctx)
	if err != nil {
		return false, err
	}
	if rem == nil {
		return false, nil
	}
	logger := k.logger.With().Int("dock_id", rem.DockID).Logger()

	waypointID, err := m.WaypointByFiducial(rem.DockID)
	if err != nil {
		return false, fmt.Errorf("dock %d: %w", rem.DockID, err)
	}
	logger.Info().Str("waypoint", waypointID).Msg("returning to dock")
	if err := k.nav.NavigateToWaypoint(ctx, waypointID); err != nil {
		return false, fmt.Errorf("navigate to dock %d: %w", rem.DockID, err)
	}
	if err := k.dock(ctx, rem.DockID); err != nil {
		return false, err
	}
	logger.Info().Msg("docked")
	return true, nil
}

// Dock docks on the lowest numbered dock marker in view and forgets any
// remembered dock.
func (k *DockKeeper) Dock(ctx context.Context) (int, error) {
	release, err := k.control.Claim("dock")
	if err != nil {
		return 0, err
	}
	defer release()

	objects, err := k.client.ListFiducials(ctx)
	if err != nil {
		return 0, fmt.Errorf("list fiducials: %w", err)
	}
	dockID, found := 0, false
	for _, o := range objects {
		if !sitemap.IsDock(o.TagID) {
			continue
		}
		if !found || o.TagID < dockID {
			dockID, found = o.TagID, true
		}
	}
	if !found {
		return 0, ErrNoDockVisible
	}
	if err := k.dock(ctx, dockID); err != nil {
		return 0, err
	}
	k.logger.Info().Int("dock_id", dockID).Msg("docked")
	return dockID, nil
}

// Remembered returns the dock left by an unfinished run, or nil.
func (k *DockKeeper) Remembered(ctx context.Context) (*state.Dock, error) {
	st, err := k.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dock record: %w", err)
	}
	return st.Dock, nil
}

func (k *DockKeeper) dock(ctx context.Context, dockID int) error {
	err := k.withLease(ctx, func(guarded context.Context, lease robot.Lease) error {
		return k.client.Dock(guarded, lease, dockID)
	})
	if err != nil {
		return fmt.Errorf("dock at %d: %w", dockID, err)
	}
	if err := k.remember(ctx, nil); err != nil {
		return fmt.Errorf("clear dock record: %w", err)
	}
	return nil
}

func (k *DockKeeper) withLease(ctx context.Context, fn func(context.Context, robot.Lease) error) error {
	guarded, release, err := k.interlock.Guard(ctx)
	if err != nil {
		return err
	}
	defer release()
	lease, ok := k.interlock.CurrentLease()
	if !ok {
		return interlock.ErrNoLease
	}
	if err := fn(guarded, lease); err != nil {
		return interrupted(ctx, guarded, err)
	}
	return nil
}

func (k *DockKeeper) remember(ctx context.Context, dock *state.Dock) error {
	return k.store.Update(ctx, func(st *state.State) error {
		st.Dock = dock
		return nil
	})
}
