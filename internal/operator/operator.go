// Package operator exposes the console operations of a robot session to the
// command line and the HTTP API.
package operator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/autowalk"
	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/health"
	"github.com/nholik/spot-sentinel/internal/history"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/mission"
	"github.com/nholik/spot-sentinel/internal/navigator"
	"github.com/nholik/spot-sentinel/internal/robot"
	"github.com/nholik/spot-sentinel/internal/sitemap"
	"github.com/nholik/spot-sentinel/internal/state"
)

// HistoryReader reads recorded mission runs.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
	Get(ctx context.Context, id string) (history.Run, error)
}

// Deps are the collaborators of an Operator.
type Deps struct {
	Interlock *interlock.Interlock
	Commands  robot.CommandClient
	Docking   robot.DockingClient
	Navigator *navigator.Navigator
	Dock      *mission.DockKeeper
	Executor  *mission.Executor
	Map       *sitemap.Map
	Source    bundle.Source
	History   HistoryReader
}

// Status is the operator view of the session.
type Status struct {
	Interlock      interlock.Status `json:"interlock"`
	Health         health.Report    `json:"health"`
	SafeToOperate  bool             `json:"safe_to_operate"`
	Docked         bool             `json:"docked"`
	DockID         int              `json:"dock_id,omitempty"`
	RememberedDock *state.Dock      `json:"remembered_dock,omitempty"`
	ActiveMission  *mission.Holder  `json:"active_mission,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
}

// Operator runs console operations against one robot session.
// Every motion command claims the dock keeper's Control, so it fails with
// mission.ErrBusy while a mission, patrol step or dock operation is moving
// the robot.
type Operator struct {
	deps   Deps
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New returns an Operator.
func New(deps Deps, logger zerolog.Logger) *Operator {
	return &Operator{deps: deps, logger: logger}
}

// SetupEstop registers the estop endpoint and starts its heartbeat.
func (o *Operator) SetupEstop(ctx context.Context) error {
	return o.deps.Interlock.Estop.Setup(ctx)
}

// ShutdownEstop deregisters the estop endpoint.
func (o *Operator) ShutdownEstop(ctx context.Context) error {
	return o.deps.Interlock.Estop.Shutdown(ctx)
}

// AllowEstop releases the estop and clears a pending abort.
func (o *Operator) AllowEstop(ctx context.Context) error {
	return o.deps.Interlock.Allow(ctx)
}

// StopEstop cuts motor power at once.
func (o *Operator) StopEstop(ctx context.Context) error {
	return o.deps.Interlock.Estop.Stop(ctx)
}

// AcquireLease claims the body lease; it fails when another client holds it.
func (o *Operator) AcquireLease(ctx context.Context) error {
	return o.deps.Interlock.Lease.Acquire(ctx)
}

// TakeLease claims the body lease from any holder.
func (o *Operator) TakeLease(ctx context.Context) error {
	return o.deps.Interlock.Lease.Take(ctx)
}

// ReleaseLease returns the body lease.
func (o *Operator) ReleaseLease(ctx context.Context) error {
	return o.deps.Interlock.Lease.Release(ctx)
}

// PowerOn powers the motors and waits for the robot to confirm.
func (o *Operator) PowerOn(ctx context.Context) error {
	return o.deps.Interlock.Power.On(ctx)
}

// PowerOff powers the motors down and waits for the robot to confirm.
func (o *Operator) PowerOff(ctx context.Context) error {
	return o.deps.Interlock.Power.Off(ctx)
}

// Stand asks the robot to stand. Failures are logged and dropped.
func (o *Operator) Stand(ctx context.Context) {
	o.bestEffort(ctx, "stand", o.deps.Commands.Stand)
}

// Sit asks the robot to sit. Failures are logged and dropped.
func (o *Operator) Sit(ctx context.Context) {
	o.bestEffort(ctx, "sit", o.deps.Commands.Sit)
}

func (o *Operator) bestEffort(ctx context.Context, op string, fn func(context.Context, robot.Lease) error) {
	unclaim, err := o.deps.Dock.Control().Claim(op)
	if err != nil {
		o.logger.Warn().Err(err).Str("command", op).Msg("command skipped")
		return
	}
	defer unclaim()
	guarded, release, err := o.deps.Interlock.Guard(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Str("command", op).Msg("command skipped")
		return
	}
	defer release()
	lease, ok := o.deps.Interlock.CurrentLease()
	if !ok {
		o.logger.Warn().Str("command", op).Msg("command skipped, no lease")
		return
	}
	if err := fn(guarded, lease); err != nil {
		o.logger.Warn().Err(err).Str("command", op).Msg("command failed")
	}
}

// Undock leaves the dock and re-localizes.
func (o *Operator) Undock(ctx context.Context) (int, bool, error) {
	return o.deps.Dock.Undock(ctx, "")
}

// Dock docks on the dock marker in view.
func (o *Operator) Dock(ctx context.Context) (int, error) {
	return o.deps.Dock.Dock(ctx)
}

// ReturnToDock walks back to the remembered dock and docks.
func (o *Operator) ReturnToDock(ctx context.Context) (bool, error) {
	return o.deps.Dock.Return(ctx, o.deps.Map)
}

// Localize re-anchors the robot on the next fiducial it sees.
func (o *Operator) Localize(ctx context.Context) error {
	return o.claimed("localize", func() error {
		return o.deps.Navigator.LocalizeToFiducial(ctx)
	})
}

// Fiducials lists the fiducials recorded in the map.
func (o *Operator) Fiducials() []int {
	return o.deps.Map.Fiducials()
}

// GoToFiducial walks to the waypoint nearest to tag.
func (o *Operator) GoToFiducial(ctx context.Context, tag int) error {
	return o.claimed(fmt.Sprintf("go to fiducial %d", tag), func() error {
		return o.deps.Navigator.NavigateToFiducial(ctx, o.deps.Map, tag)
	})
}

func (o *Operator) claimed(name string, fn func() error) error {
	release, err := o.deps.Dock.Control().Claim(name)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Missions lists the missions in the bundle.
func (o *Operator) Missions(ctx context.Context) ([]string, error) {
	return autowalk.List(ctx, o.deps.Source)
}

// ExecuteMission runs a mission and waits for it.
func (o *Operator) ExecuteMission(ctx context.Context, name string, opts mission.Options) (mission.Result, error) {
	return o.deps.Executor.Execute(ctx, name, opts)
}

// StartMission runs a mission in the background. ctx bounds the run, not
// the call. mission.ErrBusy is returned while the robot is held.
func (o *Operator) StartMission(ctx context.Context, name string, opts mission.Options) error {
	o.wg.Add(1)
	err := o.deps.Executor.Start(ctx, name, opts, func(_ mission.Result, err error) {
		defer o.wg.Done()
		if err != nil {
			o.logger.Error().Err(err).Str("mission", name).Msg("background mission failed")
		}
	})
	if err != nil {
		o.wg.Done()
	}
	return err
}

// Wait blocks until background missions have finished.
func (o *Operator) Wait() {
	o.wg.Wait()
}

// Active returns the mission or dock operation holding the robot, or nil.
func (o *Operator) Active() *mission.Holder {
	return o.deps.Dock.Control().Holder()
}

// Status reads the interlock and dock state. Read failures are reported in
// Errors and do not fail the call.
func (o *Operator) Status(ctx context.Context) (Status, error) {
	st := Status{ActiveMission: o.Active()}
	var errs []string

	ils, err := o.deps.Interlock.Status(ctx)
	st.Interlock = ils
	if err != nil {
		errs = append(errs, err.Error())
	}
	if err := o.deps.Interlock.Estop.LastHeartbeatError(); err != nil {
		errs = append(errs, fmt.Sprintf("estop heartbeat: %v", err))
	}
	obs := health.Observation{Interlock: ils, Err: err}
	if o.deps.Docking != nil {
		dockID, docked, err := o.deps.Docking.DockID(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("dock state: %v", err))
		} else {
			st.Docked, st.DockID = docked, dockID
			obs.Docked, obs.DockID = docked, dockID
		}
	}
	st.Health = health.Evaluate(obs)
	st.SafeToOperate = st.Health.SafeToOperate()

	rem, err := o.deps.Dock.Remembered(ctx)
	if err != nil {
		return st, err
	}
	st.RememberedDock = rem
	st.Errors = errs
	return st, nil
}

// Abort engages the estop and cancels motion in flight.
func (o *Operator) Abort(ctx context.Context) error {
	return o.deps.Interlock.Abort(ctx)
}

// History returns the most recent mission runs.
func (o *Operator) History(ctx context.Context, limit int) ([]history.Run, error) {
	if o.deps.History == nil {
		return nil, nil
	}
	return o.deps.History.Recent(ctx, limit)
}

// Run returns one recorded mission run.
func (o *Operator) Run(ctx context.Context, id string) (history.Run, error) {
	if o.deps.History == nil {
		return history.Run{}, history.ErrNotFound
	}
	return o.deps.History.Get(ctx, id)
}
