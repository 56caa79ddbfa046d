// Package robottest provides a scriptable in-memory robot.Session for tests.
package robottest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nholik/spot-sentinel/internal/robot"
)

// Operation names accepted by Fail and Hook.
const (
	OpAcquire                  = "acquire"
	OpTake                     = "take"
	OpReturn                   = "return"
	OpRetain                   = "retain"
	OpRegister                 = "register"
	OpCheckIn                  = "check-in"
	OpDeregister               = "deregister"
	OpStopLevel                = "stop-level"
	OpPowerOn                  = "power-on"
	OpPowerOff                 = "power-off"
	OpMotorPower               = "motor-power"
	OpStand                    = "stand"
	OpSit                      = "sit"
	OpDockID                   = "dock-id"
	OpUndock                   = "undock"
	OpDock                     = "dock"
	OpClearGraph               = "clear-graph"
	OpUploadGraph              = "upload-graph"
	OpUploadWaypointSnapshot   = "upload-waypoint-snapshot"
	OpUploadEdgeSnapshot       = "upload-edge-snapshot"
	OpDownloadGraph            = "download-graph"
	OpDownloadWaypointSnapshot = "download-waypoint-snapshot"
	OpDownloadEdgeSnapshot     = "download-edge-snapshot"
	OpSetLocalization          = "set-localization"
	OpNavigateTo               = "navigate-to"
	OpNavigationFeedback       = "navigation-feedback"
	OpMissionState             = "mission-state"
	OpPlayMission              = "play-mission"
	OpLoadAutowalk             = "load-autowalk"
	OpListFiducials            = "list-fiducials"
	OpRobotState               = "robot-state"
)

// PlayCall records one PlayMission request.
type PlayCall struct {
	PauseTime time.Time
	Leases    []robot.Lease
	Settings  robot.PlaySettings
}

// UploadGraphCall records one UploadGraph request.
type UploadGraphCall struct {
	Graph                []byte
	GenerateNewAnchoring bool
}

// Robot is a fake robot.Session. The zero value is not usable; call New.
type Robot struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	hooks map[string]func()

	claimedByOther bool
	lease          robot.Lease
	epoch          int
	retains        int

	endpoints  map[string]robot.EstopEndpoint
	endpointID int
	stopLevel  robot.StopLevel
	checkIns   []robot.StopLevel

	power        robot.PowerState
	pendingPower robot.PowerState
	powerLatency int
	powerStuck   bool

	docked bool
	dockID int

	visible []robot.WorldObject

	unknownWaypointSnapshots []string
	unknownEdgeSnapshots     []string
	uploadedGraphs           []UploadGraphCall
	uploadedWaypoints        [][]byte
	uploadedEdges            [][]byte
	storedGraph              []byte
	storedWaypoints          map[string][]byte
	storedEdges              map[string][]byte
	localizations            []robot.Localization

	navigations []robot.NavigateRequest
	nextCommand uint32
	feedback    []robot.NavigationStatus

	missionStates []robot.MissionState
	plays         []PlayCall
	loadStatus    robot.LoadStatus
	loadedWalks   [][]byte

	state robot.RobotState
}

var _ robot.Session = (*Robot)(nil)

// New returns a powered-off, undocked robot with no lease holder.
func New() *Robot {
	return &Robot{
		fail:            make(map[string]error),
		hooks:           make(map[string]func()),
		endpoints:       make(map[string]robot.EstopEndpoint),
		stopLevel:       robot.StopLevelNone,
		power:           robot.PowerOff,
		storedWaypoints: make(map[string][]byte),
		storedEdges:     make(map[string][]byte),
		loadStatus:      robot.LoadStatusOK,
		missionStates:   []robot.MissionState{{Status: robot.MissionSuccess}},
	}
}

// Fail makes op return err until cleared with a nil err.
func (r *Robot) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// Hook runs fn every time op is called, before the fake handles it.
func (r *Robot) Hook(op string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[op] = fn
}

// Calls returns the operations invoked so far, in order.
func (r *Robot) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many times op was invoked.
func (r *Robot) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == op {
			n++
		}
	}
	return n
}

// ClaimLease simulates another client holding the lease.
func (r *Robot) ClaimLease() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimedByOther = true
}

// Lease returns the lease currently issued to this client.
func (r *Robot) Lease() robot.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}

// Retains returns the number of lease keep-alives received.
func (r *Robot) Retains() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retains
}

// Endpoints returns the number of registered estop endpoints.
func (r *Robot) Endpoints() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// CheckIns returns the stop levels sent with each estop check-in.
func (r *Robot) CheckIns() []robot.StopLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]robot.StopLevel(nil), r.checkIns...)
}

// SetStopLevel overrides the robot-reported stop level.
func (r *Robot) SetStopLevel(level robot.StopLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLevel = level
}

// SetPower sets the motor power state.
func (r *Robot) SetPower(state robot.PowerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power = state
	r.pendingPower = ""
}

// SetPowerLatency delays power transitions by n MotorPower reads. A negative
// n means the transition never completes.
func (r *Robot) SetPowerLatency(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powerLatency = n
	r.powerStuck = n < 0
}

// Power returns the motor power state without consuming latency.
func (r *Robot) Power() robot.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.power
}

// SetDocked puts the robot on dock id.
func (r *Robot) SetDocked(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docked = true
	r.dockID = id
}

// Docked returns the dock state.
func (r *Robot) Docked() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dockID, r.docked
}

// SetVisibleFiducials sets the apriltags the robot currently sees.
func (r *Robot) SetVisibleFiducials(tags ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible = r.visible[:0]
	for _, tag := range tags {
		r.visible = append(r.visible, robot.WorldObject{Name: "world_obj_apriltag_" + strconv.Itoa(tag), TagID: tag})
	}
}

// SetUnknownSnapshots sets the snapshot ids UploadGraph reports as missing.
func (r *Robot) SetUnknownSnapshots(waypoints, edges []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknownWaypointSnapshots = waypoints
	r.unknownEdgeSnapshots = edges
}

// UploadedGraphs returns the UploadGraph requests.
func (r *Robot) UploadedGraphs() []UploadGraphCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UploadGraphCall(nil), r.uploadedGraphs...)
}

// UploadedSnapshots returns the waypoint and edge snapshots uploaded.
func (r *Robot) UploadedSnapshots() (waypoints, edges [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.uploadedWaypoints...), append([][]byte(nil), r.uploadedEdges...)
}

// StoreMap sets the map returned by the download calls.
func (r *Robot) StoreMap(graph []byte, waypoints, edges map[string][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storedGraph = graph
	r.storedWaypoints = waypoints
	r.storedEdges = edges
}

// Localizations returns the localization requests.
func (r *Robot) Localizations() []robot.Localization {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]robot.Localization(nil), r.localizations...)
}

// SetNavigationFeedback scripts feedback statuses. Once exhausted, feedback
// reports reached_goal.
func (r *Robot) SetNavigationFeedback(statuses ...robot.NavigationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = statuses
}

// Navigations returns the navigate-to requests.
func (r *Robot) Navigations() []robot.NavigateRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]robot.NavigateRequest(nil), r.navigations...)
}

// SetMissionStates scripts mission states. The last state repeats.
func (r *Robot) SetMissionStates(states ...robot.MissionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missionStates = states
}

// Plays returns the PlayMission requests.
func (r *Robot) Plays() []PlayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PlayCall(nil), r.plays...)
}

// SetLoadStatus sets the status LoadAutowalk reports.
func (r *Robot) SetLoadStatus(status robot.LoadStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadStatus = status
}

// LoadedWalks returns the walks loaded so far.
func (r *Robot) LoadedWalks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.loadedWalks...)
}

// SetRobotState sets the state feed. MotorPower is taken from the power state.
func (r *Robot) SetRobotState(state robot.RobotState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// begin records op, runs its hook and returns the scripted failure or the
// context error. r.mu is not held on return.
func (r *Robot) begin(ctx context.Context, op string) error {
	r.mu.Lock()
	r.calls = append(r.calls, op)
	hook := r.hooks[op]
	err := r.fail[op]
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func responseError(op, msg string) error {
	return &robot.ResponseError{Op: op, Status: "409 Conflict", Message: msg}
}

// Acquire implements robot.LeaseClient.
func (r *Robot) Acquire(ctx context.Context, resource string) (robot.Lease, error) {
	if err := r.begin(ctx, OpAcquire); err != nil {
		return robot.Lease{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimedByOther {
		return robot.Lease{}, fmt.Errorf("%w: %w", robot.ErrResourceAlreadyClaimed, responseError(OpAcquire, "lease held by another client"))
	}
	return r.issueLease(resource), nil
}

// Take implements robot.LeaseClient.
func (r *Robot) Take(ctx context.Context, resource string) (robot.Lease, error) {
	if err := r.begin(ctx, OpTake); err != nil {
		return robot.Lease{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimedByOther = false
	return r.issueLease(resource), nil
}

func (r *Robot) issueLease(resource string) robot.Lease {
	r.epoch++
	r.lease = robot.Lease{Resource: resource, Epoch: "epoch-" + strconv.Itoa(r.epoch), Sequence: []uint32{1}}
	return r.lease
}

// Return implements robot.LeaseClient.
func (r *Robot) Return(ctx context.Context, lease robot.Lease) error {
	if err := r.begin(ctx, OpReturn); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lease.Epoch != r.lease.Epoch {
		return responseError(OpReturn, "stale lease")
	}
	r.lease = robot.Lease{}
	return nil
}

// Retain implements robot.LeaseClient.
func (r *Robot) Retain(ctx context.Context, lease robot.Lease) error {
	if err := r.begin(ctx, OpRetain); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retains++
	return nil
}

// Register implements robot.EstopClient.
func (r *Robot) Register(ctx context.Context, name string, timeout time.Duration) (robot.EstopEndpoint, error) {
	if err := r.begin(ctx, OpRegister); err != nil {
		return robot.EstopEndpoint{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpointID++
	ep := robot.EstopEndpoint{Name: name, Role: "PDB_rooted", UniqueID: "ep-" + strconv.Itoa(r.endpointID), Timeout: timeout}
	r.endpoints[ep.UniqueID] = ep
	return ep, nil
}

// CheckIn implements robot.EstopClient.
func (r *Robot) CheckIn(ctx context.Context, endpoint robot.EstopEndpoint, level robot.StopLevel) error {
	if err := r.begin(ctx, OpCheckIn); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[endpoint.UniqueID]; !ok {
		return responseError(OpCheckIn, "unknown endpoint")
	}
	r.checkIns = append(r.checkIns, level)
	r.stopLevel = level
	return nil
}

// Deregister implements robot.EstopClient.
func (r *Robot) Deregister(ctx context.Context, endpoint robot.EstopEndpoint) error {
	if err := r.begin(ctx, OpDeregister); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, endpoint.UniqueID)
	if len(r.endpoints) == 0 {
		r.stopLevel = robot.StopLevelNone
	}
	return nil
}

// StopLevel implements robot.EstopClient.
func (r *Robot) StopLevel(ctx context.Context) (robot.StopLevel, error) {
	if err := r.begin(ctx, OpStopLevel); err != nil {
		return robot.StopLevelUnknown, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLevel, nil
}

// PowerOn implements robot.PowerClient.
func (r *Robot) PowerOn(ctx context.Context, lease robot.Lease) error {
	return r.requestPower(ctx, OpPowerOn, robot.PowerOn)
}

// PowerOff implements robot.PowerClient.
func (r *Robot) PowerOff(ctx context.Context, lease robot.Lease) error {
	return r.requestPower(ctx, OpPowerOff, robot.PowerOff)
}

func (r *Robot) requestPower(ctx context.Context, op string, target robot.PowerState) error {
	if err := r.begin(ctx, op); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.powerLatency == 0 && !r.powerStuck {
		r.power = target
		return nil
	}
	r.pendingPower = target
	return nil
}

// MotorPower implements robot.PowerClient.
func (r *Robot) MotorPower(ctx context.Context) (robot.PowerState, error) {
	if err := r.begin(ctx, OpMotorPower); err != nil {
		return robot.PowerUnknown, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readPowerLocked(), nil
}

func (r *Robot) readPowerLocked() robot.PowerState {
	if r.pendingPower != "" && !r.powerStuck {
		if r.powerLatency > 0 {
			r.powerLatency--
		}
		if r.powerLatency == 0 {
			r.power = r.pendingPower
			r.pendingPower = ""
		}
	}
	return r.power
}

// Stand implements robot.CommandClient.
func (r *Robot) Stand(ctx context.Context, lease robot.Lease) error {
	return r.begin(ctx, OpStand)
}

// Sit implements robot.CommandClient.
func (r *Robot) Sit(ctx context.Context, lease robot.Lease) error {
	return r.begin(ctx, OpSit)
}

// DockID implements robot.DockingClient.
func (r *Robot) DockID(ctx context.Context) (int, bool, error) {
	if err := r.begin(ctx, OpDockID); err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.docked {
		return 0, false, nil
	}
	return r.dockID, true, nil
}

// Undock implements robot.DockingClient.
func (r *Robot) Undock(ctx context.Context, lease robot.Lease) error {
	if err := r.begin(ctx, OpUndock); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docked = false
	return nil
}

// Dock implements robot.DockingClient.
func (r *Robot) Dock(ctx context.Context, lease robot.Lease, dockID int) error {
	if err := r.begin(ctx, OpDock); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docked = true
	r.dockID = dockID
	return nil
}

// ClearGraph implements robot.GraphNavClient.
func (r *Robot) ClearGraph(ctx context.Context, lease robot.Lease) error {
	return r.begin(ctx, OpClearGraph)
}

// UploadGraph implements robot.GraphNavClient.
func (r *Robot) UploadGraph(ctx context.Context, lease robot.Lease, graph []byte, generateNewAnchoring bool) (robot.UploadGraphResult, error) {
	if err := r.begin(ctx, OpUploadGraph); err != nil {
		return robot.UploadGraphResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadedGraphs = append(r.uploadedGraphs, UploadGraphCall{Graph: append([]byte(nil), graph...), GenerateNewAnchoring: generateNewAnchoring})
	return robot.UploadGraphResult{
		UnknownWaypointSnapshotIDs: append([]string(nil), r.unknownWaypointSnapshots...),
		UnknownEdgeSnapshotIDs:     append([]string(nil), r.unknownEdgeSnapshots...),
	}, nil
}

// UploadWaypointSnapshot implements robot.GraphNavClient.
func (r *Robot) UploadWaypointSnapshot(ctx context.Context, lease robot.Lease, snapshot []byte) error {
	if err := r.begin(ctx, OpUploadWaypointSnapshot); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadedWaypoints = append(r.uploadedWaypoints, append([]byte(nil), snapshot...))
	return nil
}

// UploadEdgeSnapshot implements robot.GraphNavClient.
func (r *Robot) UploadEdgeSnapshot(ctx context.Context, lease robot.Lease, snapshot []byte) error {
	if err := r.begin(ctx, OpUploadEdgeSnapshot); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadedEdges = append(r.uploadedEdges, append([]byte(nil), snapshot...))
	return nil
}

// DownloadGraph implements robot.GraphNavClient.
func (r *Robot) DownloadGraph(ctx context.Context) ([]byte, error) {
	if err := r.begin(ctx, OpDownloadGraph); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storedGraph, nil
}

// DownloadWaypointSnapshot implements robot.GraphNavClient.
func (r *Robot) DownloadWaypointSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := r.begin(ctx, OpDownloadWaypointSnapshot); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.storedWaypoints[id]
	if !ok {
		return nil, responseError(OpDownloadWaypointSnapshot, "unknown snapshot "+id)
	}
	return raw, nil
}

// DownloadEdgeSnapshot implements robot.GraphNavClient.
func (r *Robot) DownloadEdgeSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := r.begin(ctx, OpDownloadEdgeSnapshot); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.storedEdges[id]
	if !ok {
		return nil, responseError(OpDownloadEdgeSnapshot, "unknown snapshot "+id)
	}
	return raw, nil
}

// SetLocalization implements robot.GraphNavClient.
func (r *Robot) SetLocalization(ctx context.Context, initialGuess robot.Localization, odomTformBody robot.Pose) error {
	if err := r.begin(ctx, OpSetLocalization); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localizations = append(r.localizations, initialGuess)
	return nil
}

// NavigateTo implements robot.GraphNavClient.
func (r *Robot) NavigateTo(ctx context.Context, req robot.NavigateRequest) (uint32, error) {
	if err := r.begin(ctx, OpNavigateTo); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigations = append(r.navigations, req)
	if req.CommandID != 0 {
		return req.CommandID, nil
	}
	r.nextCommand++
	return r.nextCommand, nil
}

// NavigationFeedback implements robot.GraphNavClient.
func (r *Robot) NavigationFeedback(ctx context.Context, commandID uint32) (robot.NavigationStatus, error) {
	if err := r.begin(ctx, OpNavigationFeedback); err != nil {
		return robot.NavigationUnknown, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.feedback) == 0 {
		return robot.NavigationReachedGoal, nil
	}
	status := r.feedback[0]
	r.feedback = r.feedback[1:]
	return status, nil
}

// MissionState implements robot.MissionClient.
func (r *Robot) MissionState(ctx context.Context) (robot.MissionState, error) {
	if err := r.begin(ctx, OpMissionState); err != nil {
		return robot.MissionState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.missionStates) == 0 {
		return robot.MissionState{Status: robot.MissionSuccess}, nil
	}
	state := r.missionStates[0]
	if len(r.missionStates) > 1 {
		r.missionStates = r.missionStates[1:]
	}
	return state, nil
}

// PlayMission implements robot.MissionClient.
func (r *Robot) PlayMission(ctx context.Context, pauseTime time.Time, leases []robot.Lease, settings robot.PlaySettings) error {
	if err := r.begin(ctx, OpPlayMission); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plays = append(r.plays, PlayCall{PauseTime: pauseTime, Leases: append([]robot.Lease(nil), leases...), Settings: settings})
	return nil
}

// LoadAutowalk implements robot.AutowalkClient.
func (r *Robot) LoadAutowalk(ctx context.Context, walk []byte, leases []robot.Lease) (robot.LoadStatus, error) {
	if err := r.begin(ctx, OpLoadAutowalk); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadedWalks = append(r.loadedWalks, append([]byte(nil), walk...))
	return r.loadStatus, nil
}

// ListFiducials implements robot.WorldObjectClient.
func (r *Robot) ListFiducials(ctx context.Context) ([]robot.WorldObject, error) {
	if err := r.begin(ctx, OpListFiducials); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]robot.WorldObject(nil), r.visible...), nil
}

// RobotState implements robot.StateClient.
func (r *Robot) RobotState(ctx context.Context) (robot.RobotState, error) {
	if err := r.begin(ctx, OpRobotState); err != nil {
		return robot.RobotState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.state
	state.MotorPower = r.power
	return state, nil
}
