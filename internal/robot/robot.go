// Package robot defines the capabilities of a robot control session that the
// rest of the service depends on. Concrete transports live in subpackages.
package robot

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BodyResource is the lease resource covering the whole robot.
const BodyResource = "body"

// ErrResourceAlreadyClaimed is returned by Acquire when another client holds
// the lease.
var ErrResourceAlreadyClaimed = errors.New("resource already claimed")

// ResponseError is an error status returned by the robot for a request.
type ResponseError struct {
	Op      string
	Status  string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: robot responded %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: robot responded %s: %s", e.Op, e.Status, e.Message)
}

// Lease is the opaque ownership token presented with every command.
type Lease struct {
	Resource string   `json:"resource"`
	Epoch    string   `json:"epoch"`
	Sequence []uint32 `json:"sequence"`
}

// IsZero reports whether l is the empty lease.
func (l Lease) IsZero() bool {
	return l.Resource == "" && l.Epoch == "" && len(l.Sequence) == 0
}

// Advance returns the next lease in the sequence. The receiver is not
// modified.
func (l Lease) Advance() Lease {
	next := Lease{Resource: l.Resource, Epoch: l.Epoch, Sequence: append([]uint32(nil), l.Sequence...)}
	if len(next.Sequence) == 0 {
		next.Sequence = []uint32{1}
		return next
	}
	next.Sequence[len(next.Sequence)-1]++
	return next
}

// StopLevel is the stop level reported for estop endpoints.
type StopLevel string

const (
	StopLevelNone          StopLevel = "none"
	StopLevelCut           StopLevel = "cut"
	StopLevelSettleThenCut StopLevel = "settle_then_cut"
	StopLevelUnknown       StopLevel = "unknown"
)

// EstopEndpoint identifies a registered estop endpoint.
type EstopEndpoint struct {
	Name     string        `json:"name"`
	Role     string        `json:"role"`
	UniqueID string        `json:"unique_id"`
	Timeout  time.Duration `json:"timeout"`
}

// PowerState is the motor power state.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// Vec3 is a position in meters.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a rotation.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose is a rigid transform.
type Pose struct {
	Position Vec3       `json:"position"`
	Rotation Quaternion `json:"rotation"`
}

// Localization is a pose relative to a map waypoint. The zero value asks the
// robot to localize from scratch.
type Localization struct {
	WaypointID        string `json:"waypoint_id,omitempty"`
	WaypointTformBody *Pose  `json:"waypoint_tform_body,omitempty"`
}

// NavigationStatus is the feedback status of a navigate-to command.
type NavigationStatus string

const (
	NavigationUnknown        NavigationStatus = "unknown"
	NavigationFollowingRoute NavigationStatus = "following_route"
	NavigationReachedGoal    NavigationStatus = "reached_goal"
	NavigationLost           NavigationStatus = "lost"
	NavigationStuck          NavigationStatus = "stuck"
	NavigationImpaired       NavigationStatus = "robot_impaired"
)

// NavigateRequest asks the robot to walk to a waypoint. A non-zero CommandID
// continues an earlier command.
type NavigateRequest struct {
	WaypointID string
	Lease      Lease
	CommandID  uint32
	Timeout    time.Duration
}

// UploadGraphResult lists the snapshots the robot does not have yet.
type UploadGraphResult struct {
	UnknownWaypointSnapshotIDs []string `json:"unknown_waypoint_snapshot_ids"`
	UnknownEdgeSnapshotIDs     []string `json:"unknown_edge_snapshot_ids"`
}

// MissionStatus is the robot-side mission state.
type MissionStatus string

const (
	MissionNone    MissionStatus = "none"
	MissionRunning MissionStatus = "running"
	MissionSuccess MissionStatus = "success"
	MissionFailure MissionStatus = "failure"
	MissionPaused  MissionStatus = "paused"
	MissionError   MissionStatus = "error"
	MissionStopped MissionStatus = "stopped"
)

// Severity of a mission question.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Question is a prompt raised by a running mission.
type Question struct {
	ID       int64    `json:"id"`
	Source   string   `json:"source"`
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
}

// MissionState is the state of the mission loaded on the robot.
type MissionState struct {
	Status    MissionStatus `json:"status"`
	Questions []Question    `json:"questions"`
}

// PlaySettings tune mission playback.
type PlaySettings struct {
	DisableDirectedExploration   bool `json:"disable_directed_exploration"`
	DisableAlternateRouteFinding bool `json:"disable_alternate_route_finding"`
}

// LoadStatus is the result of loading a walk.
type LoadStatus string

const (
	LoadStatusOK LoadStatus = "ok"
)

// WorldObject is an object currently perceived by the robot.
type WorldObject struct {
	Name  string `json:"name"`
	TagID int    `json:"tag_id"`
}

// RobotState is a snapshot of the robot state feed.
type RobotState struct {
	MotorPower     PowerState `json:"motor_power"`
	BatteryPercent float64    `json:"battery_percent"`
	ShorePower     bool       `json:"shore_power"`
	OdomTformBody  Pose       `json:"odom_tform_body"`
}

// LeaseClient manages lease ownership.
type LeaseClient interface {
	Acquire(ctx context.Context, resource string) (Lease, error)
	Take(ctx context.Context, resource string) (Lease, error)
	Return(ctx context.Context, lease Lease) error
	Retain(ctx context.Context, lease Lease) error
}

// EstopClient manages estop endpoints.
type EstopClient interface {
	Register(ctx context.Context, name string, timeout time.Duration) (EstopEndpoint, error)
	CheckIn(ctx context.Context, endpoint EstopEndpoint, level StopLevel) error
	Deregister(ctx context.Context, endpoint EstopEndpoint) error
	StopLevel(ctx context.Context) (StopLevel, error)
}

// PowerClient switches motor power. Both commands return once accepted; the
// caller confirms the transition through MotorPower.
type PowerClient interface {
	PowerOn(ctx context.Context, lease Lease) error
	PowerOff(ctx context.Context, lease Lease) error
	MotorPower(ctx context.Context) (PowerState, error)
}

// CommandClient issues simple body commands.
type CommandClient interface {
	Stand(ctx context.Context, lease Lease) error
	Sit(ctx context.Context, lease Lease) error
}

// DockingClient docks and undocks. Undock and Dock block until the robot
// finishes.
type DockingClient interface {
	DockID(ctx context.Context) (int, bool, error)
	Undock(ctx context.Context, lease Lease) error
	Dock(ctx context.Context, lease Lease, dockID int) error
}

// GraphNavClient talks to the robot navigation service.
type GraphNavClient interface {
	ClearGraph(ctx context.Context, lease Lease) error
	UploadGraph(ctx context.Context, lease Lease, graph []byte, generateNewAnchoring bool) (UploadGraphResult, error)
	UploadWaypointSnapshot(ctx context.Context, lease Lease, snapshot []byte) error
	UploadEdgeSnapshot(ctx context.Context, lease Lease, snapshot []byte) error
	DownloadGraph(ctx context.Context) ([]byte, error)
	DownloadWaypointSnapshot(ctx context.Context, id string) ([]byte, error)
	DownloadEdgeSnapshot(ctx context.Context, id string) ([]byte, error)
	SetLocalization(ctx context.Context, initialGuess Localization, odomTformBody Pose) error
	NavigateTo(ctx context.Context, req NavigateRequest) (uint32, error)
	NavigationFeedback(ctx context.Context, commandID uint32) (NavigationStatus, error)
}

// MissionClient controls mission playback.
type MissionClient interface {
	MissionState(ctx context.Context) (MissionState, error)
	PlayMission(ctx context.Context, pauseTime time.Time, leases []Lease, settings PlaySettings) error
}

// AutowalkClient loads recorded walks.
type AutowalkClient interface {
	LoadAutowalk(ctx context.Context, walk []byte, leases []Lease) (LoadStatus, error)
}

// WorldObjectClient lists perceived objects.
type WorldObjectClient interface {
	ListFiducials(ctx context.Context) ([]WorldObject, error)
}

// StateClient reads the robot state feed.
type StateClient interface {
	RobotState(ctx context.Context) (RobotState, error)
}

// Session is a connected robot control session.
type Session interface {
	LeaseClient
	EstopClient
	PowerClient
	CommandClient
	DockingClient
	GraphNavClient
	MissionClient
	AutowalkClient
	WorldObjectClient
	StateClient
}
