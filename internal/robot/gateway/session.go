package gateway

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/nholik/spot-sentinel/internal/robot"
)

type leaseRequest struct {
	Resource string `json:"resource"`
}

type leaseBody struct {
	Lease robot.Lease `json:"lease"`
}

type leasesBody struct {
	Leases []robot.Lease `json:"leases"`
}

// Acquire implements robot.LeaseClient.
func (c *Client) Acquire(ctx context.Context, resource string) (robot.Lease, error) {
	var out leaseBody
	err := c.post(ctx, "lease acquire", "/lease/acquire", leaseRequest{Resource: resource}, &out)
	return out.Lease, err
}

// Take implements robot.LeaseClient.
func (c *Client) Take(ctx context.Context, resource string) (robot.Lease, error) {
	var out leaseBody
	err := c.post(ctx, "lease take", "/lease/take", leaseRequest{Resource: resource}, &out)
	return out.Lease, err
}

// Return implements robot.LeaseClient.
func (c *Client) Return(ctx context.Context, lease robot.Lease) error {
	return c.post(ctx, "lease return", "/lease/return", leaseBody{Lease: lease}, nil)
}

// Retain implements robot.LeaseClient.
func (c *Client) Retain(ctx context.Context, lease robot.Lease) error {
	return c.post(ctx, "lease retain", "/lease/retain", leaseBody{Lease: lease}, nil)
}

type estopRegisterRequest struct {
	Name      string `json:"name"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type estopEndpointBody struct {
	Endpoint robot.EstopEndpoint `json:"endpoint"`
}

type estopCheckInRequest struct {
	Endpoint robot.EstopEndpoint `json:"endpoint"`
	Level    robot.StopLevel     `json:"level"`
}

type estopStatusBody struct {
	Level robot.StopLevel `json:"level"`
}

// Register implements robot.EstopClient.
func (c *Client) Register(ctx context.Context, name string, timeout time.Duration) (robot.EstopEndpoint, error) {
	var out estopEndpointBody
	err := c.post(ctx, "estop register", "/estop/register", estopRegisterRequest{Name: name, TimeoutMS: timeout.Milliseconds()}, &out)
	return out.Endpoint, err
}

// CheckIn implements robot.EstopClient.
func (c *Client) CheckIn(ctx context.Context, endpoint robot.EstopEndpoint, level robot.StopLevel) error {
	return c.post(ctx, "estop check-in", "/estop/check-in", estopCheckInRequest{Endpoint: endpoint, Level: level}, nil)
}

// Deregister implements robot.EstopClient.
func (c *Client) Deregister(ctx context.Context, endpoint robot.EstopEndpoint) error {
	return c.post(ctx, "estop deregister", "/estop/deregister", estopEndpointBody{Endpoint: endpoint}, nil)
}

// StopLevel implements robot.EstopClient.
func (c *Client) StopLevel(ctx context.Context) (robot.StopLevel, error) {
	var out estopStatusBody
	if err := c.get(ctx, "estop status", "/estop/status", &out); err != nil {
		return robot.StopLevelUnknown, err
	}
	return out.Level, nil
}

// PowerOn implements robot.PowerClient.
func (c *Client) PowerOn(ctx context.Context, lease robot.Lease) error {
	return c.post(ctx, "power on", "/power/on", leaseBody{Lease: lease}, nil)
}

// PowerOff implements robot.PowerClient.
func (c *Client) PowerOff(ctx context.Context, lease robot.Lease) error {
	return c.post(ctx, "power off", "/power/off", leaseBody{Lease: lease}, nil)
}

// MotorPower implements robot.PowerClient.
func (c *Client) MotorPower(ctx context.Context) (robot.PowerState, error) {
	state, err := c.RobotState(ctx)
	if err != nil {
		return robot.PowerUnknown, err
	}
	return state.MotorPower, nil
}

// RobotState implements robot.StateClient.
func (c *Client) RobotState(ctx context.Context) (robot.RobotState, error) {
	var out robot.RobotState
	err := c.get(ctx, "robot state", "/state", &out)
	return out, err
}

// Stand implements robot.CommandClient.
func (c *Client) Stand(ctx context.Context, lease robot.Lease) error {
	return c.post(ctx, "stand", "/command/stand", leaseBody{Lease: lease}, nil)
}

// Sit implements robot.CommandClient.
func (c *Client) Sit(ctx context.Context, lease robot.Lease) error {
	return c.post(ctx, "sit", "/command/sit", leaseBody{Lease: lease}, nil)
}

type dockStateBody struct {
	Docked bool `json:"docked"`
	DockID int  `json:"dock_id"`
}

type dockRequest struct {
	Lease  robot.Lease `json:"lease"`
	DockID int         `json:"dock_id"`
}

// DockID implements robot.DockingClient.
func (c *Client) DockID(ctx context.Context) (int, bool, error) {
	var out dockStateBody
	if err := c.get(ctx, "docking state", "/docking/state", &out); err != nil {
		return 0, false, err
	}
	return out.DockID, out.Docked, nil
}

// Undock implements robot.DockingClient.
func (c *Client) Undock(ctx context.Context, lease robot.Lease) error {
	return c.postWithin(ctx, c.dockTimeout, "undock", "/docking/undock", leaseBody{Lease: lease}, nil)
}

// Dock implements robot.DockingClient.
func (c *Client) Dock(ctx context.Context, lease robot.Lease, dockID int) error {
	return c.postWithin(ctx, c.dockTimeout, "dock", "/docking/dock", dockRequest{Lease: lease, DockID: dockID}, nil)
}

type uploadGraphRequest struct {
	Lease                robot.Lease `json:"lease"`
	Graph                []byte      `json:"graph"`
	GenerateNewAnchoring bool        `json:"generate_new_anchoring"`
}

type snapshotBody struct {
	Lease    *robot.Lease `json:"lease,omitempty"`
	Snapshot []byte       `json:"snapshot"`
}

type graphBody struct {
	Graph []byte `json:"graph"`
}

type localizationRequest struct {
	InitialGuess  robot.Localization `json:"initial_guess"`
	OdomTformBody robot.Pose         `json:"odom_tform_body"`
}

type navigateRequest struct {
	WaypointID string      `json:"waypoint_id"`
	Lease      robot.Lease `json:"lease"`
	CommandID  uint32      `json:"command_id,omitempty"`
	TimeoutMS  int64       `json:"timeout_ms,omitempty"`
}

type commandBody struct {
	CommandID uint32 `json:"command_id"`
}

type feedbackBody struct {
	Status robot.NavigationStatus `json:"status"`
}

// ClearGraph implements robot.GraphNavClient.
func (c *Client) ClearGraph(ctx context.Context, lease robot.Lease) error {
	return c.post(ctx, "clear graph", "/graph-nav/clear", leaseBody{Lease: lease}, nil)
}

// UploadGraph implements robot.GraphNavClient.
func (c *Client) UploadGraph(ctx context.Context, lease robot.Lease, graph []byte, generateNewAnchoring bool) (robot.UploadGraphResult, error) {
	var out robot.UploadGraphResult
	err := c.post(ctx, "upload graph", "/graph-nav/graph", uploadGraphRequest{Lease: lease, Graph: graph, GenerateNewAnchoring: generateNewAnchoring}, &out)
	return out, err
}

// UploadWaypointSnapshot implements robot.GraphNavClient.
func (c *Client) UploadWaypointSnapshot(ctx context.Context, lease robot.Lease, snapshot []byte) error {
	return c.post(ctx, "upload waypoint snapshot", "/graph-nav/waypoint-snapshots", snapshotBody{Lease: &lease, Snapshot: snapshot}, nil)
}

// UploadEdgeSnapshot implements robot.GraphNavClient.
func (c *Client) UploadEdgeSnapshot(ctx context.Context, lease robot.Lease, snapshot []byte) error {
	return c.post(ctx, "upload edge snapshot", "/graph-nav/edge-snapshots", snapshotBody{Lease: &lease, Snapshot: snapshot}, nil)
}

// DownloadGraph implements robot.GraphNavClient.
func (c *Client) DownloadGraph(ctx context.Context) ([]byte, error) {
	var out graphBody
	err := c.get(ctx, "download graph", "/graph-nav/graph", &out)
	return out.Graph, err
}

// DownloadWaypointSnapshot implements robot.GraphNavClient.
func (c *Client) DownloadWaypointSnapshot(ctx context.Context, id string) ([]byte, error) {
	var out snapshotBody
	err := c.get(ctx, "download waypoint snapshot", "/graph-nav/waypoint-snapshots/"+url.PathEscape(id), &out)
	return out.Snapshot, err
}

// DownloadEdgeSnapshot implements robot.GraphNavClient.
func (c *Client) DownloadEdgeSnapshot(ctx context.Context, id string) ([]byte, error) {
	var out snapshotBody
	err := c.get(ctx, "download edge snapshot", "/graph-nav/edge-snapshots/"+url.PathEscape(id), &out)
	return out.Snapshot, err
}

// SetLocalization implements robot.GraphNavClient.
func (c *Client) SetLocalization(ctx context.Context, initialGuess robot.Localization, odomTformBody robot.Pose) error {
	return c.post(ctx, "set localization", "/graph-nav/localization", localizationRequest{InitialGuess: initialGuess, OdomTformBody: odomTformBody}, nil)
}

// NavigateTo implements robot.GraphNavClient.
func (c *Client) NavigateTo(ctx context.Context, req robot.NavigateRequest) (uint32, error) {
	var out commandBody
	body := navigateRequest{
		WaypointID: req.WaypointID,
		Lease:      req.Lease,
		CommandID:  req.CommandID,
		TimeoutMS:  req.Timeout.Milliseconds(),
	}
	err := c.post(ctx, "navigate to", "/graph-nav/navigate-to", body, &out)
	return out.CommandID, err
}

// NavigationFeedback implements robot.GraphNavClient.
func (c *Client) NavigationFeedback(ctx context.Context, commandID uint32) (robot.NavigationStatus, error) {
	var out feedbackBody
	if err := c.get(ctx, "navigation feedback", "/graph-nav/feedback/"+strconv.FormatUint(uint64(commandID), 10), &out); err != nil {
		return robot.NavigationUnknown, err
	}
	return out.Status, nil
}

type playRequest struct {
	PauseTime time.Time          `json:"pause_time"`
	Leases    []robot.Lease      `json:"leases"`
	Settings  robot.PlaySettings `json:"settings"`
}

type loadAutowalkRequest struct {
	Walk   []byte        `json:"walk"`
	Leases []robot.Lease `json:"leases"`
}

type loadAutowalkBody struct {
	Status robot.LoadStatus `json:"status"`
}

type fiducialsBody struct {
	Objects []robot.WorldObject `json:"objects"`
}

// MissionState implements robot.MissionClient.
func (c *Client) MissionState(ctx context.Context) (robot.MissionState, error) {
	var out robot.MissionState
	err := c.get(ctx, "mission state", "/mission/state", &out)
	return out, err
}

// PlayMission implements robot.MissionClient.
func (c *Client) PlayMission(ctx context.Context, pauseTime time.Time, leases []robot.Lease, settings robot.PlaySettings) error {
	return c.post(ctx, "play mission", "/mission/play", playRequest{PauseTime: pauseTime.UTC(), Leases: leases, Settings: settings}, nil)
}

// LoadAutowalk implements robot.AutowalkClient.
func (c *Client) LoadAutowalk(ctx context.Context, walk []byte, leases []robot.Lease) (robot.LoadStatus, error) {
	var out loadAutowalkBody
	err := c.post(ctx, "load autowalk", "/autowalk/load", loadAutowalkRequest{Walk: walk, Leases: leases}, &out)
	return out.Status, err
}

// ListFiducials implements robot.WorldObjectClient.
func (c *Client) ListFiducials(ctx context.Context) ([]robot.WorldObject, error) {
	var out fiducialsBody
	err := c.get(ctx, "list fiducials", "/world-objects?type=apriltag", &out)
	return out.Objects, err
}
