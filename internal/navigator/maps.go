package navigator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/sitemap"
)

// UploadMap uploads the graph and then only the snapshots the robot reports
// as unknown. Graphs without anchoring ask the robot to generate one.
func (n *Navigator) UploadMap(ctx context.Context, m *sitemap.Map) error {
	lease, ok := n.interlock.CurrentLease()
	if !ok {
		return fmt.Errorf("upload map: %w", interlock.ErrNoLease)
	}
	graph := m.Graph()
	res, err := n.client.UploadGraph(ctx, lease, graph.Raw, !graph.HasAnchoring)
	if err != nil {
		return fmt.Errorf("upload graph: %w", err)
	}
	for _, id := range res.UnknownWaypointSnapshotIDs {
		snap, ok := m.WaypointSnapshot(id)
		if !ok {
			return fmt.Errorf("robot requested waypoint snapshot %s missing from map", id)
		}
		if err := n.client.UploadWaypointSnapshot(ctx, lease, snap.Raw); err != nil {
			return fmt.Errorf("upload waypoint snapshot %s: %w", id, err)
		}
	}
	for _, id := range res.UnknownEdgeSnapshotIDs {
		snap, ok := m.EdgeSnapshot(id)
		if !ok {
			return fmt.Errorf("robot requested edge snapshot %s missing from map", id)
		}
		if err := n.client.UploadEdgeSnapshot(ctx, lease, snap.Raw); err != nil {
			return fmt.Errorf("upload edge snapshot %s: %w", id, err)
		}
	}
	n.logger.Info().
		Int("waypoints", len(graph.Waypoints)).
		Int("waypoint_snapshots", len(res.UnknownWaypointSnapshotIDs)).
		Int("edge_snapshots", len(res.UnknownEdgeSnapshotIDs)).
		Str("fingerprint", m.Fingerprint()).
		Msg("map uploaded")
	return nil
}

// ClearMap removes the map from the robot.
func (n *Navigator) ClearMap(ctx context.Context) error {
	lease, ok := n.interlock.CurrentLease()
	if !ok {
		return fmt.Errorf("clear map: %w", interlock.ErrNoLease)
	}
	if err := n.client.ClearGraph(ctx, lease); err != nil {
		return fmt.Errorf("clear graph: %w", err)
	}
	return nil
}

// DownloadMap fetches the map currently loaded on the robot.
func (n *Navigator) DownloadMap(ctx context.Context) (*sitemap.Map, error) {
	raw, err := n.client.DownloadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("download graph: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("download graph: robot has no map")
	}
	graph, err := sitemap.ParseGraph(raw)
	if err != nil {
		return nil, err
	}

	waypoints := make(map[string][]byte)
	for _, w := range graph.Waypoints {
		if _, done := waypoints[w.SnapshotID]; done || w.SnapshotID == "" {
			continue
		}
		snap, err := n.client.DownloadWaypointSnapshot(ctx, w.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("download waypoint snapshot %s: %w", w.SnapshotID, err)
		}
		waypoints[w.SnapshotID] = snap
	}
	edges := make(map[string][]byte)
	for _, e := range graph.Edges {
		if _, done := edges[e.SnapshotID]; done || e.SnapshotID == "" {
			continue
		}
		snap, err := n.client.DownloadEdgeSnapshot(ctx, e.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("download edge snapshot %s: %w", e.SnapshotID, err)
		}
		edges[e.SnapshotID] = snap
	}
	return sitemap.FromRecords(raw, waypoints, edges)
}
