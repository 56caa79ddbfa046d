package sitemap

import (
	"context"
	"fmt"

	"github.com/nholik/spot-sentinel/internal/bundle"
)

// Load reads the graph and every referenced snapshot from src. Any missing
// file fails the whole load.
func Load(ctx context.Context, src bundle.Source) (*Map, error) {
	graphRaw, err := src.Read(ctx, bundle.GraphKey)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	g, err := decodeGraph(graphRaw)
	if err != nil {
		return nil, err
	}

	waypointRecords := make(map[string][]byte)
	for _, w := range g.Waypoints {
		if _, done := waypointRecords[w.SnapshotID]; done || w.SnapshotID == "" {
			continue
		}
		raw, err := src.Read(ctx, bundle.WaypointSnapshotKey(w.SnapshotID))
		if err != nil {
			return nil, fmt.Errorf("load waypoint snapshot for %s: %w", w.ID, err)
		}
		waypointRecords[w.SnapshotID] = raw
	}

	edgeRecords := make(map[string][]byte)
	for _, e := range g.Edges {
		if _, done := edgeRecords[e.SnapshotID]; done || e.SnapshotID == "" {
			continue
		}
		raw, err := src.Read(ctx, bundle.EdgeSnapshotKey(e.SnapshotID))
		if err != nil {
			return nil, fmt.Errorf("load edge snapshot for %s-%s: %w", e.From, e.To, err)
		}
		edgeRecords[e.SnapshotID] = raw
	}

	return build(g, waypointRecords, edgeRecords, src.Describe())
}

// FromRecords builds a Map from raw records keyed by snapshot id, as
// downloaded from the robot.
func FromRecords(graphRaw []byte, waypointRecords, edgeRecords map[string][]byte) (*Map, error) {
	g, err := decodeGraph(graphRaw)
	if err != nil {
		return nil, err
	}
	return build(g, waypointRecords, edgeRecords, "records")
}

func build(g Graph, waypointRecords, edgeRecords map[string][]byte, origin string) (*Map, error) {
	ws := make(map[string]*WaypointSnapshot, len(waypointRecords))
	for _, w := range g.Waypoints {
		if w.SnapshotID == "" || ws[w.SnapshotID] != nil {
			continue
		}
		raw, ok := waypointRecords[w.SnapshotID]
		if !ok {
			return nil, &bundle.NotFoundError{Source: origin, Key: bundle.WaypointSnapshotKey(w.SnapshotID)}
		}
		s, err := decodeWaypointSnapshot(raw)
		if err != nil {
			return nil, fmt.Errorf("waypoint %s: %w", w.ID, err)
		}
		ws[w.SnapshotID] = s
	}

	es := make(map[string]*EdgeSnapshot, len(edgeRecords))
	for _, e := range g.Edges {
		if e.SnapshotID == "" || es[e.SnapshotID] != nil {
			continue
		}
		raw, ok := edgeRecords[e.SnapshotID]
		if !ok {
			return nil, &bundle.NotFoundError{Source: origin, Key: bundle.EdgeSnapshotKey(e.SnapshotID)}
		}
		s, err := decodeEdgeSnapshot(raw)
		if err != nil {
			return nil, fmt.Errorf("edge %s-%s: %w", e.From, e.To, err)
		}
		es[e.SnapshotID] = s
	}
	return newMap(g, ws, es), nil
}

// ParseGraph decodes a graph record without loading its snapshots.
func ParseGraph(raw []byte) (Graph, error) {
	return decodeGraph(raw)
}
