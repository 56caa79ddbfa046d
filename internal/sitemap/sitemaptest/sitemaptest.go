// Package sitemaptest encodes site bundle records for tests.
package sitemaptest

import (
	"fmt"
	"time"

	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/wire"
)

// Waypoint describes a waypoint record.
type Waypoint struct {
	ID         string
	SnapshotID string
	Name       string
	Created    time.Time
}

// Edge describes an edge record.
type Edge struct {
	From       string
	To         string
	SnapshotID string
}

// Fiducial describes an apriltag object in a waypoint snapshot.
type Fiducial struct {
	Tag         int
	X, Y, Z     float64
	NoTransform bool
}

// Site is a complete bundle.
type Site struct {
	Waypoints []Waypoint
	Edges     []Edge
	Anchored  bool
	// Snapshots maps waypoint snapshot ids to the fiducials they observed.
	Snapshots map[string][]Fiducial
	// Missions maps mission names to walk records.
	Missions map[string][]byte
}

// Files returns the bundle files keyed like a bundle.Source.
func (s Site) Files() map[string][]byte {
	files := map[string][]byte{
		bundle.GraphKey: GraphRecord(s.Waypoints, s.Edges, s.Anchored),
	}
	for id, fids := range s.Snapshots {
		files[bundle.WaypointSnapshotKey(id)] = WaypointSnapshotRecord(id, fids...)
	}
	for _, e := range s.Edges {
		if e.SnapshotID != "" {
			files[bundle.EdgeSnapshotKey(e.SnapshotID)] = EdgeSnapshotRecord(e.SnapshotID)
		}
	}
	for name, walk := range s.Missions {
		files[bundle.MissionKey(name)] = walk
	}
	return files
}

// Source returns the site as an in-memory bundle.
func (s Site) Source() *bundle.MemorySource {
	return bundle.NewMemorySource(s.Files())
}

// GraphRecord encodes a graph record.
func GraphRecord(waypoints []Waypoint, edges []Edge, anchored bool) []byte {
	var b []byte
	for _, w := range waypoints {
		var ann []byte
		ann = wire.AppendString(ann, 1, w.Name)
		if !w.Created.IsZero() {
			var ts []byte
			ts = wire.AppendVarint(ts, 1, uint64(w.Created.Unix()))
			ts = wire.AppendVarint(ts, 2, uint64(w.Created.Nanosecond()))
			ann = wire.AppendMessage(ann, 2, ts)
		}
		var wb []byte
		wb = wire.AppendString(wb, 1, w.ID)
		if w.SnapshotID != "" {
			wb = wire.AppendString(wb, 2, w.SnapshotID)
		}
		wb = wire.AppendMessage(wb, 4, ann)
		b = wire.AppendMessage(b, 1, wb)
	}
	for _, e := range edges {
		var id []byte
		id = wire.AppendString(id, 1, e.From)
		id = wire.AppendString(id, 2, e.To)
		var eb []byte
		eb = wire.AppendMessage(eb, 1, id)
		if e.SnapshotID != "" {
			eb = wire.AppendString(eb, 2, e.SnapshotID)
		}
		b = wire.AppendMessage(b, 2, eb)
	}
	if anchored {
		anchor := wire.AppendString(nil, 1, "anchor-0")
		b = wire.AppendMessage(b, 3, wire.AppendMessage(nil, 1, anchor))
	}
	return b
}

// WaypointSnapshotRecord encodes a waypoint snapshot holding one apriltag
// object per fiducial plus one object without a tag.
func WaypointSnapshotRecord(id string, fiducials ...Fiducial) []byte {
	var b []byte
	b = wire.AppendString(b, 1, id)
	b = wire.AppendMessage(b, 4, wire.AppendString(nil, 2, "body"))
	for _, f := range fiducials {
		var obj []byte
		obj = wire.AppendString(obj, 2, fmt.Sprintf("world_obj_apriltag_%d", f.Tag))
		obj = wire.AppendMessage(obj, 4, wire.AppendVarint(nil, 1, uint64(f.Tag)))
		if !f.NoTransform {
			var vec []byte
			vec = wire.AppendDouble(vec, 1, f.X)
			vec = wire.AppendDouble(vec, 2, f.Y)
			vec = wire.AppendDouble(vec, 3, f.Z)
			pose := wire.AppendMessage(nil, 1, vec)
			var parent []byte
			parent = wire.AppendString(parent, 1, "waypoint")
			parent = wire.AppendMessage(parent, 2, pose)
			var entry []byte
			entry = wire.AppendString(entry, 1, fmt.Sprintf("fiducial_%d", f.Tag))
			entry = wire.AppendMessage(entry, 2, parent)
			obj = wire.AppendMessage(obj, 31, wire.AppendMessage(nil, 1, entry))
		}
		b = wire.AppendMessage(b, 4, obj)
	}
	return b
}

// EdgeSnapshotRecord encodes an edge snapshot.
func EdgeSnapshotRecord(id string) []byte {
	return wire.AppendString(nil, 1, id)
}
