// Package sitemap holds the recorded site graph (waypoints, edges and their
// sensor snapshots) and answers path and fiducial queries against it.
package sitemap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"time"
)

// DockFiducialMin is the smallest tag id used by docking station markers.
const DockFiducialMin = 500

// DockMinDistance excludes waypoints recorded on top of a dock.
const DockMinDistance = 1.0

var (
	// ErrWaypointNotFound is returned for unknown waypoint ids.
	ErrWaypointNotFound = errors.New("waypoint not found")
	// ErrFiducialNotFound is returned when no waypoint observes a fiducial.
	ErrFiducialNotFound = errors.New("fiducial not found")
)

// Waypoint is a recorded location node.
type Waypoint struct {
	ID         string
	SnapshotID string
	Name       string
	CreatedAt  time.Time
}

// Edge connects two waypoints. Traversal is undirected.
type Edge struct {
	From       string
	To         string
	SnapshotID string
}

// Vec3 is a position in meters.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean distance from the origin.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Fiducial is a visual marker observed in a waypoint snapshot. Position is
// relative to the waypoint frame and only valid when HasTransform is set.
type Fiducial struct {
	TagID        int
	Position     Vec3
	HasTransform bool
}

// IsDock reports whether the tag marks a docking station.
func IsDock(tagID int) bool {
	return tagID >= DockFiducialMin
}

// WaypointSnapshot is the sensor record captured at a waypoint.
type WaypointSnapshot struct {
	ID        string
	Fiducials []Fiducial
	Raw       []byte
}

// EdgeSnapshot is the sensor record captured along an edge.
type EdgeSnapshot struct {
	ID  string
	Raw []byte
}

// Graph is the decoded graph record.
type Graph struct {
	Waypoints    []Waypoint
	Edges        []Edge
	HasAnchoring bool
	Raw          []byte
}

// Map is an immutable site map.
type Map struct {
	graph             Graph
	waypointSnapshots map[string]*WaypointSnapshot
	edgeSnapshots     map[string]*EdgeSnapshot
	waypoints         map[string]Waypoint
	adjacency         map[string][]string
}

func newMap(g Graph, ws map[string]*WaypointSnapshot, es map[string]*EdgeSnapshot) *Map {
	m := &Map{
		graph:             g,
		waypointSnapshots: ws,
		edgeSnapshots:     es,
		waypoints:         make(map[string]Waypoint, len(g.Waypoints)),
		adjacency:         make(map[string][]string),
	}
	for _, w := range g.Waypoints {
		m.waypoints[w.ID] = w
	}
	seen := make(map[[2]string]bool)
	for _, e := range g.Edges {
		for _, pair := range [][2]string{{e.From, e.To}, {e.To, e.From}} {
			if seen[pair] {
				continue
			}
			seen[pair] = true
			m.adjacency[pair[0]] = append(m.adjacency[pair[0]], pair[1])
		}
	}
	for id := range m.adjacency {
		sort.Strings(m.adjacency[id])
	}
	return m
}

// Graph returns the decoded graph record.
func (m *Map) Graph() Graph {
	return m.graph
}

// Waypoints returns the waypoints in recorded order.
func (m *Map) Waypoints() []Waypoint {
	return append([]Waypoint(nil), m.graph.Waypoints...)
}

// Edges returns the edges in recorded order.
func (m *Map) Edges() []Edge {
	return append([]Edge(nil), m.graph.Edges...)
}

// Waypoint looks up a waypoint by id.
func (m *Map) Waypoint(id string) (Waypoint, error) {
	w, ok := m.waypoints[id]
	if !ok {
		return Waypoint{}, ErrWaypointNotFound
	}
	return w, nil
}

// WaypointSnapshot returns the snapshot record with the given id.
func (m *Map) WaypointSnapshot(id string) (*WaypointSnapshot, bool) {
	s, ok := m.waypointSnapshots[id]
	return s, ok
}

// EdgeSnapshot returns the edge snapshot record with the given id.
func (m *Map) EdgeSnapshot(id string) (*EdgeSnapshot, bool) {
	s, ok := m.edgeSnapshots[id]
	return s, ok
}

// FirstWaypoint returns the earliest recorded waypoint. Missions recorded by
// walking start there.
func (m *Map) FirstWaypoint() (Waypoint, bool) {
	if len(m.graph.Waypoints) == 0 {
		return Waypoint{}, false
	}
	first := m.graph.Waypoints[0]
	for _, w := range m.graph.Waypoints[1:] {
		if w.CreatedAt.Before(first.CreatedAt) {
			first = w
		}
	}
	return first, true
}

// Fingerprint returns the SHA-256 of the graph record.
func (m *Map) Fingerprint() string {
	sum := sha256.Sum256(m.graph.Raw)
	return hex.EncodeToString(sum[:])
}
