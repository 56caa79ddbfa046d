package sitemap

import (
	"sort"
)

// Candidate is a waypoint that observed a fiducial, with the distance from
// the waypoint origin to the marker.
type Candidate struct {
	WaypointID string
	Distance   float64
}

// Fiducials returns every tag id observed in any waypoint snapshot, ascending.
func (m *Map) Fiducials() []int {
	seen := make(map[int]struct{})
	for _, w := range m.graph.Waypoints {
		s, ok := m.waypointSnapshots[w.SnapshotID]
		if !ok {
			continue
		}
		for _, f := range s.Fiducials {
			seen[f.TagID] = struct{}{}
		}
	}
	tags := make([]int, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Ints(tags)
	return tags
}

// FiducialCandidates returns all waypoints whose snapshot holds a transform
// for tag, nearest first. Ties are ordered by waypoint id.
func (m *Map) FiducialCandidates(tag int) []Candidate {
	var out []Candidate
	for _, w := range m.graph.Waypoints {
		s, ok := m.waypointSnapshots[w.SnapshotID]
		if !ok {
			continue
		}
		for _, f := range s.Fiducials {
			if f.TagID != tag || !f.HasTransform {
				continue
			}
			out = append(out, Candidate{WaypointID: w.ID, Distance: f.Position.Norm()})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].WaypointID < out[j].WaypointID
	})
	return out
}

// WaypointByFiducial returns the waypoint nearest to tag. For dock markers,
// waypoints closer than DockMinDistance are skipped.
func (m *Map) WaypointByFiducial(tag int) (string, error) {
	for _, c := range m.FiducialCandidates(tag) {
		if IsDock(tag) && c.Distance < DockMinDistance {
			continue
		}
		return c.WaypointID, nil
	}
	return "", ErrFiducialNotFound
}
