package sitemap

import (
	"fmt"
	"math"
	"time"

	"github.com/nholik/spot-sentinel/internal/wire"
)

// Field numbers of the recorded map schema.
const (
	graphWaypoints = 1
	graphEdges     = 2
	graphAnchoring = 3
	anchoringList  = 1

	waypointID          = 1
	waypointSnapshotID  = 2
	waypointAnnotations = 4
	annotationName      = 1
	annotationCreated   = 2
	timestampSeconds    = 1
	timestampNanos      = 2

	edgeID         = 1
	edgeSnapshotID = 2
	edgeIDFrom     = 1
	edgeIDTo       = 2

	snapshotID      = 1
	snapshotObjects = 4

	objectAprilTag   = 4
	aprilTagID       = 1
	objectTransforms = 31
	frameTreeEdges   = 1
	mapEntryKey      = 1
	mapEntryValue    = 2
	parentEdgePose   = 2
	posePosition     = 1
	vecX             = 1
	vecY             = 2
	vecZ             = 3
)

func decodeGraph(raw []byte) (Graph, error) {
	g := Graph{Raw: raw}
	err := wire.Walk(raw, func(f wire.Field) error {
		switch f.Num {
		case graphWaypoints:
			b, err := f.Bytes()
			if err != nil {
				return err
			}
			w, err := decodeWaypoint(b)
			if err != nil {
				return fmt.Errorf("waypoint %d: %w", len(g.Waypoints), err)
			}
			g.Waypoints = append(g.Waypoints, w)
		case graphEdges:
			b, err := f.Bytes()
			if err != nil {
				return err
			}
			e, err := decodeEdge(b)
			if err != nil {
				return fmt.Errorf("edge %d: %w", len(g.Edges), err)
			}
			g.Edges = append(g.Edges, e)
		case graphAnchoring:
			b, err := f.Bytes()
			if err != nil {
				return err
			}
			return wire.Walk(b, func(af wire.Field) error {
				if af.Num == anchoringList {
					g.HasAnchoring = true
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return Graph{}, fmt.Errorf("decode graph: %w", err)
	}
	return g, nil
}

func decodeWaypoint(b []byte) (Waypoint, error) {
	var w Waypoint
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case waypointID:
			w.ID, err = f.String()
		case waypointSnapshotID:
			w.SnapshotID, err = f.String()
		case waypointAnnotations:
			var ab []byte
			if ab, err = f.Bytes(); err == nil {
				err = decodeAnnotations(ab, &w)
			}
		}
		return err
	})
	return w, err
}

func decodeAnnotations(b []byte, w *Waypoint) error {
	return wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case annotationName:
			w.Name, err = f.String()
		case annotationCreated:
			var tb []byte
			if tb, err = f.Bytes(); err == nil {
				w.CreatedAt, err = decodeTimestamp(tb)
			}
		}
		return err
	})
}

func decodeTimestamp(b []byte) (time.Time, error) {
	var secs, nanos uint64
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case timestampSeconds:
			secs, err = f.Varint()
		case timestampNanos:
			nanos, err = f.Varint()
		}
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), int64(int32(nanos))).UTC(), nil
}

func decodeEdge(b []byte) (Edge, error) {
	var e Edge
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case edgeID:
			var ib []byte
			if ib, err = f.Bytes(); err != nil {
				return err
			}
			err = wire.Walk(ib, func(idf wire.Field) error {
				var err error
				switch idf.Num {
				case edgeIDFrom:
					e.From, err = idf.String()
				case edgeIDTo:
					e.To, err = idf.String()
				}
				return err
			})
		case edgeSnapshotID:
			e.SnapshotID, err = f.String()
		}
		return err
	})
	return e, err
}

func decodeWaypointSnapshot(raw []byte) (*WaypointSnapshot, error) {
	s := &WaypointSnapshot{Raw: raw}
	err := wire.Walk(raw, func(f wire.Field) error {
		switch f.Num {
		case snapshotID:
			id, err := f.String()
			s.ID = id
			return err
		case snapshotObjects:
			b, err := f.Bytes()
			if err != nil {
				return err
			}
			fid, ok, err := decodeWorldObject(b)
			if err != nil {
				return fmt.Errorf("object %d: %w", len(s.Fiducials), err)
			}
			if ok {
				s.Fiducials = append(s.Fiducials, fid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode waypoint snapshot: %w", err)
	}
	return s, nil
}

func decodeEdgeSnapshot(raw []byte) (*EdgeSnapshot, error) {
	s := &EdgeSnapshot{Raw: raw}
	err := wire.Walk(raw, func(f wire.Field) error {
		if f.Num == snapshotID {
			id, err := f.String()
			s.ID = id
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode edge snapshot: %w", err)
	}
	return s, nil
}

// decodeWorldObject returns the fiducial carried by a detected object, if any.
func decodeWorldObject(b []byte) (Fiducial, bool, error) {
	var (
		fid        Fiducial
		isTag      bool
		transforms [][]byte
	)
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case objectAprilTag:
			tb, err := f.Bytes()
			if err != nil {
				return err
			}
			isTag = true
			return wire.Walk(tb, func(tf wire.Field) error {
				if tf.Num != aprilTagID {
					return nil
				}
				v, err := tf.Varint()
				fid.TagID = int(int32(v))
				return err
			})
		case objectTransforms:
			tb, err := f.Bytes()
			if err != nil {
				return err
			}
			transforms = append(transforms, tb)
		}
		return nil
	})
	if err != nil || !isTag {
		return Fiducial{}, false, err
	}

	frame := fmt.Sprintf("fiducial_%d", fid.TagID)
	for _, tb := range transforms {
		pos, found, err := findFramePosition(tb, frame)
		if err != nil {
			return Fiducial{}, false, err
		}
		if found {
			fid.Position = pos
			fid.HasTransform = true
		}
	}
	return fid, true, nil
}

func findFramePosition(tree []byte, frame string) (Vec3, bool, error) {
	var (
		pos   Vec3
		found bool
	)
	err := wire.Walk(tree, func(f wire.Field) error {
		if f.Num != frameTreeEdges {
			return nil
		}
		entry, err := f.Bytes()
		if err != nil {
			return err
		}
		var (
			key   string
			value []byte
		)
		err = wire.Walk(entry, func(ef wire.Field) error {
			var err error
			switch ef.Num {
			case mapEntryKey:
				key, err = ef.String()
			case mapEntryValue:
				value, err = ef.Bytes()
			}
			return err
		})
		if err != nil || key != frame {
			return err
		}
		p, err := decodeParentEdgePosition(value)
		if err != nil {
			return fmt.Errorf("frame %s: %w", frame, err)
		}
		pos, found = p, true
		return nil
	})
	return pos, found, err
}

func decodeParentEdgePosition(b []byte) (Vec3, error) {
	var v Vec3
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num != parentEdgePose {
			return nil
		}
		pose, err := f.Bytes()
		if err != nil {
			return err
		}
		return wire.Walk(pose, func(pf wire.Field) error {
			if pf.Num != posePosition {
				return nil
			}
			vb, err := pf.Bytes()
			if err != nil {
				return err
			}
			return wire.Walk(vb, func(vf wire.Field) error {
				var (
					d   float64
					err error
				)
				switch vf.Num {
				case vecX:
					d, err = vf.Double()
					v.X = d
				case vecY:
					d, err = vf.Double()
					v.Y = d
				case vecZ:
					d, err = vf.Double()
					v.Z = d
				}
				return err
			})
		})
	})
	if err == nil && (math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z)) {
		return Vec3{}, fmt.Errorf("position is not a number")
	}
	return v, err
}
