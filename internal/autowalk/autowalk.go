// Package autowalk handles recorded mission files. Records are kept as raw
// bytes; only the playback mode is ever rewritten.
package autowalk

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/robot"
	"github.com/nholik/spot-sentinel/internal/wire"
)

// Walk record field numbers.
const (
	fieldMissionName  protowire.Number = 1
	fieldPlaybackMode protowire.Number = 3
)

// PlaybackMode oneof members.
const (
	fieldOnce       protowire.Number = 1
	fieldPeriodic   protowire.Number = 2
	fieldContinuous protowire.Number = 3
)

const fieldSkipDockingAfterCompletion protowire.Number = 1

// Walk is a recorded mission.
type Walk struct {
	// Name is the mission name stored inside the record.
	Name string
	Raw  []byte
}

// LoadError reports a mission the robot refused to load.
type LoadError struct {
	Mission string
	Status  robot.LoadStatus
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("robot rejected mission %q: load status %s", e.Mission, e.Status)
}

// Parse decodes a walk record.
func Parse(raw []byte) (*Walk, error) {
	w := &Walk{Raw: raw}
	err := wire.Walk(raw, func(f wire.Field) error {
		if f.Num != fieldMissionName {
			return nil
		}
		name, err := f.String()
		if err != nil {
			return err
		}
		w.Name = name
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse walk: %w", err)
	}
	return w, nil
}

// Load reads missions/<name>.walk from src.
func Load(ctx context.Context, src bundle.Source, name string) (*Walk, error) {
	raw, err := src.Read(ctx, bundle.MissionKey(name))
	if err != nil {
		return nil, err
	}
	w, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mission %s: %w", name, err)
	}
	if w.Name == "" {
		w.Name = name
	}
	return w, nil
}

// List returns the mission names in src, sorted.
func List(ctx context.Context, src bundle.Source) ([]string, error) {
	keys, err := src.List(ctx, bundle.MissionsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list missions in %s: %w", src.Describe(), err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		if name, ok := bundle.MissionName(key); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// SkipDocking returns a copy of w that plays once and does not dock when it
// completes. Every other field is kept byte-for-byte.
func (w *Walk) SkipDocking() (*Walk, error) {
	fields, err := wire.Fields(w.Raw)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", w.Name, err)
	}

	var merged []byte
	first := -1
	for i, f := range fields {
		if f.Num != fieldPlaybackMode {
			continue
		}
		payload, err := f.Bytes()
		if err != nil {
			return nil, fmt.Errorf("walk %s playback mode: %w", w.Name, err)
		}
		merged = append(merged, payload...)
		if first < 0 {
			first = i
		}
	}
	mode, err := onceWithoutDocking(merged)
	if err != nil {
		return nil, fmt.Errorf("walk %s playback mode: %w", w.Name, err)
	}
	encoded := wire.AppendMessage(nil, fieldPlaybackMode, mode)

	out := make([]byte, 0, len(w.Raw)+len(encoded))
	for i, f := range fields {
		switch {
		case i == first:
			out = append(out, encoded...)
		case f.Num == fieldPlaybackMode:
		default:
			out = append(out, f.Raw...)
		}
	}
	if first < 0 {
		out = append(out, encoded...)
	}
	return &Walk{Name: w.Name, Raw: out}, nil
}

// onceWithoutDocking rewrites a playback mode so the "once" member is set
// with skip-docking enabled.
func onceWithoutDocking(mode []byte) ([]byte, error) {
	var rest, once []byte
	err := wire.Walk(mode, func(f wire.Field) error {
		switch f.Num {
		case fieldOnce:
			payload, err := f.Bytes()
			if err != nil {
				return err
			}
			return wire.Walk(payload, func(sub wire.Field) error {
				if sub.Num != fieldSkipDockingAfterCompletion {
					once = append(once, sub.Raw...)
				}
				return nil
			})
		case fieldPeriodic, fieldContinuous:
			// A later oneof member replaces an earlier "once".
			once = nil
		default:
			rest = append(rest, f.Raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	once = wire.AppendBool(once, fieldSkipDockingAfterCompletion, true)
	return wire.AppendMessage(rest, fieldOnce, once), nil
}

// SkipsDocking reports whether w plays once and skips docking at the end.
// A malformed walk returns false with the decode error.
func (w *Walk) SkipsDocking() (bool, error) {
	skip := false
	err := wire.Walk(w.Raw, func(f wire.Field) error {
		if f.Num != fieldPlaybackMode {
			return nil
		}
		payload, err := f.Bytes()
		if err != nil {
			return err
		}
		return wire.Walk(payload, func(m wire.Field) error {
			switch m.Num {
			case fieldPeriodic, fieldContinuous:
				skip = false
			case fieldOnce:
				once, err := m.Bytes()
				if err != nil {
					return err
				}
				return wire.Walk(once, func(sub wire.Field) error {
					if sub.Num == fieldSkipDockingAfterCompletion {
						v, err := sub.Varint()
						if err != nil {
							return err
						}
						skip = v != 0
					}
					return nil
				})
			}
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("decoding walk %q: %w", w.Name, err)
	}
	return skip, nil
}

// Upload loads w into the robot's mission service.
func Upload(ctx context.Context, client robot.AutowalkClient, w *Walk, leases []robot.Lease) error {
	status, err := client.LoadAutowalk(ctx, w.Raw, leases)
	if err != nil {
		return fmt.Errorf("load mission %s: %w", w.Name, err)
	}
	if status != robot.LoadStatusOK {
		return &LoadError{Mission: w.Name, Status: status}
	}
	return nil
}
