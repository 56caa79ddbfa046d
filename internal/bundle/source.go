// Package bundle reads recorded site bundles (graph, snapshots, missions) from
// local directories, object storage or HTTP.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Well-known keys inside a site bundle.
const (
	GraphKey                = "graph"
	WaypointSnapshotsPrefix = "waypoint_snapshots/"
	EdgeSnapshotsPrefix     = "edge_snapshots/"
	MissionsPrefix          = "missions/"
	MissionExtension        = ".walk"
)

// ErrNotFound is wrapped by every NotFoundError.
var ErrNotFound = errors.New("bundle: not found")

// ErrUnsupported is returned when a source cannot perform an operation.
var ErrUnsupported = errors.New("bundle: unsupported operation")

// NotFoundError reports a missing bundle root or bundle file.
type NotFoundError struct {
	Source string
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("bundle %s not found", e.Source)
	}
	return fmt.Sprintf("bundle file %s not found in %s", e.Key, e.Source)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Source provides read access to the files of one site bundle.
type Source interface {
	// Read returns the full contents of key. Missing keys return a *NotFoundError.
	Read(ctx context.Context, key string) ([]byte, error)

	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Describe returns a human readable location for logs and errors.
	Describe() string
}

// WaypointSnapshotKey returns the key of a waypoint snapshot record.
func WaypointSnapshotKey(id string) string {
	return WaypointSnapshotsPrefix + id
}

// EdgeSnapshotKey returns the key of an edge snapshot record.
func EdgeSnapshotKey(id string) string {
	return EdgeSnapshotsPrefix + id
}

// MissionKey returns the key of a mission record by name.
func MissionKey(name string) string {
	return MissionsPrefix + name + MissionExtension
}

// MissionName extracts the mission name from a mission key.
func MissionName(key string) (string, bool) {
	if !strings.HasPrefix(key, MissionsPrefix) || !strings.HasSuffix(key, MissionExtension) {
		return "", false
	}
	name := strings.TrimSuffix(path.Base(key), MissionExtension)
	if name == "" {
		return "", false
	}
	return name, true
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("bundle: empty key")
	}
	clean := path.Clean("/" + key)
	if strings.TrimPrefix(clean, "/") != key {
		return fmt.Errorf("bundle: invalid key %q", key)
	}
	return nil
}
