package state

import (
	"context"
	"sync"
	"time"

	"github.com/nholik/spot-sentinel/internal/health"
)

// Dock remembers the dock the robot left for a mission so it can be
// returned there even after a restart.
type Dock struct {
	DockID     int       `json:"dock_id"`
	Mission    string    `json:"mission,omitempty"`
	UndockedAt time.Time `json:"undocked_at"`
}

// SessionSnapshot captures the last evaluated session health.
type SessionSnapshot struct {
	Status         health.Status                    `json:"status,omitempty"`
	Resources      map[string]health.ResourceHealth `json:"resources"`
	MapFingerprint string                           `json:"map_fingerprint,omitempty"`
	EvaluatedAt    time.Time                        `json:"evaluated_at"`
}

// State is everything persisted between runs.
type State struct {
	Dock    *Dock           `json:"dock,omitempty"`
	Session SessionSnapshot `json:"session"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// Guarded serializes read-modify-write cycles on a Store shared by the
// status monitor and mission execution.
type Guarded struct {
	mu    sync.Mutex
	store Store
}

// NewGuarded wraps store.
func NewGuarded(store Store) *Guarded {
	return &Guarded{store: store}
}

// Load implements Store.
func (g *Guarded) Load(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Load(ctx)
}

// Save implements Store.
func (g *Guarded) Save(ctx context.Context, state State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Save(ctx, state)
}

// Update loads the state, applies fn and saves the result. Nothing is saved
// when fn returns an error.
func (g *Guarded) Update(ctx context.Context, fn func(*State) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, err := g.store.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	return g.store.Save(ctx, st)
}
