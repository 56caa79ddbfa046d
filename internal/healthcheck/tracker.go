package healthcheck

import (
	"sync"
	"time"

	"github.com/nholik/spot-sentinel/internal/health"
)

// Snapshot describes the latest monitor cycle.
type Snapshot struct {
	LastCycleTime      *time.Time    `json:"last_cycle_time"`
	CycleDurationMS    int64         `json:"cycle_duration_ms"`
	ResourcesEvaluated int           `json:"resources_evaluated"`
	SessionStatus      health.Status `json:"session_status,omitempty"`
	SafeToOperate      bool          `json:"safe_to_operate"`
}

// Tracker records monitor cycles for the health endpoints.
type Tracker struct {
	mu            sync.RWMutex
	now           func() time.Time
	lastCycle     time.Time
	cycleDuration time.Duration
	report        health.Report
	ready         bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordCycle stores the outcome of a completed cycle and marks the tracker
// ready.
func (t *Tracker) RecordCycle(duration time.Duration, report health.Report) {
	if t == nil {
		return
	}
	now := t.now().UTC()
	t.mu.Lock()
	t.lastCycle = now
	t.cycleDuration = duration
	t.report = report
	t.ready = true
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastCycle.IsZero() {
		value := t.lastCycle
		last = &value
	}
	return Snapshot{
		LastCycleTime:      last,
		CycleDurationMS:    int64(t.cycleDuration / time.Millisecond),
		ResourcesEvaluated: len(t.report.Resources),
		SessionStatus:      t.report.Status,
		SafeToOperate:      t.ready && t.report.SafeToOperate(),
	}
}

// Report returns the health report of the last cycle.
func (t *Tracker) Report() (health.Report, bool) {
	if t == nil {
		return health.Report{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.report, t.ready
}

// Ready reports whether a cycle has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last cycle completed within 2x the poll interval.
func (t *Tracker) Healthy(now time.Time, pollInterval time.Duration) bool {
	if t == nil {
		return false
	}
	if pollInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCycle.IsZero() {
		return false
	}
	return now.Sub(t.lastCycle) <= 2*pollInterval
}
