package transition

import (
	"sort"
	"time"

	"github.com/nholik/spot-sentinel/internal/health"
	"github.com/nholik/spot-sentinel/internal/state"
)

// MissionPrefix prefixes the resource name of mission outcome transitions.
const MissionPrefix = "mission/"

// MissionOutcome carries the details of a finished mission run.
type MissionOutcome struct {
	RunID    string        `json:"run_id"`
	Mission  string        `json:"mission"`
	Status   string        `json:"status"`
	DockID   *int          `json:"dock_id,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Transition captures a change of one resource, or a mission outcome.
type Transition struct {
	Resource       string          `json:"resource"`
	PreviousStatus health.Status   `json:"previous_status,omitempty"`
	CurrentStatus  health.Status   `json:"current_status"`
	PreviousState  string          `json:"previous_state,omitempty"`
	CurrentState   string          `json:"current_state"`
	Reasons        []string        `json:"reasons,omitempty"`
	Mission        *MissionOutcome `json:"mission,omitempty"`
}

// Detect compares the previous session snapshot with the current report.
// On the first run only unhealthy resources are reported.
func Detect(prev *state.SessionSnapshot, current health.Report) []Transition {
	prevResources := map[string]health.ResourceHealth{}
	if prev != nil && prev.Resources != nil {
		prevResources = prev.Resources
	}
	firstRun := len(prevResources) == 0

	transitions := make([]Transition, 0)
	for name, res := range current.Resources {
		prevRes, hadPrev := prevResources[name]
		prevStatus := prevRes.Status
		if prevRes.LastNotifiedStatus != "" {
			prevStatus = prevRes.LastNotifiedStatus
		}

		switch {
		case firstRun || !hadPrev:
			if res.Status == health.StatusOK {
				continue
			}
		case prevStatus == res.Status && prevRes.State == res.State:
			continue
		}

		transitions = append(transitions, Transition{
			Resource:       name,
			PreviousStatus: prevStatus,
			CurrentStatus:  res.Status,
			PreviousState:  prevRes.State,
			CurrentState:   res.State,
			Reasons:        append([]string(nil), res.Reasons...),
		})
	}

	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Resource < transitions[j].Resource
	})

	return transitions
}

// Mission builds the transition reported when a mission run ends.
func Mission(outcome MissionOutcome) Transition {
	status := health.StatusOK
	var reasons []string
	switch outcome.Status {
	case "SUCCESS":
	case "FAILED_ON_QUESTION":
		status = health.StatusDegraded
		reasons = append(reasons, "mission stopped on a question that needs an operator")
	default:
		status = health.StatusFailed
	}
	if outcome.Error != "" {
		reasons = append(reasons, outcome.Error)
	}
	o := outcome
	return Transition{
		Resource:      MissionPrefix + outcome.Mission,
		PreviousState: "RUNNING",
		CurrentStatus: status,
		CurrentState:  outcome.Status,
		Reasons:       reasons,
		Mission:       &o,
	}
}
