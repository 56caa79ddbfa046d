package health

import (
	"fmt"
	"strconv"

	"github.com/nholik/spot-sentinel/internal/interlock"
)

// Observation is one poll of the robot session.
type Observation struct {
	Interlock interlock.Status
	Docked    bool
	DockID    int
	// Err is set when part of the status could not be read from the robot.
	Err error
}

// Evaluate maps an observation to per-resource health.
func Evaluate(obs Observation) Report {
	report := Report{
		Status:    StatusOK,
		Resources: make(map[string]ResourceHealth, 5),
	}
	add := func(h ResourceHealth) {
		report.Resources[h.Resource] = h
		report.Status = worsenStatus(report.Status, h.Status)
	}

	add(evaluateLease(obs.Interlock.Lease))
	add(evaluateEstop(obs.Interlock.Estop))
	add(evaluateMotor(obs.Interlock.Motor, obs.Err))

	il := ResourceHealth{Resource: ResourceInterlock, Status: StatusOK, State: "clear"}
	if obs.Interlock.Aborted {
		il.Status = StatusDegraded
		il.State = "aborted"
		il.Reasons = []string{"operator abort pending, allow the estop to resume"}
	}
	add(il)

	dock := ResourceHealth{Resource: ResourceDock, Status: StatusOK, State: "undocked"}
	if obs.Docked {
		dock.State = "docked:" + strconv.Itoa(obs.DockID)
	}
	add(dock)

	return report
}

func evaluateLease(status interlock.LeaseStatus) ResourceHealth {
	h := ResourceHealth{Resource: ResourceLease, Status: StatusOK, State: string(status)}
	if status != interlock.LeaseActive {
		h.Status = StatusDegraded
		h.Reasons = []string{"body lease not held"}
	}
	return h
}

func evaluateEstop(status interlock.EstopStatus) ResourceHealth {
	h := ResourceHealth{Resource: ResourceEstop, Status: StatusOK, State: string(status)}
	switch status {
	case interlock.EstopNotEstopped:
	case interlock.EstopEstopped:
		h.Status = StatusDegraded
		h.Reasons = []string{"estop engaged"}
	case interlock.EstopError:
		h.Status = StatusFailed
		h.Reasons = []string{"estop heartbeat failed"}
	default:
		h.Status = StatusDegraded
		h.Reasons = []string{"no estop endpoint registered"}
	}
	return h
}

func evaluateMotor(status interlock.PowerStatus, err error) ResourceHealth {
	h := ResourceHealth{Resource: ResourceMotor, Status: StatusOK, State: string(status)}
	if err != nil {
		h.Status = StatusFailed
		h.State = "UNKNOWN"
		h.Reasons = []string{fmt.Sprintf("robot status unavailable: %v", err)}
	}
	return h
}

func worsenStatus(current, next Status) Status {
	if severity(next) > severity(current) {
		return next
	}
	return current
}

func severity(status Status) int {
	switch status {
	case StatusFailed:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
