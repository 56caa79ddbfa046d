package interlock

import (
	"errors"
	"fmt"
	"time"

	"github.com/nholik/spot-sentinel/internal/robot"
)

var (
	// ErrAlreadyActive is returned by Setup when an endpoint is registered.
	ErrAlreadyActive = errors.New("estop endpoint is already active")
	// ErrNotSetup is returned by estop commands without a registered endpoint.
	ErrNotSetup = errors.New("no estop endpoint is active")
	// ErrAlreadyClaimed is returned by Acquire when another client controls the robot.
	ErrAlreadyClaimed = errors.New("unable to acquire lease, robot is already being controlled")
	// ErrNoLease is returned when an operation needs the lease and none is held.
	ErrNoLease = errors.New("no lease is held")
	// ErrNotSafe is returned by Guard when lease or estop are not ready.
	ErrNotSafe = errors.New("interlock is not safe to operate")
	// ErrAborted is returned by Guard after an operator abort until estop is allowed again.
	ErrAborted = errors.New("operator abort is pending")
)

// TimeoutError reports a power transition the robot did not confirm in time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Last    robot.PowerState
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not confirmed within %s (motor power %s)", e.Op, e.Timeout, e.Last)
}
