package health

// Status represents the health of one interlock resource.
type Status string

const (
	StatusOK       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusFailed   Status = "FAILED"
)

// Resource names reported by Evaluate.
const (
	ResourceLease     = "lease"
	ResourceEstop     = "estop"
	ResourceMotor     = "motor"
	ResourceInterlock = "interlock"
	ResourceDock      = "dock"
)

// ResourceHealth captures the evaluation of one resource.
type ResourceHealth struct {
	Resource string   `json:"resource"`
	Status   Status   `json:"status"`
	State    string   `json:"state"`
	Reasons  []string `json:"reasons,omitempty"`
	// LastNotifiedStatus is the status last delivered to notifiers.
	LastNotifiedStatus Status `json:"last_notified_status,omitempty"`
}

// Report summarizes the robot session health.
type Report struct {
	Status    Status                    `json:"status"`
	Resources map[string]ResourceHealth `json:"resources"`
}

// SafeToOperate reports whether every resource needed for motion is healthy.
func (r Report) SafeToOperate() bool {
	for _, name := range []string{ResourceLease, ResourceEstop, ResourceInterlock} {
		if res, ok := r.Resources[name]; !ok || res.Status != StatusOK {
			return false
		}
	}
	return true
}
