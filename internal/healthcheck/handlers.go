package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler serves /healthz. It answers 200 while the monitor keeps
// cycling, whatever the robot's own health.
func HealthHandler(tracker *Tracker, pollInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusServiceUnavailable
		if tracker.Healthy(time.Now().UTC(), pollInterval) {
			status = http.StatusOK
		}
		writeJSON(w, status, tracker.Snapshot())
	}
}

// ReadyHandler serves /readyz. With requireSafe set it also needs the last
// cycle to have found the interlock safe to operate.
func ReadyHandler(tracker *Tracker, requireSafe bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := tracker.Snapshot()
		status := http.StatusServiceUnavailable
		if tracker.Ready() && (!requireSafe || snapshot.SafeToOperate) {
			status = http.StatusOK
		}
		writeJSON(w, status, snapshot)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
