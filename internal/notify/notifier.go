package notify

import (
	"context"

	"github.com/nholik/spot-sentinel/internal/transition"
)

// Notifier delivers transition alerts to external systems.
type Notifier interface {
	Notify(ctx context.Context, robot string, transitions []transition.Transition) error
}

func robotLabel(robot string) string {
	if robot == "" {
		return "default"
	}
	return robot
}
