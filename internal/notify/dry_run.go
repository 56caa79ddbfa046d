package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/transition"
)

// DryRunNotifier logs transitions without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery to inner and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, robot string, transitions []transition.Transition) error {
	for _, change := range transitions {
		n.logger.Info().
			Str("robot", robot).
			Str("resource", change.Resource).
			Str("previous_state", change.PreviousState).
			Str("current_state", change.CurrentState).
			Str("current_status", string(change.CurrentStatus)).
			Strs("reasons", change.Reasons).
			Msg("[DRY-RUN] Would notify")
	}
	return nil
}
