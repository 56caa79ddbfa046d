package notify

import (
	"context"
	"errors"

	"github.com/nholik/spot-sentinel/internal/transition"
)

// MultiNotifier fans out notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that dispatches to all provided notifiers.
// Nil notifiers, including typed nils, are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		switch n := notifier.(type) {
		case nil:
			continue
		case *WebhookNotifier:
			if n == nil {
				continue
			}
		case *MQTTNotifier:
			if n == nil {
				continue
			}
		}
		filtered = append(filtered, notifier)
	}
	return &MultiNotifier{notifiers: filtered}
}

// Notify implements Notifier. Every notifier is attempted; the errors are joined.
func (m *MultiNotifier) Notify(ctx context.Context, robot string, transitions []transition.Transition) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, robot, transitions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
