package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/nholik/spot-sentinel/internal/health"
	"github.com/nholik/spot-sentinel/internal/transition"
)

const (
	slackMaxBlocks = 50
	// header and context blocks in every message
	slackReservedBlocks = 2
	slackMaxTransitions = slackMaxBlocks - slackReservedBlocks
)

// SlackNotifier posts Block Kit messages to a Slack incoming webhook.
type SlackNotifier struct {
	logger zerolog.Logger
	timing timingConfig
	poster *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; slack notifications disabled")
	}

	notifier := &SlackNotifier{
		logger: logger,
		timing: defaultTiming,
	}
	for _, opt := range opts {
		opt(notifier)
	}
	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, robot string, transitions []transition.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	name := robotLabel(robot)
	if err := n.poster.waitForRateLimit(ctx, name); err != nil {
		return err
	}

	messages := buildSlackMessages(name, transitions)
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.poster.postWithRetry(ctx, payload); err != nil {
			return err
		}
	}

	n.logger.Debug().
		Str("robot", name).
		Int("transitions", len(transitions)).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

func buildSlackMessages(robot string, transitions []transition.Transition) []slack.WebhookMessage {
	total := len(transitions)
	if total == 0 {
		return nil
	}
	parts := (total + slackMaxTransitions - 1) / slackMaxTransitions
	messages := make([]slack.WebhookMessage, 0, parts)
	for i := 0; i < total; i += slackMaxTransitions {
		end := min(i+slackMaxTransitions, total)
		messages = append(messages, buildSlackMessage(robot, transitions[i:end], total, i/slackMaxTransitions+1, parts))
	}
	return messages
}

func buildSlackMessage(robot string, transitions []transition.Transition, total, part, parts int) slack.WebhookMessage {
	summary := fmt.Sprintf("Robot %s: %d transition(s)", robot, total)
	if parts > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, part, parts)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	elements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Robot: *%s*", robot), false, false),
	}
	if parts > 1 {
		elements = append(elements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", part, parts), false, false))
	}

	blocks := []slack.Block{header, slack.NewContextBlock("", elements...)}
	for _, change := range transitions {
		blocks = append(blocks, buildTransitionBlock(change))
	}

	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func buildTransitionBlock(change transition.Transition) slack.Block {
	title := fmt.Sprintf("%s *%s*: `%s` → `%s`",
		statusEmoji(change.CurrentStatus), change.Resource, stateLabel(change.PreviousState), stateLabel(change.CurrentState))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := make([]*slack.TextBlockObject, 0, 3)
	fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Health:*\n"+string(change.CurrentStatus), false, false))
	if len(change.Reasons) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Reasons:*\n"+strings.Join(change.Reasons, ", "), false, false))
	}
	if change.Mission != nil {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", formatMission(change.Mission), false, false))
	}

	return slack.NewSectionBlock(text, fields, nil)
}

func formatMission(m *transition.MissionOutcome) string {
	dock := "none"
	if m.DockID != nil {
		dock = fmt.Sprintf("%d", *m.DockID)
	}
	return fmt.Sprintf("*Run:*\n`%s` in %s, dock %s", m.RunID, m.Duration.Round(time.Second), dock)
}

func statusEmoji(status health.Status) string {
	switch status {
	case health.StatusOK:
		return ":large_green_circle:"
	case health.StatusDegraded:
		return ":large_yellow_circle:"
	default:
		return ":red_circle:"
	}
}

func stateLabel(state string) string {
	if state == "" {
		return "UNKNOWN"
	}
	return state
}
