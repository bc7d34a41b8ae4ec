// Package notify fans out user-visible notifications to configured
// sinks. A pane pipeline's escalation or approval-gate notification
// reaches a human through whichever sinks the agent's notify channel
// list names; the bus sink is always available since it requires no
// external credentials.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loppo-llc/sentryd/internal/bus"
)

// Message is one user-visible notification: a title, a body, and an
// optional open metadata map that sinks may forward (the bus sink writes
// it as the journal entry's meta).
type Message struct {
	Title string
	Body  string
	Meta  map[string]any
}

// Sink delivers one Message to one external surface. Send returning an
// error never aborts the fan-out: the Notifier logs it and keeps going.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier fans a Message out to every configured Sink.
type Notifier struct {
	sinks  []Sink
	logger *slog.Logger
}

// New builds a Notifier from an ordered list of sinks. Sinks for channel
// names the caller didn't request are simply never added; New performs
// no channel-name parsing itself.
func New(logger *slog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, logger: logger}
}

// Send delivers msg through every sink, logging (not returning) per-sink
// failures so one broken webhook never silences the rest.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, msg); err != nil {
			n.logger.Warn("notification sink failed", "sink", sink.Name(), "title", msg.Title, "error", err)
		}
	}
}

// BuildSinks resolves a comma-split channel list (Agent.NotifyChannels)
// into concrete sinks. An unknown channel name is a configuration error
// caught at startup rather than silently dropped at notify time.
func BuildSinks(channels []string, b *bus.Bus, slackWebhookURL string) ([]Sink, error) {
	sinks := make([]Sink, 0, len(channels))
	for _, ch := range channels {
		switch ch {
		case "bus":
			if b == nil {
				return nil, fmt.Errorf("notify channel %q requires a local bus", ch)
			}
			sinks = append(sinks, NewBusSink(b))
		case "stdout":
			sinks = append(sinks, NewStdoutSink())
		case "slack":
			if slackWebhookURL == "" {
				return nil, fmt.Errorf("notify channel %q requires slack_webhook_url in the agent config", ch)
			}
			sinks = append(sinks, NewSlackSink(slackWebhookURL))
		default:
			return nil, fmt.Errorf("unknown notify channel %q", ch)
		}
	}
	return sinks, nil
}
