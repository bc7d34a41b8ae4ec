package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/loppo-llc/sentryd/internal/bus"
)

// BusSink appends every notification to the local bus's
// notifications.jsonl so other readers can tail it. It never fails
// closed: bus.AppendNotification's own error is the only failure mode.
type BusSink struct {
	bus *bus.Bus
}

// NewBusSink returns a Sink that writes through b.
func NewBusSink(b *bus.Bus) *BusSink {
	return &BusSink{bus: b}
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Send(ctx context.Context, msg Message) error {
	return s.bus.AppendNotification(bus.Notification{
		ID:    uuid.NewString(),
		TS:    time.Now().Unix(),
		Title: msg.Title,
		Body:  msg.Body,
		Meta:  msg.Meta,
	})
}

// StdoutSink prints to stdout, for a human watching the supervisor
// directly.
type StdoutSink struct{}

// NewStdoutSink returns a Sink that writes to stdout.
func NewStdoutSink() *StdoutSink {
	return &StdoutSink{}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Send(ctx context.Context, msg Message) error {
	_, err := fmt.Printf("[NOTIFY] %s\n%s\n", msg.Title, msg.Body)
	return err
}

// SlackSink posts plain-text messages to an incoming webhook. It does
// not attempt interactive components, threads, or block-kit layout:
// that's chat-adapter behavior out of scope here.
type SlackSink struct {
	webhookURL string
}

// NewSlackSink returns a Sink bound to a Slack incoming webhook URL.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body)
	return slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{Text: text})
}
