package dispatcher

import (
	"context"
	"log/slog"

	"wfinterop/pkg/cloudevent"
)

// DefaultSource is the CloudEvents source of submission notifications.
const DefaultSource = "wfinterop"

// PublisherConfig configures where submission notifications go.
type PublisherConfig struct {
	URL        string // empty disables publishing
	SigningKey string
	Source     string
}

// Publisher turns submission lifecycle notifications into CloudEvents and
// hands them to a Dispatcher.
type Publisher struct {
	dispatcher Dispatcher
	config     PublisherConfig
	logger     *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(d Dispatcher, cfg PublisherConfig) *Publisher {
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	return &Publisher{
		dispatcher: d,
		config:     cfg,
		logger:     slog.With("component", "publisher"),
	}
}

// Enabled reports whether a destination is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.config.URL != "" && p.dispatcher != nil
}

// Notify queues an event about submissionID. Delivery failures never reach
// the caller.
func (p *Publisher) Notify(_ context.Context, eventType, submissionID string, data map[string]any) {
	if !p.Enabled() {
		return
	}
	event := &Event{
		Payload:     cloudevent.New(eventType, p.config.Source, submissionID, data),
		Destination: p.config.URL,
		SigningKey:  p.config.SigningKey,
	}
	if err := p.dispatcher.Dispatch(event); err != nil {
		p.logger.Warn("Notification not queued", "type", eventType, "submissionId", submissionID, "error", err)
	}
}
