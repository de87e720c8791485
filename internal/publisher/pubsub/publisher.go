// Package pubsub publishes job events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Config names the project and topic used by Dial.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

type resultGetter interface {
	Get(ctx context.Context) (string, error)
}

type sender interface {
	Publish(ctx context.Context, msg *pubsub.Message) resultGetter
}

type clientSender struct {
	publisher *pubsub.Publisher
}

func (s clientSender) Publish(ctx context.Context, msg *pubsub.Message) resultGetter {
	return s.publisher.Publish(ctx, msg)
}

// Publisher sends JSON payloads to one topic.
type Publisher struct {
	sender sender
	stop   func()
	close  func() error
}

// Dial opens a client and a publisher for cfg.Topic.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := client.Publisher(cfg.Topic)
	return &Publisher{
		sender: clientSender{publisher: pub},
		stop:   pub.Stop,
		close:  client.Close,
	}, nil
}

// New wraps an existing publisher. The caller owns its client.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{sender: clientSender{publisher: publisher}, stop: publisher.Stop}
}

// Publish marshals payload to JSON and waits for the server id. The event
// name travels in the "event" attribute.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if p == nil || p.sender == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": event},
	}
	id, err := p.sender.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", event, err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.stop != nil {
		p.stop()
	}
	if p.close != nil {
		if err := p.close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
