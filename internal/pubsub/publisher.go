package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error)
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPublisher creates a new PubSubPublisher for the given GCP project.
func NewPublisher(ctx context.Context, projectID string, opts ...option.ClientOption) (*PubSubPublisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("failed to create Pub/Sub client: project id is empty")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish sends the payload to the given Pub/Sub topic and returns the message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	t := p.client.Topic(topic)
	result := t.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

func (p *PubSubPublisher) Close() error {
	return p.client.Close()
}

// Account lifecycle event types.
const (
	EventPlanChanged   = "account.plan_changed"
	EventAccountErased = "account.erased"
)

// AccountEvent is published whenever billing or erasure changes an Account.
type AccountEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Plan       string    `json:"plan,omitempty"`
	Status     string    `json:"status,omitempty"`
	Email      string    `json:"email,omitempty"`
	StripeID   string    `json:"stripe_event_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AccountEvents publishes AccountEvents as JSON to one topic.
type AccountEvents struct {
	publisher Publisher
	topic     string
}

func NewAccountEvents(publisher Publisher, topic string) *AccountEvents {
	return &AccountEvents{publisher: publisher, topic: topic}
}

func (a *AccountEvents) PublishAccountEvent(ctx context.Context, ev AccountEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling account event: %w", err)
	}
	attrs := map[string]string{"type": ev.Type}
	if _, err := a.publisher.Publish(ctx, a.topic, payload, attrs); err != nil {
		return err
	}
	return nil
}
