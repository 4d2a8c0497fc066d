package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/tradelane/api/internal/services"
)

// PubSubDraftEventPublisher publishes draft lifecycle events to a Pub/Sub topic.
type PubSubDraftEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.DraftEventPublisher = (*PubSubDraftEventPublisher)(nil)

// NewPubSubDraftEventPublisher constructs a Pub/Sub backed draft event publisher.
func NewPubSubDraftEventPublisher(topic *pubsub.Topic) (*PubSubDraftEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub draft event publisher: topic is required")
	}
	return &PubSubDraftEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishDraftEvent sends the event and waits for the server-assigned message id. Events are keyed
// by draft so subscribers can enable ordering per draft.
func (p *PubSubDraftEventPublisher) PublishDraftEvent(ctx context.Context, event services.DraftEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub draft event publisher: not initialised")
	}
	if strings.TrimSpace(string(event.Type)) == "" || strings.TrimSpace(event.DraftID) == "" {
		return "", errors.New("pubsub draft event publisher: event type and draft id are required")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal draft event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", string(event.Type))
	setAttr(attrs, "draftId", event.DraftID)
	setAttr(attrs, "ownerId", event.OwnerID)
	if !event.OccurredAt.IsZero() {
		attrs["occurredAt"] = event.OccurredAt.UTC().Format(time.RFC3339Nano)
	}

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.DraftID
	}
	result := p.topic.Publish(ctx, msg)

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish draft event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
