package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/services"
)

func newTestTopic(t *testing.T, srv *pstest.Server) *pubsub.Topic {
	t.Helper()
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "draft-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return topic
}

func TestPubSubDraftEventPublisherPublishesMessage(t *testing.T) {
	srv := pstest.NewServer()
	defer srv.Close()

	publisher, err := NewPubSubDraftEventPublisher(newTestTopic(t, srv))
	if err != nil {
		t.Fatalf("NewPubSubDraftEventPublisher: %v", err)
	}

	occurred := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	event := services.DraftEvent{
		Type:    services.DraftEventComplianceApplied,
		DraftID: "drf_01",
		OwnerID: "user-1",
		Statuses: domain.DraftStatuses{
			Compliance:        domain.ComplianceCompliant,
			RouteOptimization: domain.RouteNotDone,
		},
		OccurredAt: occurred,
	}
	if _, err := publisher.PublishDraftEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishDraftEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.DraftEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.DraftID != "drf_01" || payload.Statuses.Compliance != domain.ComplianceCompliant {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["eventType"] != "draft.compliance_applied" || attrs["ownerId"] != "user-1" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if attrs["occurredAt"] != "2025-05-06T09:00:00Z" {
		t.Fatalf("unexpected occurredAt attribute %q", attrs["occurredAt"])
	}
}

func TestPubSubDraftEventPublisherRejectsIncompleteEvents(t *testing.T) {
	srv := pstest.NewServer()
	defer srv.Close()

	publisher, err := NewPubSubDraftEventPublisher(newTestTopic(t, srv))
	if err != nil {
		t.Fatalf("NewPubSubDraftEventPublisher: %v", err)
	}
	if _, err := publisher.PublishDraftEvent(context.Background(), services.DraftEvent{Type: services.DraftEventDeleted}); err == nil {
		t.Fatalf("expected error for missing draft id")
	}
	if len(srv.Messages()) != 0 {
		t.Fatalf("no message should be published")
	}
}

func TestNewPubSubDraftEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubDraftEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
