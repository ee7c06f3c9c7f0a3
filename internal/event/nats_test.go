package event

import (
	"context"
	"testing"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("")
	if _, ok := p.(*noop); !ok {
		t.Fatalf("NewPublisher(\"\") = %T, want *noop", p)
	}
	if err := p.PublishPurchaseCompleted(context.Background(), &model.Purchase{ID: "cs_1"}); err != nil {
		t.Errorf("noop publish error = %v", err)
	}
}

func TestRecorderCarriesCorrelationID(t *testing.T) {
	r := NewRecorder()
	ctx := WithCorrelationID(context.Background(), "corr-1")

	_ = r.PublishPurchaseCompleted(ctx, &model.Purchase{ID: "cs_1"})
	_ = r.PublishJobTransition(context.Background(), &model.BundleJob{ID: "j1", Status: model.JobRetrying})

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("Events() len = %d, want 2", len(events))
	}
	if events[0].Type != SubjectPurchaseCompleted || events[0].CorrelationID != "corr-1" {
		t.Errorf("purchase event = %+v", events[0])
	}
	if events[1].Type != "commerce.jobs.retrying" || events[1].CorrelationID == "" {
		t.Errorf("job event = %+v", events[1])
	}
}
