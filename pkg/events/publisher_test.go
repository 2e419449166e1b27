package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/errcode"
)

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	if err := pub.PublishExecuted(context.Background(), &ExecutionEvent{CapabilityID: "issue.view"}); err != nil {
		t.Errorf("events:publisher_test - expected no error, got %v", err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var captured *ExecutionEvent
	pub := NewCallbackPublisher(func(_ context.Context, event *ExecutionEvent) error {
		captured = event
		return nil
	})

	env := envelope.NormalizeError(envelope.NewError(errcode.RateLimit, "slow down", nil), envelope.RouteGraphQL,
		envelope.MetaOptions{CapabilityID: "issue.list", Reason: envelope.ReasonCardPreferred})
	if err := pub.PublishExecuted(context.Background(), NewTaskEvent(env, 1500*time.Millisecond)); err != nil {
		t.Fatalf("events:publisher_test - expected no error, got %v", err)
	}

	if captured == nil {
		t.Fatal("events:publisher_test - expected callback to be called")
	}
	if captured.Kind != KindTask || captured.CapabilityID != "issue.list" || captured.Ok {
		t.Errorf("events:publisher_test - unexpected event %+v", captured)
	}
	if captured.ErrorCode != "RATE_LIMIT" || captured.RouteUsed != envelope.RouteGraphQL || captured.DurationMs != 1500 {
		t.Errorf("events:publisher_test - unexpected event %+v", captured)
	}
	if _, err := uuid.Parse(captured.ID); err != nil {
		t.Errorf("events:publisher_test - event id %q is not a uuid", captured.ID)
	}
}

func TestNewChainEvent(t *testing.T) {
	ev := NewChainEvent("issue.close", "partial", envelope.RouteGraphQL, 3, time.Second)
	if ev.Kind != KindChain || ev.Ok || ev.Status != "partial" || ev.Steps != 3 {
		t.Errorf("events:publisher_test - unexpected chain event %+v", ev)
	}
	if !NewChainEvent("issue.close", "success", "", 1, 0).Ok {
		t.Errorf("events:publisher_test - successful chain event not ok")
	}
}

func TestMultiPublisher(t *testing.T) {
	var calls int
	ok := NewCallbackPublisher(func(context.Context, *ExecutionEvent) error {
		calls++
		return nil
	})
	failing := NewCallbackPublisher(func(context.Context, *ExecutionEvent) error {
		calls++
		return errors.New("broker down")
	})

	pub := NewMultiPublisher(failing, nil, ok)
	err := pub.PublishExecuted(context.Background(), &ExecutionEvent{CapabilityID: "repo.view"})
	if err == nil || err.Error() != "broker down" {
		t.Errorf("events:publisher_test - expected joined error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("events:publisher_test - expected 2 publishers called, got %d", calls)
	}

	if err := NewMultiPublisher().PublishExecuted(context.Background(), &ExecutionEvent{}); err != nil {
		t.Errorf("events:publisher_test - empty fan-out returned %v", err)
	}
}
