package events

import (
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("test-1")

	bus.Publish(Event{
		Topic:     DeploymentStatus,
		ProjectID: "proj-1",
		Summary:   "status deployed",
	})

	select {
	case evt := <-ch:
		if evt.Topic != DeploymentStatus {
			t.Fatalf("expected deployment.status, got %s", evt.Topic)
		}
		if evt.ProjectID != "proj-1" {
			t.Fatalf("expected proj-1, got %s", evt.ProjectID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	bus.Unsubscribe("test-1")
}

func TestTopicFilter(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("iter-only", IterationState)

	bus.Publish(Event{Topic: ConfigurationChanged, ProjectID: "p"})
	bus.Publish(Event{Topic: IterationState, ProjectID: "p", Round: 2})

	select {
	case evt := <-ch:
		if evt.Topic != IterationState {
			t.Fatalf("filter leaked topic %s", evt.Topic)
		}
		if evt.Round != 2 {
			t.Fatalf("expected round 2, got %d", evt.Round)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := NewBus(2)
	ch := bus.Subscribe("slow")

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Topic: VotingProgress, Round: i + 1})
	}

	// The two most recent events must survive; earlier ones were dropped.
	first := <-ch
	second := <-ch
	if first.Round != 4 || second.Round != 5 {
		t.Fatalf("expected rounds 4,5 to survive, got %d,%d", first.Round, second.Round)
	}
	if bus.Dropped(VotingProgress) != 3 {
		t.Fatalf("expected 3 drops, got %d", bus.Dropped(VotingProgress))
	}
}

func TestOrderWithinTopic(t *testing.T) {
	bus := NewBus(64)
	ch := bus.Subscribe("ordered", ExportCompleted)

	for i := 1; i <= 10; i++ {
		bus.Publish(Event{Topic: ExportCompleted, Round: i})
	}
	for i := 1; i <= 10; i++ {
		evt := <-ch
		if evt.Round != i {
			t.Fatalf("out of order: expected %d, got %d", i, evt.Round)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe("s1")
	bus.Unsubscribe("s1")

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}
