package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
)

func TestRunEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRunEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "run-1")
	defer cleanup()

	dispatcher.Publish(RunMessage{
		RunID:         "run-1",
		EventType:     string(reconcile.StateConflictPending),
		CollectionKey: "github",
		Status:        RunStatus{RunID: "run-1", State: reconcile.StateConflictPending},
		Timestamp:     time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != string(reconcile.StateConflictPending) {
			t.Fatalf("expected event type %s, got %s", reconcile.StateConflictPending, received.EventType)
		}
		if received.CollectionKey != "github" {
			t.Fatalf("expected collection key github, got %s", received.CollectionKey)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected run message within deadline")
	}
}

func TestRunEventDispatcherIsolatedByRun(t *testing.T) {
	dispatcher := NewRunEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runStream, cleanup := dispatcher.Subscribe(ctx, "run-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "run-3")
	defer otherCleanup()

	dispatcher.Publish(RunMessage{
		RunID:     "run-3",
		EventType: string(reconcile.StateApplying),
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-runStream:
		t.Fatal("did not expect a message for an unrelated run")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.RunID != "run-3" {
			t.Fatalf("expected run-3, received %s", msg.RunID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message for subscribed run")
	}
}

func TestRunEventDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewRunEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "run-4")
	defer cleanup()

	for index := 0; index < dispatcherBuffer+10; index++ {
		dispatcher.Publish(RunMessage{RunID: "run-4", EventType: string(reconcile.StateNew)})
	}
	if len(stream) != dispatcherBuffer {
		t.Fatalf("expected buffer to hold %d messages, got %d", dispatcherBuffer, len(stream))
	}
}
