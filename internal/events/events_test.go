package events

import (
	"context"
	"testing"
)

func TestBus_PublishFanOut(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(func(ctx context.Context, e Event) { got = append(got, e) })
	bus.Subscribe(func(ctx context.Context, e Event) { got = append(got, e) })

	bus.Publish(context.Background(), Event{Type: TypeRentalReleased, BookingID: "bk_1", Amount: 200})

	if len(got) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("Expected event ID to be assigned")
	}
	if got[0].OccurredAt.IsZero() {
		t.Error("Expected OccurredAt to be stamped")
	}
}

func TestBus_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(func(ctx context.Context, e Event) { panic("boom") })

	delivered := false
	bus.Subscribe(func(ctx context.Context, e Event) { delivered = true })

	bus.Publish(context.Background(), Event{Type: TypeDepositReturned})

	if !delivered {
		t.Error("Expected second subscriber to receive the event despite the first panicking")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus()
	// Must not panic.
	bus.Publish(context.Background(), Event{Type: TypeClaimResolved})
}
