// Package events provides the in-process domain event bus.
//
// The financial core publishes domain events (rental released, deposit
// returned, refund issued, claim resolved) instead of writing notifications
// inline. Subscribers (notification dispatcher, realtime hub) turn events
// into user-facing side effects, keeping the money-movement code free of
// presentation concerns.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/gearshareapp/gearshare/internal/idgen"
	"github.com/gearshareapp/gearshare/internal/logging"
)

// Type identifies a domain event.
type Type string

const (
	TypeBookingConfirmed Type = "booking.confirmed"
	TypePaymentFailed    Type = "payment.failed"
	TypeRentalReleased   Type = "escrow.rental_released"
	TypeDepositReturned  Type = "escrow.deposit_returned"
	TypeEscrowRefunded   Type = "escrow.refunded"
	TypeTransferFailed   Type = "escrow.transfer_failed"
	TypeClaimFiled       Type = "claim.filed"
	TypeClaimResolved    Type = "claim.resolved"
)

// Event is a domain event emitted by the core.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	BookingID  string            `json:"bookingId,omitempty"`
	UserID     string            `json:"userId,omitempty"` // affected party
	Amount     int64             `json:"amount,omitempty"` // minor units
	Message    string            `json:"message,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Publisher is the producer-side interface the core components depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Subscriber receives every published event.
type Subscriber func(ctx context.Context, e Event)

// Bus is a synchronous in-process fan-out bus.
//
// Delivery is synchronous so tests can assert on side effects without
// sleeping; subscribers must not block.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber for all events.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers the event to every subscriber. A panicking subscriber is
// logged and skipped; one broken consumer must not poison fund movement.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(ctx, fn, e)
	}
}

func (b *Bus) deliver(ctx context.Context, fn Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("event subscriber panicked", "event", string(e.Type), "panic", r)
		}
	}()
	fn(ctx, e)
}

// Compile-time assertion that Bus implements Publisher.
var _ Publisher = (*Bus)(nil)

// Nop is a Publisher that discards events (for tests and optional wiring).
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

var _ Publisher = Nop{}
