// Package notify turns domain events into per-user notifications.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/gearshareapp/gearshare/internal/events"
	"github.com/gearshareapp/gearshare/internal/idgen"
	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/metrics"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is a user-facing message derived from a domain event.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	BookingID string    `json:"bookingId,omitempty"`
	Kind      string    `json:"kind"` // the originating event type
	Message   string    `json:"message"`
	Amount    int64     `json:"amount,omitempty"` // minor units
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// Dispatcher subscribes to the event bus and writes notifications.
type Dispatcher struct {
	store Store
}

// NewDispatcher creates a dispatcher backed by store.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Attach registers the dispatcher on the bus.
func (d *Dispatcher) Attach(bus *events.Bus) {
	bus.Subscribe(d.Handle)
}

// Handle converts one event into a notification. Events without an affected
// user or without a message carry nothing actionable and are skipped.
func (d *Dispatcher) Handle(ctx context.Context, e events.Event) {
	if e.UserID == "" || e.Message == "" {
		return
	}

	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    e.UserID,
		BookingID: e.BookingID,
		Kind:      string(e.Type),
		Message:   e.Message,
		Amount:    e.Amount,
		CreatedAt: time.Now(),
	}
	if err := d.store.Create(ctx, n); err != nil {
		// Notifications are best-effort; the money already moved.
		logging.L(ctx).Error("failed to store notification",
			"user_id", e.UserID, "event", string(e.Type), "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(e.Type)).Inc()
}
