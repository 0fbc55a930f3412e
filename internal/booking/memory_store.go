package booking

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory booking store for demo/development mode.
type MemoryStore struct {
	bookings map[string]*Booking
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*Booking)}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Booking
	for _, b := range m.bookings {
		if b.OwnerID == userID || b.RenterID == userID {
			cp := *b
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ConfirmPayment(ctx context.Context, id, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.PaymentStatus = PaymentCompleted
	if b.Status == StatusPending || b.Status == StatusCancelled {
		b.Status = StatusConfirmed
	}
	if paymentIntentID != "" {
		b.StripePaymentIntentID = paymentIntentID
	}
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetPaymentStatus(ctx context.Context, id string, ps PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.PaymentStatus = ps
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) CancelUnlessFinished(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.IsFinished() {
		return false, nil
	}
	b.Status = StatusCancelled
	b.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) MarkRentalReleased(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.RentalAmountReleased {
		return false, nil
	}
	b.RentalAmountReleased = true
	b.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) MarkDepositReturned(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.DepositReturned {
		return false, nil
	}
	b.DepositReturned = true
	b.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ClearRentalReleased(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.RentalAmountReleased = false
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClearDepositReturned(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.DepositReturned = false
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, releaseDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.Status = StatusCompleted
	b.EscrowReleaseDate = &releaseDate
	b.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
