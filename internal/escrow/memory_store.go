package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/gearshareapp/gearshare/internal/idgen"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	byID      map[string]*Transaction
	byBooking map[string]string // booking_id -> id
	mu        sync.Mutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Transaction),
		byBooking: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.byID[t.ID] = &cp
	m.byBooking[t.BookingID] = t.ID
	return nil
}

func (m *MemoryStore) GetByBookingID(ctx context.Context, bookingID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupByBooking(bookingID)
}

func (m *MemoryStore) lookupByBooking(bookingID string) (*Transaction, error) {
	id, ok := m.byBooking[bookingID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.byID {
		if t.StripePaymentIntentID == paymentIntentID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) GetByChargeID(ctx context.Context, chargeID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.byID {
		if t.StripeChargeID == chargeID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, t := range m.byID {
		if t.Status == status {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Hold(ctx context.Context, p HoldParams) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if id, ok := m.byBooking[p.BookingID]; ok {
		t := m.byID[id]
		t.Status = StatusHeld
		t.StripePaymentIntentID = p.PaymentIntentID
		if p.ChargeID != "" {
			t.StripeChargeID = p.ChargeID
		}
		t.RentalAmount = p.RentalAmount
		t.DepositAmount = p.DepositAmount
		t.PlatformFee = p.PlatformFee
		if t.HeldUntil == nil && !p.HeldUntil.IsZero() {
			held := p.HeldUntil
			t.HeldUntil = &held
		}
		t.UpdatedAt = now
		cp := *t
		return &cp, nil
	}

	t := &Transaction{
		ID:                    idgen.WithPrefix("esc_"),
		BookingID:             p.BookingID,
		RentalAmount:          p.RentalAmount,
		DepositAmount:         p.DepositAmount,
		PlatformFee:           p.PlatformFee,
		StripePaymentIntentID: p.PaymentIntentID,
		StripeChargeID:        p.ChargeID,
		Status:                StatusHeld,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if !p.HeldUntil.IsZero() {
		held := p.HeldUntil
		t.HeldUntil = &held
	}
	m.byID[t.ID] = t
	m.byBooking[t.BookingID] = t.ID
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) MarkSessionExpired(ctx context.Context, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byBooking[bookingID]
	if !ok {
		return ErrEscrowNotFound
	}
	t := m.byID[id]
	t.Status = StatusFailed
	t.RentalAmount = 0
	t.DepositAmount = 0
	t.PlatformFee = 0
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetChargeID(ctx context.Context, id, chargeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return ErrEscrowNotFound
	}
	t.StripeChargeID = chargeID
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id string, amount int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return ErrEscrowNotFound
	}
	t.Status = StatusRefunded
	t.RefundAmount = amount
	t.RefundReason = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ConfirmTransfer(ctx context.Context, id, transferID string, releaseDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return ErrEscrowNotFound
	}
	t.Status = StatusReleased
	t.TransferID = transferID
	t.ReleaseDate = &releaseDate
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) StampRentalRelease(ctx context.Context, id, transferID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return ErrEscrowNotFound
	}
	t.RentalTransferID = transferID
	t.RentalReleasedAt = &at
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) StampDepositReturn(ctx context.Context, id, refundID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return ErrEscrowNotFound
	}
	t.DepositRefundID = refundID
	t.DepositReturnedAt = &at
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	if to == StatusReleased && t.ReleaseDate == nil {
		now := time.Now()
		t.ReleaseDate = &now
	}
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) RecordTransferFailure(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return ErrEscrowNotFound
	}
	t.Status = StatusTransferFailed
	t.TransferFailureReason = reason
	t.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
