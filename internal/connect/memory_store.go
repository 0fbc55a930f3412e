package connect

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory connect store for demo/development mode.
type MemoryStore struct {
	byStripeID map[string]*Account
	byUserID   map[string]string // user_id -> stripe_account_id
	mu         sync.Mutex
}

// NewMemoryStore creates a new in-memory connect store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byStripeID: make(map[string]*Account),
		byUserID:   make(map[string]string),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	cp.RequirementsDue = append([]string(nil), a.RequirementsDue...)
	m.byStripeID[a.StripeAccountID] = &cp
	m.byUserID[a.UserID] = a.StripeAccountID
	return nil
}

func (m *MemoryStore) GetByUserID(ctx context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stripeID, ok := m.byUserID[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.copyOf(stripeID)
}

func (m *MemoryStore) GetByStripeID(ctx context.Context, stripeAccountID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyOf(stripeAccountID)
}

func (m *MemoryStore) copyOf(stripeID string) (*Account, error) {
	a, ok := m.byStripeID[stripeID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	cp.RequirementsDue = append([]string(nil), a.RequirementsDue...)
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
