package claims

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory claim store for demo/development mode.
type MemoryStore struct {
	claims map[string]*Claim
	mu     sync.Mutex
}

// NewMemoryStore creates a new in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]*Claim)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyClaim(c)
	m.claims[c.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return copyClaim(c), nil
}

func (m *MemoryStore) GetOpenByBookingID(ctx context.Context, bookingID string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.claims {
		if c.BookingID == bookingID && !c.IsResolved() {
			return copyClaim(c), nil
		}
	}
	return nil, ErrClaimNotFound
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Claim
	for _, c := range m.claims {
		if c.Status == status {
			result = append(result, copyClaim(c))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[id]
	if !ok {
		return false, ErrClaimNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) RecordResolution(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	c.ResolvedBy = resolvedBy
	c.ResolutionNotes = notes
	c.ResolvedAt = &at
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordReleaseError(ctx context.Context, id, releaseErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	c.ReleaseError = releaseErr
	c.UpdatedAt = time.Now()
	return nil
}

func copyClaim(c *Claim) *Claim {
	cp := *c
	cp.EvidenceURLs = append([]string(nil), c.EvidenceURLs...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
