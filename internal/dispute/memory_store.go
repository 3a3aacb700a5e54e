package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	disputes  map[string]*Dispute
	responses map[string][]*Response // by dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:  make(map[string]*Dispute),
		responses: make(map[string][]*Response),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = append([]string{}, d.Evidence...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.ContractID == d.ContractID && existing.Status.IsOpen() {
			return ErrDisputeAlreadyOpen
		}
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetOpenByContract(ctx context.Context, contractID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.ContractID == contractID && d.Status.IsOpen() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if filter.ContractID != "" && d.ContractID != filter.ContractID {
			continue
		}
		if filter.PartyID != "" && !d.IsParty(filter.PartyID) {
			continue
		}
		if filter.ArbitratorID != "" && d.ArbitratorID != filter.ArbitratorID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, copyDispute(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.IsOverdue(now) {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AddResponse(ctx context.Context, r *Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[r.DisputeID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *r
	cp.Evidence = append([]string{}, r.Evidence...)
	m.responses[r.DisputeID] = append(m.responses[r.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListResponses(ctx context.Context, disputeID string) ([]*Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Response, 0, len(m.responses[disputeID]))
	for _, r := range m.responses[disputeID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}
