package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
//
// WithTx does not roll back: callers already serialize per contract, and
// a failed step leaves the rows it wrote. Use PostgresStore in production.
type MemoryStore struct {
	mu         sync.RWMutex
	contracts  map[string]*Contract
	milestones map[string]*Milestone
	payments   map[string]*Payment
	releases   map[string]*FundRelease
	refunds    map[string]*Refund
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:  make(map[string]*Contract),
		milestones: make(map[string]*Milestone),
		payments:   make(map[string]*Payment),
		releases:   make(map[string]*FundRelease),
		refunds:    make(map[string]*Refund),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func copyMilestone(ms *Milestone) *Milestone {
	cp := *ms
	if ms.Deliverables != nil {
		cp.Deliverables = append([]string(nil), ms.Deliverables...)
	}
	return &cp
}

func copyRefund(r *Refund) *Refund {
	cp := *r
	cp.Allocations = append([]RefundAllocation(nil), r.Allocations...)
	return &cp
}

func (m *MemoryStore) CreateContract(ctx context.Context, c *Contract, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.contracts[c.ID] = &cp
	for _, ms := range milestones {
		m.milestones[ms.ID] = copyMilestone(ms)
	}
	return nil
}

func (m *MemoryStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) LockContract(ctx context.Context, id string) (*Contract, error) {
	return m.GetContract(ctx, id)
}

func (m *MemoryStore) GetContractByReference(ctx context.Context, reference string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.contracts {
		if c.Reference == reference {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrContractNotFound
}

func (m *MemoryStore) UpdateContract(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[c.ID]
	if !ok {
		return ErrContractNotFound
	}
	if stored.Version != c.Version {
		return ErrConcurrentUpdate
	}
	c.Version++
	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) ListContracts(ctx context.Context, filter ContractFilter) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if filter.PartyID != "" && c.PayerID != filter.PartyID && c.PayeeID != filter.PartyID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if !filter.After.Admits(c.CreatedAt, c.ID) {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	return copyMilestone(ms), nil
}

func (m *MemoryStore) ListMilestones(ctx context.Context, contractID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.ContractID == contractID {
			result = append(result, copyMilestone(ms))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderIndex < result[j].OrderIndex })
	return result, nil
}

func (m *MemoryStore) UpdateMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.milestones[ms.ID]; !ok {
		return ErrMilestoneNotFound
	}
	m.milestones[ms.ID] = copyMilestone(ms)
	return nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByProviderRef(ctx context.Context, provider, reference string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.ProviderReference == reference && (p.Provider == provider || p.Method == provider) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListPayments(ctx context.Context, contractID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.ContractID == contractID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateRelease(ctx context.Context, r *FundRelease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.MilestoneID != "" {
		for _, existing := range m.releases {
			if existing.MilestoneID == r.MilestoneID && existing.Status != TransferFailed {
				return ErrReleaseExists
			}
		}
	}
	cp := *r
	m.releases[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRelease(ctx context.Context, id string) (*FundRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.releases[id]
	if !ok {
		return nil, ErrReleaseNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetActiveRelease(ctx context.Context, milestoneID string) (*FundRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.releases {
		if r.MilestoneID == milestoneID && r.Status != TransferFailed {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrReleaseNotFound
}

func (m *MemoryStore) ListReleases(ctx context.Context, contractID string) ([]*FundRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*FundRelease
	for _, r := range m.releases {
		if r.ContractID == contractID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListReleasesByStatus(ctx context.Context, status TransferStatus, limit int) ([]*FundRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*FundRelease
	for _, r := range m.releases {
		if r.Status == status {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateRelease(ctx context.Context, r *FundRelease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.releases[r.ID]; !ok {
		return ErrReleaseNotFound
	}
	cp := *r
	m.releases[r.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateRefund(ctx context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refunds[r.ID] = copyRefund(r)
	return nil
}

func (m *MemoryStore) GetRefund(ctx context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return copyRefund(r), nil
}

func (m *MemoryStore) ListRefunds(ctx context.Context, contractID string) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Refund
	for _, r := range m.refunds {
		if r.ContractID == contractID {
			result = append(result, copyRefund(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListRefundsByStatus(ctx context.Context, status TransferStatus, limit int) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Refund
	for _, r := range m.refunds {
		if r.Status == status {
			result = append(result, copyRefund(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateRefund(ctx context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refunds[r.ID]; !ok {
		return ErrRefundNotFound
	}
	m.refunds[r.ID] = copyRefund(r)
	return nil
}
