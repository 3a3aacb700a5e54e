package autorelease

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory rule store for demo/development mode.
type MemoryStore struct {
	mu            sync.RWMutex
	rules         map[string]*Rule
	confirmations map[string][]*Confirmation // by milestone
}

// NewMemoryStore creates a new in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:         make(map[string]*Rule),
		confirmations: make(map[string][]*Confirmation),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyRule(r *Rule) *Rule {
	cp := *r
	cp.WarningHours = append([]int{}, r.WarningHours...)
	cp.WarningsSent = append([]int{}, r.WarningsSent...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.MilestoneID == r.MilestoneID && existing.Status.IsActive() {
			return ErrRuleExists
		}
	}
	m.rules[r.ID] = copyRule(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrAutoReleaseNotFound
	}
	return copyRule(r), nil
}

func (m *MemoryStore) GetActiveByMilestone(ctx context.Context, milestoneID string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if r.MilestoneID == milestoneID && r.Status.IsActive() {
			return copyRule(r), nil
		}
	}
	return nil, ErrAutoReleaseNotFound
}

func (m *MemoryStore) Update(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[r.ID]; !ok {
		return ErrAutoReleaseNotFound
	}
	m.rules[r.ID] = copyRule(r)
	return nil
}

func (m *MemoryStore) list(limit int, keep func(*Rule) bool) []*Rule {
	var out []*Rule
	for _, r := range m.rules {
		if keep(r) {
			out = append(out, copyRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReleaseAt.Before(out[j].ReleaseAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.list(limit, func(r *Rule) bool {
		return (r.Status == StatusScheduled || r.Status == StatusWarningSent) &&
			!r.ReleaseAt.After(now) && r.RetryCount < r.MaxRetries
	}), nil
}

func (m *MemoryStore) ListUpcoming(ctx context.Context, now, before time.Time, limit int) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.list(limit, func(r *Rule) bool {
		return (r.Status == StatusScheduled || r.Status == StatusWarningSent) &&
			r.ReleaseAt.After(now) && r.ReleaseAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListByContract(ctx context.Context, contractID string) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Rule
	for _, r := range m.rules {
		if r.ContractID == contractID {
			out = append(out, copyRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateConfirmation(ctx context.Context, c *Confirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.confirmations[c.MilestoneID] = append(m.confirmations[c.MilestoneID], &cp)
	return nil
}

func (m *MemoryStore) LatestConfirmation(ctx context.Context, milestoneID string) (*Confirmation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Confirmation
	for _, c := range m.confirmations[milestoneID] {
		if latest == nil || !c.ConfirmedAt.Before(latest.ConfirmedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrConfirmationNotFound
	}
	cp := *latest
	return &cp, nil
}
