package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kocbridge/escrow/internal/auth"
	"github.com/kocbridge/escrow/internal/notify"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/syncutil"
)

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 30 * time.Second

// Service implements the contract engine and the fund release pipeline.
type Service struct {
	store     Store
	providers *provider.Registry
	scheduler Scheduler
	notifier  notify.Notifier
	locks     *syncutil.KeyedMutex
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, providers *provider.Registry) *Service {
	return &Service{
		store:     store,
		providers: providers,
		locks:     syncutil.NewKeyedMutex(),
		timeout:   DefaultProviderTimeout,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithScheduler wires the auto-release scheduler.
func (s *Service) WithScheduler(sch Scheduler) *Service {
	s.scheduler = sch
	return s
}

// WithNotifier wires outbound notifications.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the logger for background paths.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithProviderTimeout bounds each provider call.
func (s *Service) WithProviderTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the underlying store to collaborators that share its
// transactions.
func (s *Service) Store() Store { return s.store }

// locked runs fn with the contract serialized in-process and read for
// update inside a store transaction. fn sees the current row; changes it
// makes through the store commit together.
func (s *Service) locked(ctx context.Context, contractID string, fn func(ctx context.Context, c *Contract) error) error {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return fmt.Errorf("lock contract %s: %w", contractID, err)
	}
	defer unlock()

	return s.store.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.store.LockContract(ctx, contractID)
		if err != nil {
			return err
		}
		return fn(ctx, c)
	})
}

// authorizeRead allows the parties and staff.
func authorizeRead(c *Contract, actor auth.Actor) error {
	if c.IsParty(actor.ID) || actor.IsStaff() {
		return nil
	}
	return ErrAccessDenied
}

// authorizePayer allows the payer, or an admin when adminOK.
func authorizePayer(c *Contract, actor auth.Actor, adminOK bool) error {
	if actor.ID == c.PayerID || (adminOK && actor.IsAdmin()) {
		return nil
	}
	if c.IsParty(actor.ID) || actor.IsStaff() {
		return ErrPayerOnly
	}
	return ErrAccessDenied
}

func (s *Service) holder(c *Contract) (provider.Provider, error) {
	name := c.HoldingProvider
	if name == "" {
		name = c.PaymentMethod
	}
	// The VN failover manager serves both gateways and routes by holder.
	if name == provider.Baokim || name == provider.NganLuong {
		if p, err := s.providers.Get(provider.VNEscrow); err == nil {
			return p, nil
		}
	}
	return s.providers.Get(name)
}

func (s *Service) notify(ctx context.Context, ev *notify.Event) {
	notify.Deliver(ctx, s.notifier, ev)
}

func (s *Service) milestoneEvent(typ notify.EventType, c *Contract, m *Milestone, recipients ...string) *notify.Event {
	return &notify.Event{
		Type:        typ,
		Recipients:  recipients,
		ContractID:  c.ID,
		MilestoneID: m.ID,
		Data: map[string]interface{}{
			"reference": c.Reference,
			"title":     m.Title,
			"amount":    m.Amount.String(),
			"currency":  c.Currency,
		},
	}
}

func timePtr(t time.Time) *time.Time { return &t }
