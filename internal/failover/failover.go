// Package failover fronts the two Vietnamese escrow gateways with one
// provider. Holds go to the primary gateway and fall back to the backup
// when the primary fails; every later call is routed to whichever gateway
// the hold result names as holder.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kocbridge/escrow/internal/circuitbreaker"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/traces"
)

var (
	// ErrNoGateway is returned when neither gateway could create the hold.
	ErrNoGateway = errors.New("failover: no gateway available")
	// ErrUnknownHolder is returned when a call names a holder the manager
	// does not front.
	ErrUnknownHolder = errors.New("failover: unknown holding gateway")
)

// IPNResult is the outcome of VerifyIPN. IsValid is false for forged or
// tampered payloads; Event is set only when IsValid.
type IPNResult struct {
	IsValid  bool
	Provider string
	Event    *provider.CallbackEvent
	Reason   string
}

// GatewayHealth is one gateway's line in a health report.
type GatewayHealth struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Healthy bool   `json:"healthy"`
	Circuit string `json:"circuit"`
	Error   string `json:"error,omitempty"`
}

// Manager routes escrow operations across a primary and a backup gateway.
type Manager struct {
	primary provider.Provider
	backup  provider.Provider
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var (
	_ provider.Provider      = (*Manager)(nil)
	_ provider.HealthChecker = (*Manager)(nil)
)

// Option configures a Manager.
type Option func(*Manager)

// WithBreaker overrides the circuit breaker guarding the primary.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(m *Manager) { m.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager. primary and backup must be distinct gateways.
func New(primary, backup provider.Provider, opts ...Option) (*Manager, error) {
	if primary == nil || backup == nil {
		return nil, errors.New("failover: primary and backup are required")
	}
	if primary.Name() == backup.Name() {
		return nil, fmt.Errorf("failover: primary and backup are both %q", primary.Name())
	}
	m := &Manager{
		primary: primary,
		backup:  backup,
		breaker: circuitbreaker.New(5, time.Minute),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name reports the funding method the manager serves.
func (m *Manager) Name() string { return provider.VNEscrow }

// Primary returns the primary gateway's name.
func (m *Manager) Primary() string { return m.primary.Name() }

// Backup returns the backup gateway's name.
func (m *Manager) Backup() string { return m.backup.Name() }

// Hold implements provider.Provider.
func (m *Manager) Hold(ctx context.Context, req provider.HoldRequest) (*provider.HoldResult, error) {
	return m.CreateKOCEscrow(ctx, req)
}

// CreateKOCEscrow opens the escrow on the primary gateway, falling back to
// the backup when the primary fails or its circuit is open. The result's
// Provider names the gateway holding the funds; callers must persist it
// and route every later operation there.
func (m *Manager) CreateKOCEscrow(ctx context.Context, req provider.HoldRequest) (*provider.HoldResult, error) {
	ctx, span := traces.StartSpan(ctx, "failover.CreateKOCEscrow",
		traces.ContractID(req.ContractID), traces.Reference(req.Reference))
	defer span.End()
	log := logging.L(ctx).With("component", "failover", "contract_id", req.ContractID)

	var res *provider.HoldResult
	err := m.breaker.Do(m.primary.Name(), func() error {
		var herr error
		res, herr = m.primary.Hold(ctx, req)
		return herr
	}, countsAgainstGateway)
	if err == nil {
		res.Provider = m.primary.Name()
		return res, nil
	}
	if ctx.Err() != nil {
		// The caller gave up; trying the backup would outlive the request.
		traces.RecordError(span, err)
		return nil, provider.Classify(m.primary.Name(), provider.OpHold, ctx.Err())
	}

	primaryErr := err.Error()
	if errors.Is(err, circuitbreaker.ErrOpen) {
		primaryErr = m.primary.Name() + ": circuit open"
	}
	log.Warn("primary gateway failed, using backup",
		"primary", m.primary.Name(), "backup", m.backup.Name(), "error", primaryErr)
	metrics.FailoverTotal.WithLabelValues(m.primary.Name(), m.backup.Name()).Inc()

	res, berr := m.backup.Hold(ctx, req)
	if berr != nil {
		traces.RecordError(span, berr)
		log.Error("backup gateway failed", "backup", m.backup.Name(), "error", berr)
		return nil, fmt.Errorf("%w: %s: %s; %s: %w", ErrNoGateway, m.primary.Name(), primaryErr, m.backup.Name(), berr)
	}
	res.Provider = m.backup.Name()
	res.UsedBackup = true
	res.PrimaryError = primaryErr
	return res, nil
}

// countsAgainstGateway reports whether err says the gateway is unhealthy.
// Business rejections (bad amount, unsupported currency) do not trip the
// circuit, but they still fail the hold over to the backup.
func countsAgainstGateway(err error) bool {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// route returns the gateway named holder.
func (m *Manager) route(holder string) (provider.Provider, error) {
	switch holder {
	case m.primary.Name():
		return m.primary, nil
	case m.backup.Name():
		return m.backup, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownHolder, holder)
}

// Release implements provider.Provider.
func (m *Manager) Release(ctx context.Context, req provider.ReleaseRequest) (*provider.TransferResult, error) {
	return m.ReleaseEscrow(ctx, req)
}

// ReleaseEscrow releases funds on the gateway holding them. There is no
// failover: the other gateway holds nothing for this contract.
func (m *Manager) ReleaseEscrow(ctx context.Context, req provider.ReleaseRequest) (*provider.TransferResult, error) {
	p, err := m.route(req.Holder)
	if err != nil {
		return nil, err
	}
	return p.Release(ctx, req)
}

// Refund implements provider.Provider.
func (m *Manager) Refund(ctx context.Context, req provider.RefundRequest) (*provider.TransferResult, error) {
	return m.RefundEscrow(ctx, req)
}

// RefundEscrow refunds funds on the gateway holding them.
func (m *Manager) RefundEscrow(ctx context.Context, req provider.RefundRequest) (*provider.TransferResult, error) {
	p, err := m.route(req.Holder)
	if err != nil {
		return nil, err
	}
	return p.Refund(ctx, req)
}

// QueryStatus asks the holding gateway about an earlier operation.
func (m *Manager) QueryStatus(ctx context.Context, q provider.StatusQuery) (*provider.StatusResult, error) {
	p, err := m.route(q.Holder)
	if err != nil {
		return nil, err
	}
	return p.QueryStatus(ctx, q)
}

// VerifyIPN verifies a callback from the named gateway. A signature
// mismatch is reported as IsValid=false, not as an error; errors are
// reserved for unknown gateways and verification that could not run.
func (m *Manager) VerifyIPN(ctx context.Context, gateway string, payload provider.CallbackPayload) (IPNResult, error) {
	p, err := m.route(gateway)
	if err != nil {
		return IPNResult{Provider: gateway}, err
	}
	ev, err := p.VerifyCallback(ctx, payload)
	if errors.Is(err, provider.ErrInvalidSignature) {
		logging.L(ctx).Warn("rejected IPN with invalid signature", "gateway", gateway)
		return IPNResult{Provider: gateway, Reason: err.Error()}, nil
	}
	if err != nil {
		return IPNResult{Provider: gateway}, err
	}
	return IPNResult{IsValid: true, Provider: gateway, Event: ev}, nil
}

// VerifyCallback implements provider.Provider for callbacks that do not
// name their gateway: the first gateway that accepts the signature wins.
func (m *Manager) VerifyCallback(ctx context.Context, payload provider.CallbackPayload) (*provider.CallbackEvent, error) {
	for _, gw := range []string{m.primary.Name(), m.backup.Name()} {
		res, err := m.VerifyIPN(ctx, gw, payload)
		if err != nil {
			return nil, err
		}
		if res.IsValid {
			return res.Event, nil
		}
	}
	return nil, provider.ErrInvalidSignature
}

// Health probes both gateways.
func (m *Manager) Health(ctx context.Context) []GatewayHealth {
	out := make([]GatewayHealth, 0, 2)
	for _, gw := range []struct {
		role string
		p    provider.Provider
	}{{"primary", m.primary}, {"backup", m.backup}} {
		h := GatewayHealth{Name: gw.p.Name(), Role: gw.role, Healthy: true, Circuit: m.breaker.State(gw.p.Name()).String()}
		if hc, ok := gw.p.(provider.HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				h.Healthy = false
				h.Error = err.Error()
			}
		}
		out = append(out, h)
	}
	return out
}

// HealthCheck fails only when neither gateway is healthy; one healthy
// gateway is enough to create new escrows.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, h := range m.Health(ctx) {
		if h.Healthy {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %s", h.Name, h.Error))
	}
	return errors.Join(append([]error{ErrNoGateway}, errs...)...)
}
