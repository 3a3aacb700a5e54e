// Package providertest provides a scriptable in-memory payment provider
// for tests of the escrow core, the scheduler and the failover manager.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kocbridge/escrow/internal/provider"
)

// Fake records every call and answers with the configured hooks, or with
// immediate success when a hook is nil.
type Fake struct {
	name string

	mu       sync.Mutex
	holds    []provider.HoldRequest
	releases []provider.ReleaseRequest
	refunds  []provider.RefundRequest
	queries  []provider.StatusQuery
	seq      int

	HoldFunc    func(provider.HoldRequest) (*provider.HoldResult, error)
	ReleaseFunc func(provider.ReleaseRequest) (*provider.TransferResult, error)
	RefundFunc  func(provider.RefundRequest) (*provider.TransferResult, error)
	VerifyFunc  func(provider.CallbackPayload) (*provider.CallbackEvent, error)
	QueryFunc   func(provider.StatusQuery) (*provider.StatusResult, error)
	HealthErr   error
}

var (
	_ provider.Provider      = (*Fake)(nil)
	_ provider.HealthChecker = (*Fake)(nil)
)

// New creates a fake registered under name.
func New(name string) *Fake {
	return &Fake{name: name}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) nextRef(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%s_%d", f.name, prefix, f.seq)
}

func (f *Fake) Hold(_ context.Context, req provider.HoldRequest) (*provider.HoldResult, error) {
	f.mu.Lock()
	f.holds = append(f.holds, req)
	hook := f.HoldFunc
	ref := f.nextRef("hold")
	f.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	return &provider.HoldResult{
		Provider:    f.name,
		Reference:   ref,
		Status:      provider.StatusPending,
		CheckoutURL: "https://pay.example/" + ref,
	}, nil
}

func (f *Fake) Release(_ context.Context, req provider.ReleaseRequest) (*provider.TransferResult, error) {
	f.mu.Lock()
	f.releases = append(f.releases, req)
	hook := f.ReleaseFunc
	ref := f.nextRef("release")
	f.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	return &provider.TransferResult{Reference: ref, Status: provider.StatusSucceeded}, nil
}

func (f *Fake) Refund(_ context.Context, req provider.RefundRequest) (*provider.TransferResult, error) {
	f.mu.Lock()
	f.refunds = append(f.refunds, req)
	hook := f.RefundFunc
	ref := f.nextRef("refund")
	f.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	return &provider.TransferResult{Reference: ref, Status: provider.StatusSucceeded}, nil
}

func (f *Fake) VerifyCallback(_ context.Context, payload provider.CallbackPayload) (*provider.CallbackEvent, error) {
	if f.VerifyFunc != nil {
		return f.VerifyFunc(payload)
	}
	return nil, provider.ErrInvalidSignature
}

func (f *Fake) QueryStatus(_ context.Context, q provider.StatusQuery) (*provider.StatusResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	hook := f.QueryFunc
	f.mu.Unlock()

	if hook != nil {
		return hook(q)
	}
	return &provider.StatusResult{Status: provider.StatusSucceeded}, nil
}

func (f *Fake) HealthCheck(context.Context) error { return f.HealthErr }

// Holds returns the recorded hold requests.
func (f *Fake) Holds() []provider.HoldRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.HoldRequest(nil), f.holds...)
}

// Releases returns the recorded release requests.
func (f *Fake) Releases() []provider.ReleaseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.ReleaseRequest(nil), f.releases...)
}

// Refunds returns the recorded refund requests.
func (f *Fake) Refunds() []provider.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.RefundRequest(nil), f.refunds...)
}

// Queries returns the recorded status queries.
func (f *Fake) Queries() []provider.StatusQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.StatusQuery(nil), f.queries...)
}
