// Package provider defines the capability every payment rail implements
// and the normalized shapes the escrow core exchanges with them.
//
// Provider-specific response data travels as a Detail, a closed set of
// per-rail structs. The core never branches on provider identity; only the
// failover manager routes by name.
package provider

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Rail and funding-method names.
const (
	Stripe    = "stripe"
	Baokim    = "baokim"
	NganLuong = "nganluong"
	Chain     = "chain"
	// VNEscrow is the funding method served by the failover manager; the
	// gateway that ends up holding the funds is recorded separately.
	VNEscrow = "vn_escrow"
)

// Status is the normalized outcome of a provider operation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Op names a provider operation for status queries and errors.
type Op string

const (
	OpHold    Op = "hold"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
	OpQuery   Op = "query"
	OpVerify  Op = "verify"
)

// HoldRequest asks a provider to take the payer's funds into escrow.
type HoldRequest struct {
	ContractID     string
	Reference      string // contract reference, echoed back by gateways
	PayerID        string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	ReturnURL      string
	IdempotencyKey string
}

// HoldResult describes a created hold. Provider is the rail actually
// holding the funds, which differs from the requested one after failover.
type HoldResult struct {
	Provider     string
	Reference    string // provider-side reference for later calls
	Status       Status
	CheckoutURL  string
	ClientSecret string
	UsedBackup   bool
	PrimaryError string
	Detail       Detail
}

// ReleaseRequest asks the holder to pay part of the held funds to the payee.
type ReleaseRequest struct {
	// Holder routes the call when the provider fronts several gateways.
	Holder         string
	HoldReference  string
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	PayeeAccount   string
	Description    string
	IdempotencyKey string
}

// RefundRequest asks the holder to return part of the held funds to the payer.
type RefundRequest struct {
	Holder         string
	HoldReference  string
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	IdempotencyKey string
}

// TransferResult is the outcome of a release or refund.
type TransferResult struct {
	Reference string // transfer id, refund id or tx hash
	Status    Status
	Detail    Detail
}

// StatusQuery asks for the state of an earlier operation.
type StatusQuery struct {
	Holder string
	Op     Op
	// Key identifies the operation: the hold reference for holds, the
	// idempotency key for releases and refunds.
	Key               string
	HoldReference     string
	ContractReference string
}

// StatusResult is the provider's view of an earlier operation.
type StatusResult struct {
	Status Status
	Amount decimal.Decimal
	Detail Detail
}

// CallbackPayload is a raw inbound IPN/webhook.
type CallbackPayload struct {
	Headers http.Header
	Body    []byte
	Form    url.Values
}

// EventKind classifies a verified callback.
type EventKind string

const (
	EventHoldSucceeded    EventKind = "hold.succeeded"
	EventHoldFailed       EventKind = "hold.failed"
	EventReleaseSucceeded EventKind = "release.succeeded"
	EventReleaseFailed    EventKind = "release.failed"
	EventRefundSucceeded  EventKind = "refund.succeeded"
	EventRefundFailed     EventKind = "refund.failed"
	EventUnknown          EventKind = "unknown"
)

// CallbackEvent is a verified, normalized callback.
type CallbackEvent struct {
	Provider string
	Kind     EventKind
	// Reference is our contract reference when the provider echoes it.
	Reference string
	// ProviderReference identifies the hold/transfer on the provider side.
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	OccurredAt        time.Time
	Detail            Detail
}

// Provider is the capability every payment rail implements.
type Provider interface {
	Name() string
	Hold(ctx context.Context, req HoldRequest) (*HoldResult, error)
	Release(ctx context.Context, req ReleaseRequest) (*TransferResult, error)
	Refund(ctx context.Context, req RefundRequest) (*TransferResult, error)
	// VerifyCallback returns ErrInvalidSignature for forged or tampered
	// payloads; nothing may be applied in that case.
	VerifyCallback(ctx context.Context, payload CallbackPayload) (*CallbackEvent, error)
	QueryStatus(ctx context.Context, q StatusQuery) (*StatusResult, error)
}

// HealthChecker is implemented by providers that can probe their upstream.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
