package provider

// Detail is the closed set of provider-specific response shapes. Only the
// types in this file implement it.
type Detail interface {
	detail()
}

// StripeDetail carries Stripe object ids.
type StripeDetail struct {
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	TransferID      string `json:"transfer_id,omitempty"`
	RefundID        string `json:"refund_id,omitempty"`
	TransferGroup   string `json:"transfer_group,omitempty"`
	EventID         string `json:"event_id,omitempty"`
}

// BaokimDetail carries gateway A order data.
type BaokimDetail struct {
	OrderID    string `json:"order_id,omitempty"`
	TxnID      string `json:"txn_id,omitempty"`
	StatusCode string `json:"status_code,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
}

// NganLuongDetail carries gateway B order data.
type NganLuongDetail struct {
	Token         string `json:"token,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	CheckoutURL   string `json:"checkout_url,omitempty"`
}

// ChainDetail carries on-chain transfer data.
type ChainDetail struct {
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
}

func (StripeDetail) detail()    {}
func (BaokimDetail) detail()    {}
func (NganLuongDetail) detail() {}
func (ChainDetail) detail()     {}

// DetailKind names the concrete detail type, for persistence and logs.
func DetailKind(d Detail) string {
	switch d.(type) {
	case StripeDetail:
		return Stripe
	case BaokimDetail:
		return Baokim
	case NganLuongDetail:
		return NganLuong
	case ChainDetail:
		return Chain
	default:
		return ""
	}
}

// TransferReference extracts the provider-side id of a transfer or refund
// from d, or "" when d carries none.
func TransferReference(d Detail) string {
	switch v := d.(type) {
	case StripeDetail:
		if v.RefundID != "" {
			return v.RefundID
		}
		return v.TransferID
	case BaokimDetail:
		return v.TxnID
	case NganLuongDetail:
		return v.TransactionID
	case ChainDetail:
		return v.TxHash
	default:
		return ""
	}
}
