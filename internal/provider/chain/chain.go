// Package chain implements provider.Provider over USDC on an EVM chain.
//
// Payers fund the contract by transferring USDC to the platform escrow
// address; the funding transaction is reported back through the callback
// endpoint and verified against its on-chain receipt. Releases and refunds
// are USDC transfers signed by the escrow key.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/money"
	"github.com/kocbridge/escrow/internal/provider"
)

// Adapter implements provider.Provider for on-chain USDC.
type Adapter struct {
	wallet  *Wallet
	chainID int64
	now     func() time.Time

	// sent maps an operation's idempotency key to the hash of the transfer
	// broadcast for it, so retries and status queries never send twice.
	mu   sync.Mutex
	sent map[string]string
}

var (
	_ provider.Provider      = (*Adapter)(nil)
	_ provider.HealthChecker = (*Adapter)(nil)
)

// New creates an adapter over w.
func New(w *Wallet, chainID int64) *Adapter {
	return &Adapter{wallet: w, chainID: chainID, now: time.Now, sent: make(map[string]string)}
}

func (a *Adapter) Name() string { return provider.Chain }

// Hold returns payment instructions: an EIP-681 URI for a USDC transfer of
// the contract amount to the escrow address.
func (a *Adapter) Hold(_ context.Context, req provider.HoldRequest) (*provider.HoldResult, error) {
	if req.Currency != money.USDC {
		return nil, provider.Rejected(provider.Chain, provider.OpHold, "unsupported_currency", "chain settles in USDC only")
	}
	units, err := money.ToMinorUnits(req.Amount, money.USDC)
	if err != nil {
		return nil, provider.Rejected(provider.Chain, provider.OpHold, "invalid_amount", err.Error())
	}
	escrow := a.wallet.Address().Hex()
	uri := fmt.Sprintf("ethereum:%s@%d/transfer?address=%s&uint256=%s",
		a.wallet.usdcContract.Hex(), a.chainID, escrow, units.String())

	return &provider.HoldResult{
		Provider:    provider.Chain,
		Reference:   req.Reference,
		Status:      provider.StatusPending,
		CheckoutURL: uri,
		Detail:      provider.ChainDetail{To: escrow},
	}, nil
}

// Release pays the KOC's address from the escrow wallet.
func (a *Adapter) Release(ctx context.Context, req provider.ReleaseRequest) (*provider.TransferResult, error) {
	if !common.IsHexAddress(req.PayeeAccount) {
		return nil, provider.Rejected(provider.Chain, provider.OpRelease, "invalid_destination", "payee has no wallet address")
	}
	return a.transfer(ctx, provider.OpRelease, req.IdempotencyKey, common.HexToAddress(req.PayeeAccount), req.Amount, req.Currency)
}

// Refund returns funds to the address that funded the hold. HoldReference
// is the funding transaction hash.
func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest) (*provider.TransferResult, error) {
	receipt, err := a.wallet.Receipt(ctx, req.HoldReference)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, provider.Rejected(provider.Chain, provider.OpRefund, "unknown_hold", "funding transaction not found")
		}
		return nil, provider.Classify(provider.Chain, provider.OpRefund, err)
	}
	deposit := a.wallet.DepositIn(receipt)
	if deposit == nil {
		return nil, provider.Rejected(provider.Chain, provider.OpRefund, "unknown_hold", "funding transaction holds no deposit")
	}
	return a.transfer(ctx, provider.OpRefund, req.IdempotencyKey, deposit.From, req.Amount, req.Currency)
}

func (a *Adapter) transfer(ctx context.Context, op provider.Op, key string, to common.Address, amount decimal.Decimal, currency string) (_ *provider.TransferResult, err error) {
	defer metrics.ObserveProviderCall(provider.Chain, string(op), time.Now(), &err)

	if currency != money.USDC {
		return nil, provider.Rejected(provider.Chain, op, "unsupported_currency", currency)
	}
	units, err := money.ToMinorUnits(amount, money.USDC)
	if err != nil {
		return nil, provider.Rejected(provider.Chain, op, "invalid_amount", err.Error())
	}

	hash, seen := a.lookup(key)
	if !seen {
		hash, err = a.wallet.Send(ctx, to, units)
		if err != nil {
			if hash == "" {
				// Failed before broadcast.
				return nil, provider.Unavailable(provider.Chain, op, err)
			}
			a.record(key, hash)
			return nil, provider.Classify(provider.Chain, op, err)
		}
		a.record(key, hash)
	}

	receipt, err := a.wallet.WaitMined(ctx, hash)
	switch {
	case errors.Is(err, ErrTransactionFailed):
		return nil, provider.Rejected(provider.Chain, op, "reverted", hash)
	case err != nil:
		return nil, provider.Ambiguous(provider.Chain, op, err)
	}
	return &provider.TransferResult{
		Reference: hash,
		Status:    provider.StatusSucceeded,
		Detail: provider.ChainDetail{
			TxHash:      hash,
			BlockNumber: blockOf(receipt),
			From:        a.wallet.Address().Hex(),
			To:          to.Hex(),
		},
	}, nil
}

func (a *Adapter) lookup(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hash, ok := a.sent[key]
	return hash, ok
}

func (a *Adapter) record(key, hash string) {
	a.mu.Lock()
	a.sent[key] = hash
	a.mu.Unlock()
}

// QueryStatus checks a funding transaction (holds) or the transfer sent for
// an idempotency key. A key this process never broadcast for stays pending:
// the chain cannot be searched by key, and reporting failure could pay twice.
func (a *Adapter) QueryStatus(ctx context.Context, q provider.StatusQuery) (_ *provider.StatusResult, err error) {
	defer metrics.ObserveProviderCall(provider.Chain, string(provider.OpQuery), time.Now(), &err)

	hash := q.Key
	if q.Op != provider.OpHold {
		var ok bool
		if hash, ok = a.lookup(q.Key); !ok {
			return &provider.StatusResult{Status: provider.StatusPending}, nil
		}
	}
	if !isTxHash(hash) {
		return &provider.StatusResult{Status: provider.StatusPending}, nil
	}

	receipt, err := a.wallet.Receipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &provider.StatusResult{Status: provider.StatusPending, Detail: provider.ChainDetail{TxHash: hash}}, nil
	}
	if err != nil {
		return nil, provider.Classify(provider.Chain, provider.OpQuery, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return &provider.StatusResult{Status: provider.StatusFailed, Detail: provider.ChainDetail{TxHash: hash}}, nil
	}

	res := &provider.StatusResult{
		Status: provider.StatusSucceeded,
		Detail: provider.ChainDetail{TxHash: hash, BlockNumber: blockOf(receipt)},
	}
	if q.Op == provider.OpHold {
		deposit := a.wallet.DepositIn(receipt)
		if deposit == nil {
			res.Status = provider.StatusFailed
			return res, nil
		}
		res.Amount = money.FromMinorUnits(deposit.Amount, money.USDC)
		res.Detail = provider.ChainDetail{TxHash: hash, BlockNumber: deposit.BlockNumber, From: deposit.From.Hex(), To: deposit.To.Hex()}
	}
	return res, nil
}

// VerifyCallback accepts {"tx_hash": "...", "reference": "..."} reporting a
// funding transfer. The on-chain receipt is the proof: a payload whose
// transaction did not move USDC into the escrow address is rejected as
// forged.
func (a *Adapter) VerifyCallback(ctx context.Context, payload provider.CallbackPayload) (*provider.CallbackEvent, error) {
	body := gjson.ParseBytes(payload.Body)
	hash := body.Get("tx_hash").String()
	if !isTxHash(hash) {
		return nil, provider.ErrInvalidSignature.WithMessage("callback carries no transaction hash")
	}

	receipt, err := a.wallet.Receipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, provider.Unavailable(provider.Chain, provider.OpVerify, fmt.Errorf("tx %s not mined yet", hash))
	}
	if err != nil {
		return nil, provider.Classify(provider.Chain, provider.OpVerify, err)
	}
	deposit := a.wallet.DepositIn(receipt)
	if deposit == nil {
		return nil, provider.ErrInvalidSignature.WithMessage("transaction holds no deposit to the escrow address")
	}

	return &provider.CallbackEvent{
		Provider:          provider.Chain,
		Kind:              provider.EventHoldSucceeded,
		Reference:         body.Get("reference").String(),
		ProviderReference: deposit.TxHash,
		Amount:            money.FromMinorUnits(deposit.Amount, money.USDC),
		Currency:          money.USDC,
		OccurredAt:        a.now(),
		Detail: provider.ChainDetail{
			TxHash:      deposit.TxHash,
			BlockNumber: deposit.BlockNumber,
			From:        deposit.From.Hex(),
			To:          deposit.To.Hex(),
		},
	}, nil
}

// HealthCheck pings the RPC endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.wallet.Ping(ctx)
}

// Close releases the RPC connection.
func (a *Adapter) Close() error { return a.wallet.Close() }

func isTxHash(s string) bool {
	return len(s) == 66 && s[:2] == "0x"
}

func blockOf(r *types.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}
