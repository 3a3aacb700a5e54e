package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// TransferError wraps transfer failures with the step that failed.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient is the subset of ethclient.Client the wallet needs.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(100000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Config configures the escrow wallet.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, with or without 0x
	ChainID      int64
	USDCContract string
}

// Receipt is a mined token transfer.
type Receipt struct {
	TxHash      string
	From        common.Address
	To          common.Address
	Amount      *big.Int
	BlockNumber uint64
}

// Wallet signs and sends USDC transfers from the platform escrow address.
type Wallet struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	usdcContract common.Address
	usdcABI      abi.ABI
	pollInterval time.Duration
}

// Option configures the wallet.
type Option func(*Wallet)

// WithClient sets the Ethereum client, for tests.
func WithClient(client EthClient) Option {
	return func(w *Wallet) { w.client = client }
}

// WithPollInterval overrides how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(w *Wallet) { w.pollInterval = d }
}

// NewWallet loads the escrow key and connects to the RPC endpoint unless a
// client is supplied.
func NewWallet(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}

	w := &Wallet{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(*publicKey),
		chainID:      big.NewInt(cfg.ChainID),
		usdcContract: common.HexToAddress(cfg.USDCContract),
		usdcABI:      parsedABI,
		pollInterval: ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}
	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.USDCContract) {
		return fmt.Errorf("%w: USDC contract", ErrInvalidAddress)
	}
	return nil
}

// Address returns the escrow address payers fund.
func (w *Wallet) Address() common.Address { return w.address }

// BalanceOf returns the USDC balance of addr in token units.
func (w *Wallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := w.usdcABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.usdcContract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// Send signs and broadcasts a USDC transfer and returns its hash without
// waiting for it to be mined.
func (w *Wallet) Send(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	data, err := w.usdcABI.Pack("transfer", to, amount)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &w.usdcContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, w.usdcContract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}
	hash := signed.Hash().Hex()
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return hash, &TransferError{Op: "send", TxHash: hash, Err: err}
	}
	return hash, nil
}

// WaitMined polls for the receipt of txHash until ctx ends. A reverted
// transaction yields ErrTransactionFailed; running out of time yields
// ErrTimeout.
func (w *Wallet) WaitMined(ctx context.Context, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for tx %s: %v", ErrTimeout, txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Receipt looks up a mined transaction once. It returns ethereum.NotFound
// while the transaction is pending or unknown.
func (w *Wallet) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	return w.client.TransactionReceipt(ctx, common.HexToHash(txHash))
}

// DepositIn finds the USDC Transfer into the escrow address within a mined
// receipt. It returns nil when the receipt holds no such transfer.
func (w *Wallet) DepositIn(receipt *types.Receipt) *Receipt {
	return w.transferIn(receipt, func(_, to common.Address) bool { return to == w.address })
}

// PayoutIn finds the USDC Transfer out of the escrow address to payee.
func (w *Wallet) PayoutIn(receipt *types.Receipt, payee common.Address) *Receipt {
	return w.transferIn(receipt, func(from, to common.Address) bool { return from == w.address && to == payee })
}

func (w *Wallet) transferIn(receipt *types.Receipt, match func(from, to common.Address) bool) *Receipt {
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return nil
	}
	for _, log := range receipt.Logs {
		if log.Address != w.usdcContract || len(log.Topics) < 3 || log.Topics[0] != transferTopic {
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes())
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if !match(from, to) {
			continue
		}
		return &Receipt{
			TxHash:      receipt.TxHash.Hex(),
			From:        from,
			To:          to,
			Amount:      new(big.Int).SetBytes(log.Data),
			BlockNumber: blockOf(receipt),
		}
	}
	return nil
}

// Ping checks the RPC endpoint answers.
func (w *Wallet) Ping(ctx context.Context) error {
	if _, err := w.client.NetworkID(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}

// Close closes the client connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
