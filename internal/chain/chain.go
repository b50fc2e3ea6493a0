// Package chain handles all blockchain interactions for usage settlement.
//
// The broker signs and submits usage attestations to a fixed contract.
// Nonce assignment is the caller's responsibility: the settlement queue
// owns nonce ordering, so SubmitUsage never fetches its own nonce.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrReceiptNotFound   = errors.New("chain: receipt not available")
	ErrTxReverted        = errors.New("chain: transaction reverted")
)

// SubmitError wraps submission failures with context
type SubmitError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Usage-logging contract ABI: one append-only attestation function.
const usageABI = `[
	{"inputs":[{"name":"grantId","type":"bytes32"},{"name":"listingId","type":"bytes32"},{"name":"calls","type":"uint256"},{"name":"cost","type":"uint256"}],"name":"logUsage","outputs":[],"type":"function"}
]`

const (
	// DefaultGasLimit for logUsage calls
	DefaultGasLimit = uint64(120000)
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a usage logger
type Config struct {
	RPCURL       string
	PrivateKey   string // Hex string, 0x prefix optional
	ChainID      int64
	ContractAddr string
}

// Option configures the usage logger
type Option func(*UsageLogger)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(u *UsageLogger) {
		u.client = client
	}
}

// UsageRecord is one usage attestation to be written on-chain.
type UsageRecord struct {
	GrantID   string
	ListingID string
	Calls     uint64
	CostRaw   *big.Int // raw USDC units (6 decimals)
}

// Receipt describes an included settlement transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// UsageLogger signs and submits usage attestations to the settlement contract.
type UsageLogger struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

// New creates a new UsageLogger
func New(cfg Config, opts ...Option) (*UsageLogger, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(usageABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse usage ABI: %w", err)
	}

	u := &UsageLogger{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.ContractAddr),
		abi:        parsedABI,
	}

	// Apply options
	for _, opt := range opts {
		opt(u)
	}

	// Connect to RPC if no client provided
	if u.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		u.client = client
	}

	return u, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.ContractAddr == "" {
		return fmt.Errorf("usage contract address required")
	}
	return nil
}

// Address returns the signing address
func (u *UsageLogger) Address() string {
	return u.address.Hex()
}

// PendingNonce returns the next nonce for the signing address as seen by
// the node's pending pool.
func (u *UsageLogger) PendingNonce(ctx context.Context) (uint64, error) {
	nonce, err := u.client.PendingNonceAt(ctx, u.address)
	if err != nil {
		return 0, &SubmitError{Op: "nonce", Err: err}
	}
	return nonce, nil
}

// SubmitUsage signs and sends one usage attestation with the caller-assigned
// nonce. It returns as soon as the node accepts the transaction; confirmation
// is tracked separately via Receipt.
func (u *UsageLogger) SubmitUsage(ctx context.Context, nonce uint64, record UsageRecord) (string, error) {
	data, err := u.abi.Pack("logUsage",
		idToBytes32(record.GrantID),
		idToBytes32(record.ListingID),
		new(big.Int).SetUint64(record.Calls),
		record.CostRaw,
	)
	if err != nil {
		return "", &SubmitError{Op: "pack", Err: err}
	}

	gasPrice, err := u.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmitError{Op: "gas_price", Err: err}
	}

	tx := types.NewTransaction(nonce, u.contract, big.NewInt(0), DefaultGasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(u.chainID), u.privateKey)
	if err != nil {
		return "", &SubmitError{Op: "sign", Err: err}
	}

	if err := u.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &SubmitError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}

// Receipt checks whether a submitted transaction has been included.
// Returns ErrReceiptNotFound while the transaction is still pending and
// ErrTxReverted if it was included but failed.
func (u *UsageLogger) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := u.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReceiptNotFound, err)
	}

	if receipt.Status == 0 {
		return nil, &SubmitError{Op: "confirm", TxHash: txHash, Err: ErrTxReverted}
	}

	return &Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Close closes the client connection
func (u *UsageLogger) Close() error {
	if u.client != nil {
		u.client.Close()
	}
	return nil
}

// idToBytes32 maps a string identifier to a bytes32 contract argument.
// IDs longer than 32 bytes are hashed so distinct IDs stay distinct.
func idToBytes32(id string) [32]byte {
	var out [32]byte
	if len(id) <= 32 {
		copy(out[:], id)
		return out
	}
	return [32]byte(crypto.Keccak256Hash([]byte(id)))
}
