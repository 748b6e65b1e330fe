// Package chain verifies agent USDT deposits against an EVM chain.
//
// The ledger treats the verifier as a trusted oracle: it only credits the
// amount a Receipt reports, never the amount the agent claimed.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/circuitbreaker"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// ERC-20 Transfer(address,address,uint256)
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const breakerKey = "chain_rpc"

// Receipt is the oracle's answer for one deposit.
type Receipt struct {
	Verified    bool            `json:"verified"`
	Reason      string          `json:"reason,omitempty"`
	TxHash      string          `json:"txHash"`
	Amount      decimal.Decimal `json:"amount"`
	From        string          `json:"from,omitempty"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
}

// Verifier checks that txHash moved at least expected USDT to the platform
// deposit address.
type Verifier interface {
	VerifyDeposit(ctx context.Context, txHash string, expected decimal.Decimal) (*Receipt, error)
}

// EthClient is the subset of ethclient.Client the verifier needs.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Config configures an EthVerifier.
type Config struct {
	RPCURL         string
	TokenContract  string
	DepositAddress string
	Confirmations  uint64
	Timeout        time.Duration
	// Decimals of the token contract; USDT uses 6.
	Decimals int32
}

// EthVerifier reads receipts over JSON-RPC.
type EthVerifier struct {
	client        EthClient
	token         common.Address
	deposit       common.Address
	confirmations uint64
	timeout       time.Duration
	decimals      int32
	breaker       *circuitbreaker.Breaker
	logger        *slog.Logger
}

// Option configures an EthVerifier.
type Option func(*EthVerifier)

// WithClient injects an RPC client instead of dialing (tests).
func WithClient(c EthClient) Option {
	return func(v *EthVerifier) { v.client = c }
}

// WithBreaker sets the circuit breaker guarding RPC calls.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(v *EthVerifier) { v.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *EthVerifier) { v.logger = l }
}

// NewEthVerifier validates cfg and dials the RPC endpoint unless a client
// was injected.
func NewEthVerifier(cfg Config, opts ...Option) (*EthVerifier, error) {
	if !validation.IsValidEthAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("chain: invalid token contract %q", cfg.TokenContract)
	}
	if !validation.IsValidEthAddress(cfg.DepositAddress) {
		return nil, fmt.Errorf("chain: invalid deposit address %q", cfg.DepositAddress)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = money.Decimals
	}

	v := &EthVerifier{
		token:         common.HexToAddress(cfg.TokenContract),
		deposit:       common.HexToAddress(cfg.DepositAddress),
		confirmations: cfg.Confirmations,
		timeout:       cfg.Timeout,
		decimals:      cfg.Decimals,
		breaker:       circuitbreaker.New(5, 30*time.Second),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("chain: RPC URL is required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
		}
		v.client = client
	}
	return v, nil
}

// Close releases the RPC connection.
func (v *EthVerifier) Close() {
	v.client.Close()
}

// VerifyDeposit implements Verifier. A deposit that fails a check comes back
// as an unverified Receipt with a Reason; RPC failures come back as
// ExternalVerificationFailed errors.
func (v *EthVerifier) VerifyDeposit(ctx context.Context, txHash string, expected decimal.Decimal) (*Receipt, error) {
	if !validation.IsValidTxHash(txHash) {
		return nil, apperr.Validation("invalid transaction hash")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	out := &Receipt{TxHash: strings.ToLower(txHash)}

	var receipt *types.Receipt
	err := v.breaker.Do(breakerKey, countable, func() error {
		var err error
		receipt, err = v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
		return err
	})
	switch {
	case errors.Is(err, ethereum.NotFound):
		out.Reason = "transaction not found"
		return out, nil
	case err != nil:
		return nil, v.rpcError("fetch receipt", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		out.Reason = "transaction failed on-chain"
		return out, nil
	}

	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if v.confirmations > 0 {
		var head uint64
		err := v.breaker.Do(breakerKey, countable, func() error {
			var err error
			head, err = v.client.BlockNumber(ctx)
			return err
		})
		if err != nil {
			return nil, v.rpcError("fetch block number", err)
		}
		if head < out.BlockNumber || head-out.BlockNumber+1 < v.confirmations {
			out.Reason = fmt.Sprintf("waiting for %d confirmations", v.confirmations)
			return out, nil
		}
	}

	total := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != v.token || len(lg.Topics) < 3 || lg.Topics[0] != transferEventSig {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != v.deposit {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
		if out.From == "" {
			out.From = common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
		}
	}
	if total.Sign() == 0 {
		out.Reason = "no token transfer to the deposit address"
		return out, nil
	}

	out.Amount = money.Truncate(decimal.NewFromBigInt(total, -v.decimals))
	if out.Amount.LessThan(expected) {
		out.Reason = fmt.Sprintf("transferred %s, expected %s", money.Format(out.Amount), money.Format(expected))
		return out, nil
	}
	out.Verified = true
	v.logger.Info("deposit verified", "tx_hash", out.TxHash, "amount", money.Format(out.Amount), "from", out.From, "block", out.BlockNumber)
	return out, nil
}

func (v *EthVerifier) rpcError(op string, err error) error {
	v.logger.Warn("chain rpc failed", "op", op, "error", err)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperr.Wrap(apperr.KindVerificationFailed, err, "chain oracle unavailable")
	}
	return apperr.Wrap(apperr.KindVerificationFailed, err, "chain oracle: %s", op)
}

// "not found" is a healthy answer from the node.
func countable(err error) bool {
	return !errors.Is(err, ethereum.NotFound)
}

// Static is a development verifier that trusts every well-formed hash and
// reports the expected amount as transferred.
type Static struct {
	From string
}

// VerifyDeposit implements Verifier.
func (s Static) VerifyDeposit(_ context.Context, txHash string, expected decimal.Decimal) (*Receipt, error) {
	if !validation.IsValidTxHash(txHash) {
		return nil, apperr.Validation("invalid transaction hash")
	}
	return &Receipt{
		Verified: true,
		TxHash:   strings.ToLower(txHash),
		Amount:   expected,
		From:     s.From,
	}, nil
}
