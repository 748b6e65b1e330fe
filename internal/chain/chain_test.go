package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/circuitbreaker"
)

const (
	tokenAddr   = "0x1111111111111111111111111111111111111111"
	depositAddr = "0x2222222222222222222222222222222222222222"
	senderAddr  = "0x3333333333333333333333333333333333333333"
)

var txHash = "0x" + strings.Repeat("ab", 32)

type fakeClient struct {
	receipt *types.Receipt
	err     error
	head    uint64
	calls   int
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.calls++
	return f.receipt, f.err
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeClient) Close() {}

func transferLog(token, to string, raw int64) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(common.HexToAddress(senderAddr).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(raw).Bytes(), 32),
	}
}

func okReceipt(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		Logs:        logs,
	}
}

func newVerifier(t *testing.T, client *fakeClient, confirmations uint64) *EthVerifier {
	t.Helper()
	v, err := NewEthVerifier(Config{
		TokenContract:  tokenAddr,
		DepositAddress: depositAddr,
		Confirmations:  confirmations,
	}, WithClient(client), WithBreaker(circuitbreaker.New(2, 0)))
	require.NoError(t, err)
	return v
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestVerifyDeposit_Verified(t *testing.T) {
	client := &fakeClient{receipt: okReceipt(transferLog(tokenAddr, depositAddr, 250_500000)), head: 102}
	v := newVerifier(t, client, 3)

	r, err := v.VerifyDeposit(context.Background(), txHash, dec("250"))
	require.NoError(t, err)
	assert.True(t, r.Verified, r.Reason)
	assert.True(t, r.Amount.Equal(dec("250.5")), "reports the transferred amount")
	assert.Equal(t, common.HexToAddress(senderAddr).Hex(), r.From)
	assert.Equal(t, uint64(100), r.BlockNumber)
}

func TestVerifyDeposit_Rejections(t *testing.T) {
	failed := okReceipt(transferLog(tokenAddr, depositAddr, 100_000000))
	failed.Status = types.ReceiptStatusFailed

	cases := []struct {
		name    string
		client  *fakeClient
		reason  string
		confirm uint64
	}{
		{"not found", &fakeClient{err: ethereum.NotFound}, "not found", 0},
		{"reverted", &fakeClient{receipt: failed}, "failed", 0},
		{"unconfirmed", &fakeClient{receipt: okReceipt(transferLog(tokenAddr, depositAddr, 100_000000)), head: 101}, "confirmations", 3},
		{"wrong token", &fakeClient{receipt: okReceipt(transferLog(senderAddr, depositAddr, 100_000000))}, "no token transfer", 0},
		{"wrong recipient", &fakeClient{receipt: okReceipt(transferLog(tokenAddr, senderAddr, 100_000000))}, "no token transfer", 0},
		{"short", &fakeClient{receipt: okReceipt(transferLog(tokenAddr, depositAddr, 99_999999))}, "expected", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := newVerifier(t, tc.client, tc.confirm).VerifyDeposit(context.Background(), txHash, dec("100"))
			require.NoError(t, err)
			assert.False(t, r.Verified)
			assert.Contains(t, r.Reason, tc.reason)
		})
	}
}

func TestVerifyDeposit_SumsMultipleTransfers(t *testing.T) {
	client := &fakeClient{receipt: okReceipt(
		transferLog(tokenAddr, depositAddr, 60_000000),
		transferLog(tokenAddr, depositAddr, 40_000000),
	)}
	r, err := newVerifier(t, client, 0).VerifyDeposit(context.Background(), txHash, dec("100"))
	require.NoError(t, err)
	assert.True(t, r.Verified)
}

func TestVerifyDeposit_RPCFailureTripsBreaker(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	v := newVerifier(t, client, 0)

	for range 2 {
		_, err := v.VerifyDeposit(context.Background(), txHash, dec("1"))
		assert.ErrorIs(t, err, apperr.ErrVerificationFailed)
	}
	_, err := v.VerifyDeposit(context.Background(), txHash, dec("1"))
	assert.ErrorIs(t, err, apperr.ErrVerificationFailed)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, client.calls, "open circuit short-circuits the RPC")
}

func TestVerifyDeposit_InvalidHash(t *testing.T) {
	v := newVerifier(t, &fakeClient{}, 0)
	_, err := v.VerifyDeposit(context.Background(), "0x1234", dec("1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNewEthVerifier_Config(t *testing.T) {
	_, err := NewEthVerifier(Config{TokenContract: "nope", DepositAddress: depositAddr}, WithClient(&fakeClient{}))
	assert.Error(t, err)
	_, err = NewEthVerifier(Config{TokenContract: tokenAddr, DepositAddress: "nope"}, WithClient(&fakeClient{}))
	assert.Error(t, err)
	_, err = NewEthVerifier(Config{TokenContract: tokenAddr, DepositAddress: depositAddr})
	assert.Error(t, err, "no client and no RPC URL")
}

func TestStatic(t *testing.T) {
	r, err := Static{}.VerifyDeposit(context.Background(), txHash, dec("5"))
	require.NoError(t, err)
	assert.True(t, r.Verified)
	assert.True(t, r.Amount.Equal(dec("5")))

	_, err = Static{}.VerifyDeposit(context.Background(), "bad", dec("5"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
