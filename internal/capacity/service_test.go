package capacity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/chain"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/testutil"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

var dec = testutil.Dec

func hash(c byte) string { return "0x" + strings.Repeat(string(c), 64) }

const payoutAddr = "0x4444444444444444444444444444444444444444"

// fakeVerifier answers from a table keyed by tx hash.
type fakeVerifier struct {
	receipts map[string]*chain.Receipt
	err      error
}

func (f *fakeVerifier) VerifyDeposit(_ context.Context, txHash string, _ decimal.Decimal) (*chain.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return &chain.Receipt{TxHash: txHash, Reason: "transaction not found"}, nil
}

func (f *fakeVerifier) verified(txHash, amount string) {
	f.receipts[txHash] = &chain.Receipt{Verified: true, TxHash: txHash, Amount: dec(amount), From: payoutAddr, BlockNumber: 7}
}

type fixture struct {
	svc      *Service
	store    *ledger.MemoryStore
	verifier *fakeVerifier
	rec      *notify.Recorder
	clock    *testutil.Clock
	ctx      context.Context
}

var (
	admin   = ledger.Actor{UserID: "root", Role: ledger.RoleAdmin}
	agentU  = ledger.Actor{UserID: "agent-user", Role: ledger.RoleAgent}
	someone = ledger.Actor{UserID: "mallory", Role: ledger.RoleUser}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	v := &fakeVerifier{receipts: map[string]*chain.Receipt{}}
	rec := &notify.Recorder{}
	clk := testutil.NewClock()
	svc := NewService(store, tokens.NewTable(tokens.DefaultRates()), v).
		WithMinDeposit(dec("100")).
		WithCommissionRate(dec("0.02")).
		WithNotifier(rec).
		WithClock(clk.Now)
	return &fixture{svc: svc, store: store, verifier: v, rec: rec, clock: clk, ctx: context.Background()}
}

func (f *fixture) activeAgent(t *testing.T, deposit string) *ledger.Agent {
	t.Helper()
	a, err := f.svc.Register(f.ctx, agentU.UserID)
	require.NoError(t, err)
	f.verifier.verified(hash('a'), deposit)
	_, err = f.svc.Deposit(f.ctx, agentU, a.ID, dec(deposit), hash('a'))
	require.NoError(t, err)
	a, err = f.svc.Get(f.ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.AgentActive, a.Status)
	return a
}

func (f *fixture) mint(t *testing.T, agentID string, token tokens.Token, amount string) error {
	t.Helper()
	return f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		_, _, _, err := f.svc.ReserveMint(f.ctx, tx, agentID, token, dec(amount), f.clock.Now())
		return err
	})
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.Register(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentPending, a.Status)
	assert.True(t, a.CommissionRate.Equal(dec("0.02")))

	_, err = f.svc.Register(f.ctx, "u1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.Register(f.ctx, " ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDeposit_CreditsVerifiedAmountAndActivates(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.Register(f.ctx, agentU.UserID)
	require.NoError(t, err)

	f.verifier.verified(hash('b'), "60")
	dep, err := f.svc.Deposit(f.ctx, agentU, a.ID, dec("80"), hash('b'))
	require.NoError(t, err)
	assert.True(t, dep.AmountUSD.Equal(dec("60")), "credits the verified amount, not the claim")
	assert.Equal(t, uint64(7), dep.BlockNumber)

	a, _ = f.svc.Get(f.ctx, a.ID)
	assert.Equal(t, ledger.AgentPending, a.Status, "below the minimum")

	f.verifier.verified(hash('c'), "40")
	_, err = f.svc.Deposit(f.ctx, agentU, a.ID, dec("40"), hash('c'))
	require.NoError(t, err)
	a, _ = f.svc.Get(f.ctx, a.ID)
	assert.Equal(t, ledger.AgentActive, a.Status)
	assert.True(t, a.DepositUSD.Equal(dec("100")))
	assert.True(t, a.AvailableCapacity.Equal(dec("100")))

	txn, err := f.store.GetTransaction(f.ctx, dep.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxAgentDeposit, txn.Type)
	assert.Equal(t, ledger.TxCompleted, txn.Status)
	assert.Equal(t, hash('b'), txn.Metadata[ledger.MetaTxHash])

	assert.Equal(t, []notify.Event{
		notify.EventAgentDeposit,
		notify.EventAgentDeposit,
		notify.EventAgentActivated,
	}, f.rec.Events(agentU.UserID))
}

func TestDeposit_Rejections(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "100")

	_, err := f.svc.Deposit(f.ctx, agentU, a.ID, dec("100"), hash('a'))
	assert.ErrorIs(t, err, apperr.ErrValidation, "replayed tx hash")
	assert.Contains(t, err.Error(), "already processed")

	_, err = f.svc.Deposit(f.ctx, agentU, a.ID, dec("5"), hash('d'))
	assert.ErrorIs(t, err, apperr.ErrVerificationFailed, "unknown tx")

	f.verifier.verified(hash('e'), "5")
	_, err = f.svc.Deposit(f.ctx, someone, a.ID, dec("5"), hash('e'))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Deposit(f.ctx, agentU, a.ID, dec("5"), "0xnothex")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	f.verifier.err = errors.New("rpc down")
	_, err = f.svc.Deposit(f.ctx, agentU, a.ID, dec("5"), hash('e'))
	assert.ErrorIs(t, err, apperr.ErrVerificationFailed)

	a, _ = f.svc.Get(f.ctx, a.ID)
	assert.True(t, a.DepositUSD.Equal(dec("100")), "no rejected deposit was credited")
}

func TestReserveMint_CapacityAndCommission(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "100")

	// 90000 NT at 1500 NT/USDT is 60 USDT.
	require.NoError(t, f.mint(t, a.ID, tokens.NT, "90000"))
	a, _ = f.svc.Get(f.ctx, a.ID)
	assert.True(t, a.AvailableCapacity.Equal(dec("40")))
	assert.True(t, a.TotalMinted.Equal(dec("60")))
	assert.True(t, a.TotalEarnings.Equal(dec("1.2")))

	err := f.mint(t, a.ID, tokens.USDT, "41")
	assert.ErrorIs(t, err, apperr.ErrExceedsCapacity)
	a, _ = f.svc.Get(f.ctx, a.ID)
	assert.True(t, a.AvailableCapacity.Equal(dec("40")), "failed reserve leaves capacity untouched")

	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		usdt, err := f.svc.AbsorbBurn(f.ctx, tx, a.ID, tokens.CT, dec("6000"), f.clock.Now())
		assert.True(t, usdt.Equal(dec("10")))
		return err
	}))
	sum, err := f.svc.Summary(f.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, sum.Outstanding.Equal(dec("50")))
	assert.True(t, sum.MaxWithdrawable.Equal(dec("50")))
}

func TestWithdrawal_Lifecycle(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "200")
	require.NoError(t, f.mint(t, a.ID, tokens.USDT, "100"))

	w, err := f.svc.RequestWithdrawal(f.ctx, agentU, a.ID, dec("60"), payoutAddr)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalPending, w.Status)

	_, err = f.svc.RequestWithdrawal(f.ctx, agentU, a.ID, dec("50"), payoutAddr)
	assert.ErrorIs(t, err, apperr.ErrExceedsCapacity, "open withdrawal already reserves 60 of 100")

	_, err = f.svc.ApproveWithdrawal(f.ctx, agentU, w.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	w, err = f.svc.ApproveWithdrawal(f.ctx, admin, w.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalApproved, w.Status)
	assert.Equal(t, admin.UserID, w.ReviewedBy)

	w, err = f.svc.MarkWithdrawalPaid(f.ctx, admin, w.ID, hash('f'))
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalPaid, w.Status)
	assert.Equal(t, hash('f'), w.PayoutTxHash)
	require.NotNil(t, w.PaidAt)

	a, _ = f.svc.Get(f.ctx, a.ID)
	assert.True(t, a.DepositUSD.Equal(dec("140")))
	assert.True(t, a.AvailableCapacity.Equal(dec("40")))

	_, err = f.svc.RejectWithdrawal(f.ctx, admin, w.ID, "late")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	paid, err := f.store.ListTransactions(f.ctx, ledger.TxQuery{UserID: agentU.UserID, Type: ledger.TxAgentWithdrawal})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, w.ID, paid[0].Metadata[ledger.MetaWithdrawalID])
}

func TestWithdrawal_RejectReleasesReservation(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "100")

	w, err := f.svc.RequestWithdrawal(f.ctx, agentU, a.ID, dec("100"), payoutAddr)
	require.NoError(t, err)
	_, err = f.svc.RejectWithdrawal(f.ctx, admin, w.ID, "need more info")
	require.NoError(t, err)

	_, err = f.svc.RequestWithdrawal(f.ctx, agentU, a.ID, dec("100"), payoutAddr)
	assert.NoError(t, err)
	assert.Contains(t, f.rec.Events(agentU.UserID), notify.EventWithdrawalRejected)
}

func TestWithdrawal_ApproveRechecksAfterMint(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "100")
	w, err := f.svc.RequestWithdrawal(f.ctx, agentU, a.ID, dec("80"), payoutAddr)
	require.NoError(t, err)

	require.NoError(t, f.mint(t, a.ID, tokens.USDT, "50"))
	_, err = f.svc.ApproveWithdrawal(f.ctx, admin, w.ID, "")
	assert.ErrorIs(t, err, apperr.ErrExceedsCapacity)
}

func TestWithdrawal_InvalidDestination(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "100")
	_, err := f.svc.RequestWithdrawal(f.ctx, agentU, a.ID, dec("1"), "not-an-address")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSuspendActivate(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "100")

	_, err := f.svc.Suspend(f.ctx, a.ID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	a, err = f.svc.Suspend(f.ctx, a.ID, "fake proofs")
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentSuspended, a.Status)
	assert.Equal(t, "fake proofs", a.SuspendedReason)

	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		taken, err := f.svc.Penalize(f.ctx, tx, a.ID, dec("30"), f.clock.Now())
		assert.True(t, taken.Equal(dec("30")))
		return err
	}))
	_, err = f.svc.Activate(f.ctx, a.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "deposit fell below minimum")

	f.verifier.verified(hash('9'), "30")
	_, err = f.svc.Deposit(f.ctx, agentU, a.ID, dec("30"), hash('9'))
	require.NoError(t, err)
	a, err = f.svc.Activate(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentActive, a.Status)
	assert.Empty(t, a.SuspendedReason)
}

func TestPenalize_FloorsAtZero(t *testing.T) {
	f := newFixture(t)
	a := f.activeAgent(t, "100")
	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		taken, err := f.svc.Penalize(f.ctx, tx, a.ID, dec("250"), f.clock.Now())
		assert.True(t, taken.Equal(dec("100")))
		return err
	}))
	a, _ = f.svc.Get(f.ctx, a.ID)
	assert.True(t, a.DepositUSD.IsZero())
	assert.True(t, a.AvailableCapacity.IsZero())
}
