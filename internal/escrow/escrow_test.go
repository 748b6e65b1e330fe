package escrow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/capacity"
	"github.com/mbd888/fiatbridge/internal/chain"
	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/testutil"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var dec = testutil.Dec

// fakeOpener disputes the escrow the way the dispute engine would.
type fakeOpener struct {
	svc   *Service
	store ledger.Store
	mu    sync.Mutex
	calls []string
}

func (o *fakeOpener) OpenForEscrow(ctx context.Context, actor ledger.Actor, escrowID, reason, _ string) (*ledger.Dispute, error) {
	o.mu.Lock()
	o.calls = append(o.calls, escrowID+":"+reason+":"+actor.UserID)
	o.mu.Unlock()
	d := &ledger.Dispute{ID: idgen.New(), EscrowID: escrowID, Reason: reason, Status: ledger.DisputeOpen}
	err := o.store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := o.svc.DisputeTx(ctx, tx, escrowID, o.svc.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

type fixture struct {
	svc    *Service
	store  *ledger.MemoryStore
	ledger *ledger.Ledger
	capSvc *capacity.Service
	opener *fakeOpener
	rec    *notify.Recorder
	clock  *testutil.Clock
	agent  *ledger.Agent
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	rates := tokens.NewTable(tokens.DefaultRates())
	clk := testutil.NewClock()
	rec := &notify.Recorder{}

	l := ledger.New(store, rates).WithClock(clk.Now)
	capSvc := capacity.NewService(store, rates, chain.Static{}).WithClock(clk.Now)
	svc := NewService(store, capSvc).WithNotifier(rec).WithClock(clk.Now)
	opener := &fakeOpener{svc: svc, store: store}
	svc.WithDisputeOpener(opener)

	a, err := capSvc.Register(ctx, "agent-user")
	require.NoError(t, err)
	_, err = capSvc.Deposit(ctx, ledger.Actor{UserID: "agent-user"}, a.ID, dec("100"), "0x"+strings.Repeat("1", 64))
	require.NoError(t, err)
	a, err = capSvc.Get(ctx, a.ID)
	require.NoError(t, err)

	return &fixture{svc: svc, store: store, ledger: l, capSvc: capSvc, opener: opener, rec: rec, clock: clk, agent: a, ctx: ctx}
}

func (f *fixture) fund(t *testing.T, userID string, token tokens.Token, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(f.ctx, userID, token, dec(amount), nil)
	require.NoError(t, err)
}

func (f *fixture) wallet(t *testing.T, userID string, token tokens.Token) *ledger.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(f.ctx, userID, token)
	require.NoError(t, err)
	return w
}

func (f *fixture) assertNoDrift(t *testing.T) {
	t.Helper()
	supply, err := f.store.SupplyTotals(f.ctx)
	require.NoError(t, err)
	for token, s := range supply {
		assert.True(t, s.Drift().IsZero(), "%s drift %s", token, s.Drift())
	}
}

func (f *fixture) lock(t *testing.T, agentID, amount string) *ledger.Escrow {
	t.Helper()
	e, err := f.svc.Lock(f.ctx, LockInput{UserID: "alice", AgentID: agentID, Token: tokens.CT, Amount: dec(amount)})
	require.NoError(t, err)
	return e
}

func TestLock_MovesBalanceToPending(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "1000")

	e := f.lock(t, f.agent.ID, "500")
	assert.Equal(t, ledger.EscrowLocked, e.Status)
	assert.Equal(t, e.CreatedAt.Add(DefaultTimeout), e.ExpiresAt)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.Equal(dec("500")))
	assert.True(t, w.PendingBalance.Equal(dec("500")))

	txn, err := f.store.GetTransaction(f.ctx, e.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxBurn, txn.Type)
	assert.Equal(t, ledger.TxPending, txn.Status)
	assert.Equal(t, f.agent.ID, txn.AgentID)
	f.assertNoDrift(t)
}

func TestLock_InsufficientBalanceLeavesNoRows(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.NT, "100")

	_, err := f.svc.Lock(f.ctx, LockInput{UserID: "alice", AgentID: f.agent.ID, Token: tokens.NT, Amount: dec("500")})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	_, err = f.svc.Lock(f.ctx, LockInput{UserID: "nobody", Token: tokens.NT, Amount: dec("1")})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	txns, err := f.store.ListTransactions(f.ctx, ledger.TxQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, txns, 1, "only the funding credit")
	w := f.wallet(t, "alice", tokens.NT)
	assert.True(t, w.Balance.Equal(dec("100")))
	assert.True(t, w.PendingBalance.IsZero())
}

func TestLock_Validation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.NT, "100")

	_, err := f.svc.Lock(f.ctx, LockInput{UserID: "alice", Token: tokens.NT, Amount: dec("0")})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Lock(f.ctx, LockInput{UserID: "alice", Token: "EUR", Amount: dec("1")})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	w := f.wallet(t, "alice", tokens.NT)
	_, err = f.ledger.Freeze(f.ctx, w.ID, "review")
	require.NoError(t, err)
	_, err = f.svc.Lock(f.ctx, LockInput{UserID: "alice", Token: tokens.NT, Amount: dec("1")})
	assert.ErrorIs(t, err, apperr.ErrWalletFrozen)
}

func TestFinalize(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "600")
	e := f.lock(t, f.agent.ID, "600")

	e, err := f.svc.Finalize(f.ctx, e.ID, "bank ref 123")
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowCompleted, e.Status)
	require.NotNil(t, e.ResolvedAt)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.IsZero())
	assert.True(t, w.PendingBalance.IsZero())

	a, err := f.capSvc.Get(f.ctx, f.agent.ID)
	require.NoError(t, err)
	assert.True(t, a.AvailableCapacity.Equal(dec("101")), "600 CT is 1 USDT")
	assert.True(t, a.TotalBurned.Equal(dec("1")))

	txn, err := f.store.GetTransaction(f.ctx, e.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, txn.Status)
	assert.Equal(t, "bank ref 123", txn.Metadata[ledger.MetaFinalizeEvidence])
	assert.Equal(t, "1.000000", txn.Metadata[ledger.MetaAmountUSDT])
	f.assertNoDrift(t)
}

func TestEscrow_LeavesLockedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "100")
	e := f.lock(t, "", "40")

	_, err := f.svc.Refund(f.ctx, e.ID, "changed mind")
	require.NoError(t, err)
	before := f.wallet(t, "alice", tokens.CT)
	assert.True(t, before.Balance.Equal(dec("100")))
	assert.True(t, before.PendingBalance.IsZero())

	_, err = f.svc.Refund(f.ctx, e.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.svc.Finalize(f.ctx, e.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	after := f.wallet(t, "alice", tokens.CT)
	assert.True(t, after.Balance.Equal(before.Balance))
	assert.True(t, after.PendingBalance.Equal(before.PendingBalance))

	txn, err := f.store.GetTransaction(f.ctx, e.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxRefunded, txn.Status)
	assert.Equal(t, "changed mind", txn.Metadata[ledger.MetaRefundNotes])
	assert.Equal(t, []notify.Event{notify.EventEscrowRefunded}, f.rec.Events("alice"))
	f.assertNoDrift(t)
}

func TestDisputedEscrow_SettleOrRefund(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "1200")
	e1 := f.lock(t, f.agent.ID, "600")
	e2 := f.lock(t, f.agent.ID, "600")

	for _, id := range []string{e1.ID, e2.ID} {
		require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
			_, err := f.svc.DisputeTx(f.ctx, tx, id, f.clock.Now())
			return err
		}))
	}

	_, err := f.svc.Finalize(f.ctx, e1.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "plain finalize needs a locked escrow")

	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		_, err := f.svc.SettleDisputedTx(f.ctx, tx, e1.ID, "admin decision", f.clock.Now())
		return err
	}))
	_, err = f.svc.Refund(f.ctx, e2.ID, "admin decision")
	require.NoError(t, err)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.Equal(dec("600")))
	assert.True(t, w.PendingBalance.IsZero())
	f.assertNoDrift(t)
}

func TestProcessExpiredEscrows(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "300")
	withAgent := f.lock(t, f.agent.ID, "100")
	noAgent := f.lock(t, "", "100")
	fresh := f.lock(t, f.agent.ID, "100")

	// Only the first two expire.
	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		_, err := f.svc.ExtendTx(f.ctx, tx, fresh.ID, f.clock.Now().Add(2*time.Hour), f.clock.Now())
		return err
	}))
	f.clock.Advance(DefaultTimeout + time.Minute)

	res, err := f.svc.ProcessExpiredEscrows(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Disputed: 1, Refunded: 1}, res)
	assert.Equal(t, []string{withAgent.ID + ":" + ledger.ReasonAutoExpired + ":" + ledger.SystemUserID}, f.opener.calls)

	got, err := f.svc.Get(f.ctx, withAgent.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowDisputed, got.Status, "agent escrows are never silently refunded")
	got, err = f.svc.Get(f.ctx, noAgent.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowRefunded, got.Status)
	got, err = f.svc.Get(f.ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowLocked, got.Status)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.Equal(dec("100")))
	assert.True(t, w.PendingBalance.Equal(dec("200")))

	res, err = f.svc.ProcessExpiredEscrows(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "second pass has nothing to do")
	assert.Len(t, f.opener.calls, 1)
	f.assertNoDrift(t)
}

func TestProcessExpiredEscrows_ExpiresBackingBurn(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "100")

	var e *ledger.Escrow
	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		now := f.clock.Now()
		var err error
		e, _, err = f.svc.LockTx(f.ctx, tx, LockInput{UserID: "alice", Token: tokens.CT, Amount: dec("100")}, now)
		if err != nil {
			return err
		}
		return tx.BurnRequests().Insert(f.ctx, &ledger.BurnRequest{
			ID: "burn-1", UserID: "alice", EscrowID: e.ID, Token: tokens.CT, Amount: dec("100"),
			Status: ledger.BurnEscrowed, ExpiresAt: e.ExpiresAt, CreatedAt: now, UpdatedAt: now,
		})
	}))
	f.clock.Advance(time.Hour)

	res, err := f.svc.ProcessExpiredEscrows(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refunded)

	b, err := f.store.GetBurnRequest(f.ctx, "burn-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnExpired, b.Status)
}

func TestProcessExpiredEscrows_NoOpenerSkips(t *testing.T) {
	f := newFixture(t)
	f.svc.WithDisputeOpener(nil)
	f.fund(t, "alice", tokens.CT, "100")
	e := f.lock(t, f.agent.ID, "100")
	f.clock.Advance(time.Hour)

	res, err := f.svc.ProcessExpiredEscrows(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Skipped: 1}, res)
	got, _ := f.svc.Get(f.ctx, e.ID)
	assert.Equal(t, ledger.EscrowLocked, got.Status)
}

func TestTimer_SweepsAndStops(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "100")
	e := f.lock(t, "", "100")
	f.clock.Advance(time.Hour)

	timer := NewTimer(f.svc, 5*time.Millisecond, 10, testutil.DiscardLogger())
	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.svc.Get(f.ctx, e.ID)
		return err == nil && got.Status == ledger.EscrowRefunded
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
