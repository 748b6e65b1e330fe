package dispute

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/capacity"
	"github.com/mbd888/fiatbridge/internal/chain"
	"github.com/mbd888/fiatbridge/internal/escrow"
	"github.com/mbd888/fiatbridge/internal/exchange"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/storage"
	"github.com/mbd888/fiatbridge/internal/testutil"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var dec = testutil.Dec

var (
	alice     = ledger.Actor{UserID: "alice", Role: ledger.RoleUser}
	mallory   = ledger.Actor{UserID: "mallory", Role: ledger.RoleUser}
	agentUser = ledger.Actor{UserID: "agent-user", Role: ledger.RoleAgent}
	admin     = ledger.Actor{UserID: "root", Role: ledger.RoleAdmin}
)

var bank = ledger.BankDetails{AccountName: "Alice A", AccountNumber: "0123456789", BankName: "First Bank"}

type fixture struct {
	svc      *Service
	store    *ledger.MemoryStore
	ledger   *ledger.Ledger
	capSvc   *capacity.Service
	escrow   *escrow.Service
	exchange *exchange.Service
	rec      *notify.Recorder
	clock    *testutil.Clock
	agent    *ledger.Agent
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	rates := tokens.NewTable(tokens.DefaultRates())
	clk := testutil.NewClock()
	rec := &notify.Recorder{}

	capSvc := capacity.NewService(store, rates, chain.Static{}).WithClock(clk.Now)
	escrowSvc := escrow.NewService(store, capSvc).WithClock(clk.Now).WithNotifier(rec)
	exchangeSvc := exchange.NewService(store, capSvc, escrowSvc, storage.NewMemoryUploader("https://files.test")).
		WithNotifier(rec).WithClock(clk.Now)
	svc := NewService(store, escrowSvc, exchangeSvc, capSvc).
		WithNotifier(rec).WithClock(clk.Now).WithLogger(testutil.DiscardLogger())
	escrowSvc.WithDisputeOpener(svc)

	a, err := capSvc.Register(ctx, agentUser.UserID)
	require.NoError(t, err)
	_, err = capSvc.Deposit(ctx, agentUser, a.ID, dec("100"), "0x"+strings.Repeat("b", 64))
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		store:    store,
		ledger:   ledger.New(store, rates).WithClock(clk.Now),
		capSvc:   capSvc,
		escrow:   escrowSvc,
		exchange: exchangeSvc,
		rec:      rec,
		clock:    clk,
		agent:    a,
		ctx:      ctx,
	}
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

func (f *fixture) agentNow(t *testing.T) *ledger.Agent {
	t.Helper()
	a, err := f.capSvc.Get(f.ctx, f.agent.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) assertNoDrift(t *testing.T) {
	t.Helper()
	supply, err := f.store.SupplyTotals(f.ctx)
	require.NoError(t, err)
	for token, s := range supply {
		require.True(t, s.Drift().IsZero(), "%s drift %s", token, s.Drift())
	}
}

// burn escrows 600 CT (1 USDT) from alice against the agent.
func (f *fixture) burn(t *testing.T) *ledger.BurnRequest {
	t.Helper()
	f.fund(t, "alice", tokens.CT, "600")
	b, err := f.exchange.CreateBurn(f.ctx, alice, exchange.BurnInput{
		AgentID: f.agent.ID, Token: tokens.CT, Amount: dec("600"), Bank: bank,
	})
	require.NoError(t, err)
	return b
}

// submittedMint is a 1500 NT (1 USDT) mint with proof uploaded.
func (f *fixture) submittedMint(t *testing.T) *ledger.MintRequest {
	t.Helper()
	m, err := f.exchange.CreateMint(f.ctx, alice, exchange.MintInput{AgentID: f.agent.ID, Token: tokens.NT, Amount: dec("1500")})
	require.NoError(t, err)
	m, err = f.exchange.SubmitMintProof(f.ctx, alice, m.ID, exchange.Proof{
		Filename: "receipt.png", ContentType: "image/png", Body: strings.NewReader("png"),
	})
	require.NoError(t, err)
	return m
}

func TestOpen_BurnFreezesEscrowAndRequest(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)

	d, err := f.svc.OpenForBurn(f.ctx, alice, b.ID, "agent unresponsive", "no reply for an hour")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, d.Status)
	assert.Equal(t, ledger.LevelAuto, d.Level)
	assert.Equal(t, ledger.SubjectEscrow, d.SubjectType)
	assert.Equal(t, b.EscrowID, d.EscrowID)
	assert.Equal(t, f.agent.ID, d.AgentID)
	assert.Equal(t, "alice", d.OpenerID)

	e, err := f.escrow.Get(f.ctx, b.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowDisputed, e.Status)
	got, err := f.store.GetBurnRequest(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnDisputed, got.Status)

	assert.Contains(t, f.rec.Events("agent-user"), notify.EventDisputeOpened)
	assert.Contains(t, f.rec.Events("alice"), notify.EventDisputeOpened)

	_, err = f.svc.OpenForEscrow(f.ctx, agentUser, b.EscrowID, "again", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestOpen_Guards(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)

	_, err := f.svc.OpenForBurn(f.ctx, alice, b.ID, "   ", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.OpenForBurn(f.ctx, mallory, b.ID, "not mine", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Open(f.ctx, alice, OpenInput{SubjectType: "invoice", SubjectID: b.ID, Reason: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Open(f.ctx, alice, OpenInput{SubjectType: ledger.SubjectEscrow, SubjectID: b.EscrowID, Reason: "x", Level: "urgent"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	m, err := f.exchange.CreateMint(f.ctx, alice, exchange.MintInput{AgentID: f.agent.ID, Token: tokens.NT, Amount: dec("100")})
	require.NoError(t, err)
	_, err = f.svc.OpenForMint(f.ctx, alice, m.ID, "pending mint", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "no proof yet")

	disputes, err := f.svc.List(f.ctx, ledger.DisputeQuery{})
	require.NoError(t, err)
	assert.Empty(t, disputes)
}

func TestResolve_BurnRefund(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	d, err := f.svc.OpenForBurn(f.ctx, alice, b.ID, "agent unresponsive", "")
	require.NoError(t, err)

	_, err = f.svc.Resolve(f.ctx, alice, d.ID, ResolveInput{Action: ledger.ActionRefund})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: "split"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	d, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionRefund, Notes: "no fiat evidence"})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, d.Status)
	require.NotNil(t, d.Resolution)
	assert.Equal(t, ledger.ActionRefund, d.Resolution.Action)
	assert.Equal(t, "root", d.Resolution.ResolverID)
	assert.True(t, d.Resolution.PenaltyUSD.IsZero())

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.Equal(dec("600")))
	assert.True(t, w.PendingBalance.IsZero())

	got, err := f.store.GetBurnRequest(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnRejected, got.Status)
	assert.Contains(t, got.RejectionReason, d.ID)
	assert.True(t, f.agentNow(t).AvailableCapacity.Equal(dec("100")))
	assert.Contains(t, f.rec.Events("alice"), notify.EventEscrowRefunded)
	assert.Contains(t, f.rec.Events("alice"), notify.EventDisputeResolved)

	_, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionComplete})
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "resolution is final")
	f.assertNoDrift(t)
}

func TestResolve_BurnComplete(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	d, err := f.svc.OpenForBurn(f.ctx, agentUser, b.ID, "user will not confirm", "bank receipt attached")
	require.NoError(t, err)

	_, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionComplete})
	require.NoError(t, err)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.IsZero())
	assert.True(t, w.PendingBalance.IsZero())

	got, err := f.store.GetBurnRequest(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnConfirmed, got.Status)

	e, err := f.escrow.Get(f.ctx, b.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowCompleted, e.Status)
	assert.Contains(t, e.Metadata[ledger.MetaFinalizeEvidence], d.ID)
	assert.True(t, f.agentNow(t).AvailableCapacity.Equal(dec("101")))
	f.assertNoDrift(t)
}

func TestResolve_PenalizeAgent(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	d, err := f.svc.OpenForBurn(f.ctx, alice, b.ID, "fiat never arrived", "")
	require.NoError(t, err)

	_, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionPenalize})
	assert.ErrorIs(t, err, apperr.ErrValidation, "penalty required")

	d, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionPenalize, PenaltyUSD: dec("30")})
	require.NoError(t, err)
	assert.True(t, d.Resolution.PenaltyUSD.Equal(dec("30")))
	assert.NotContains(t, d.Resolution.Metadata, metaPenaltyRequested)

	a := f.agentNow(t)
	assert.True(t, a.DepositUSD.Equal(dec("70")))
	assert.True(t, a.AvailableCapacity.Equal(dec("70")))
	assert.True(t, f.wallet(t, "alice", tokens.CT).Balance.Equal(dec("600")), "user is refunded")
	f.assertNoDrift(t)
}

func TestResolve_PenaltyCappedAtDeposit(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	d, err := f.svc.OpenForBurn(f.ctx, alice, b.ID, "fraud", "")
	require.NoError(t, err)

	d, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionPenalize, PenaltyUSD: dec("250")})
	require.NoError(t, err)
	assert.True(t, d.Resolution.PenaltyUSD.Equal(dec("100")))
	assert.Equal(t, "250.000000", d.Resolution.Metadata[metaPenaltyRequested])
	assert.True(t, f.agentNow(t).DepositUSD.IsZero())
}

func TestResolve_ZeroesPenaltyForOtherActions(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	d, err := f.svc.OpenForBurn(f.ctx, alice, b.ID, "slow", "")
	require.NoError(t, err)

	d, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionRefund, PenaltyUSD: dec("5")})
	require.NoError(t, err)
	assert.True(t, d.Resolution.PenaltyUSD.IsZero())
	assert.True(t, f.agentNow(t).DepositUSD.Equal(dec("100")))
}

func TestResolve_MintComplete(t *testing.T) {
	f := newFixture(t)
	m := f.submittedMint(t)

	d, err := f.svc.OpenForMint(f.ctx, alice, m.ID, "agent ignored my payment", "")
	require.NoError(t, err)
	assert.Equal(t, ledger.SubjectMint, d.SubjectType)
	assert.Equal(t, m.ID, d.MintRequestID)

	_, err = f.exchange.ConfirmMint(f.ctx, agentUser, m.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "disputed mints are frozen")

	d, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionComplete})
	require.NoError(t, err)
	assert.NotContains(t, d.Resolution.Metadata, ledger.MetaFiatReversal)

	got, err := f.store.GetMintRequest(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MintConfirmed, got.Status)
	assert.NotEmpty(t, got.TransactionID)
	assert.True(t, f.wallet(t, "alice", tokens.NT).Balance.Equal(dec("1500")))
	assert.True(t, f.agentNow(t).AvailableCapacity.Equal(dec("99")))
	assert.Contains(t, f.rec.Events("alice"), notify.EventMintConfirmed)
	f.assertNoDrift(t)
}

func TestResolve_MintRefundNeedsManualReversal(t *testing.T) {
	f := newFixture(t)
	m := f.submittedMint(t)
	d, err := f.svc.OpenForMint(f.ctx, agentUser, m.ID, "proof is forged", "")
	require.NoError(t, err)

	d, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionRefund})
	require.NoError(t, err)
	assert.Equal(t, ledger.FiatReversalManual, d.Resolution.Metadata[ledger.MetaFiatReversal])
	assert.Equal(t, d.ID, d.Resolution.Metadata[ledger.MetaDisputeID])

	got, err := f.store.GetMintRequest(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MintRejected, got.Status)
	assert.Empty(t, got.TransactionID)
	assert.True(t, f.agentNow(t).AvailableCapacity.Equal(dec("100")))

	_, err = f.store.GetWallet(f.ctx, "alice", tokens.NT)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "nothing was issued")
}

func TestResolve_ExpiredMintCanBeDisputed(t *testing.T) {
	f := newFixture(t)
	m := f.submittedMint(t)
	f.clock.Advance(25 * time.Hour)

	n, err := f.exchange.ExpireStaleMints(f.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := f.svc.OpenForMint(f.ctx, alice, m.ID, "paid but agent let it lapse", "")
	require.NoError(t, err)
	_, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionComplete})
	require.NoError(t, err)
	assert.True(t, f.wallet(t, "alice", tokens.NT).Balance.Equal(dec("1500")))
}

func TestEscalate(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	d, err := f.svc.OpenForBurn(f.ctx, alice, b.ID, "slow", "")
	require.NoError(t, err)

	_, err = f.svc.Escalate(f.ctx, mallory, d.ID, ledger.LevelSupport)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	d, err = f.svc.Escalate(f.ctx, agentUser, d.ID, ledger.LevelSupport)
	require.NoError(t, err)
	assert.Equal(t, ledger.LevelSupport, d.Level)

	_, err = f.svc.Escalate(f.ctx, alice, d.ID, ledger.LevelAuto)
	assert.ErrorIs(t, err, apperr.ErrValidation, "levels only go up")
	_, err = f.svc.Escalate(f.ctx, alice, d.ID, "boss")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	d, err = f.svc.Escalate(f.ctx, alice, d.ID, " ADMIN ")
	require.NoError(t, err)
	assert.Equal(t, ledger.LevelAdmin, d.Level)

	_, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionRefund})
	require.NoError(t, err)
	_, err = f.svc.Escalate(f.ctx, alice, d.ID, ledger.LevelAdmin)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	d, err := f.svc.OpenForBurn(f.ctx, agentUser, b.ID, "user silent", "")
	require.NoError(t, err)

	for _, actor := range []ledger.Actor{alice, agentUser, admin} {
		_, err := f.svc.Get(f.ctx, actor, d.ID)
		assert.NoError(t, err, actor.UserID)
	}
	_, err = f.svc.Get(f.ctx, mallory, d.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSweep_ExpiredBurnOpensDispute(t *testing.T) {
	f := newFixture(t)
	b := f.burn(t)
	f.clock.Advance(31 * time.Minute)

	res, err := f.escrow.ProcessExpiredEscrows(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disputed)

	disputes, err := f.svc.List(f.ctx, ledger.DisputeQuery{Status: ledger.DisputeOpen, AgentID: f.agent.ID})
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	d := disputes[0]
	assert.Equal(t, ledger.ReasonAutoExpired, d.Reason)
	assert.Equal(t, ledger.SystemUserID, d.OpenerID)
	assert.Equal(t, b.EscrowID, d.EscrowID)

	got, err := f.store.GetBurnRequest(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnDisputed, got.Status)
	assert.True(t, f.wallet(t, "alice", tokens.CT).PendingBalance.Equal(dec("600")), "tokens stay held")

	res, err = f.escrow.ProcessExpiredEscrows(f.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Disputed+res.Refunded)

	_, err = f.svc.Resolve(f.ctx, admin, d.ID, ResolveInput{Action: ledger.ActionRefund})
	require.NoError(t, err)
	assert.True(t, f.wallet(t, "alice", tokens.CT).Balance.Equal(dec("600")))
	f.assertNoDrift(t)
}
