package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

var bank = ledger.BankDetails{AccountName: "Alice A", AccountNumber: "0123456789", BankName: "First Bank"}

func (f *fixture) createBurn(t *testing.T, amount string) *ledger.BurnRequest {
	t.Helper()
	b, err := f.svc.CreateBurn(f.ctx, alice, BurnInput{AgentID: f.agent.ID, Token: tokens.CT, Amount: dec(amount), Bank: bank})
	require.NoError(t, err)
	return b
}

func TestBurn_CreateEscrowsTokens(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "800")

	b := f.createBurn(t, "500")
	assert.Equal(t, ledger.BurnEscrowed, b.Status)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.Equal(dec("300")))
	assert.True(t, w.PendingBalance.Equal(dec("500")))

	e, err := f.escrow.Get(f.ctx, b.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowLocked, e.Status)
	assert.Equal(t, f.agent.ID, e.AgentID)
	assert.Equal(t, b.ExpiresAt, e.ExpiresAt)
	assert.Equal(t, b.ID, e.Metadata[ledger.MetaRequestID])
	assert.Equal(t, []notify.Event{notify.EventBurnCreated}, f.rec.Events("agent-user"))
}

func TestBurn_CreateGuards(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.NT, "100")
	f.fund(t, "agent-user", tokens.NT, "100")

	_, err := f.svc.CreateBurn(f.ctx, alice, BurnInput{AgentID: f.agent.ID, Token: tokens.NT, Amount: dec("500"), Bank: bank})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	_, err = f.svc.CreateBurn(f.ctx, alice, BurnInput{AgentID: f.agent.ID, Token: tokens.NT, Amount: dec("10")})
	assert.ErrorIs(t, err, apperr.ErrValidation, "bank details are required")

	_, err = f.svc.CreateBurn(f.ctx, agentUser, BurnInput{AgentID: f.agent.ID, Token: tokens.NT, Amount: dec("10"), Bank: bank})
	assert.ErrorIs(t, err, apperr.ErrValidation, "self-dealing")

	burns, err := f.svc.ListBurns(f.ctx, ledger.RequestQuery{AgentID: f.agent.ID})
	require.NoError(t, err)
	assert.Empty(t, burns)
	txns, err := f.store.ListTransactions(f.ctx, ledger.TxQuery{UserID: "alice", Type: ledger.TxBurn})
	require.NoError(t, err)
	assert.Empty(t, txns)

	w := f.wallet(t, "alice", tokens.NT)
	assert.True(t, w.Balance.Equal(dec("100")))
	assert.True(t, w.PendingBalance.IsZero())
}

func TestBurn_RejectionRefundsEscrow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "500")
	b := f.createBurn(t, "500")

	_, err := f.svc.RejectBurn(f.ctx, alice, b.ID, "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	b, err = f.svc.RejectBurn(f.ctx, agentUser, b.ID, "bank details invalid")
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnRejected, b.Status)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.Equal(dec("500")))
	assert.True(t, w.PendingBalance.IsZero())

	e, err := f.escrow.Get(f.ctx, b.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowRefunded, e.Status)
	assert.Equal(t, []notify.Event{notify.EventBurnRejected}, f.rec.Events("alice"))

	_, err = f.svc.RejectBurn(f.ctx, agentUser, b.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.True(t, f.wallet(t, "alice", tokens.CT).Balance.Equal(dec("500")))
	f.assertNoDrift(t)
}

func TestBurn_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "600")
	b := f.createBurn(t, "600")

	_, err := f.svc.ConfirmBurn(f.ctx, alice, b.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "nothing to confirm before fiat is sent")

	f.clock.Advance(20 * time.Minute)
	b, err = f.svc.MarkFiatSent(f.ctx, agentUser, b.ID, pngProof())
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnFiatSent, b.Status)
	require.NotNil(t, b.FiatSentAt)
	assert.Equal(t, b.FiatSentAt.Add(30*time.Minute), b.ExpiresAt)
	assert.NotEmpty(t, b.FiatProofURL)

	e, err := f.escrow.Get(f.ctx, b.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, b.ExpiresAt, e.ExpiresAt, "escrow deadline follows the burn")

	_, err = f.svc.RejectBurn(f.ctx, agentUser, b.ID, "too late")
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "agents cannot reject after sending fiat")
	_, err = f.svc.ConfirmBurn(f.ctx, agentUser, b.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	f.clock.Advance(20 * time.Minute)
	b, err = f.svc.ConfirmBurn(f.ctx, alice, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnConfirmed, b.Status)

	w := f.wallet(t, "alice", tokens.CT)
	assert.True(t, w.Balance.IsZero())
	assert.True(t, w.PendingBalance.IsZero())
	a := f.agentNow(t)
	assert.True(t, a.AvailableCapacity.Equal(dec("101")))
	assert.True(t, a.TotalBurned.Equal(dec("1")))

	e, err = f.escrow.Get(f.ctx, b.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowCompleted, e.Status)
	txn, err := f.store.GetTransaction(f.ctx, e.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, txn.Status)
	assert.Equal(t, b.ID, txn.Metadata[ledger.MetaRequestID])

	assert.Equal(t, []notify.Event{notify.EventBurnFiatSent}, f.rec.Events("alice"))
	assert.Equal(t, []notify.Event{notify.EventBurnCreated, notify.EventBurnConfirmed}, f.rec.Events("agent-user"))
	f.assertNoDrift(t)
}

func TestBurn_FiatSentAfterDeadline(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "10")
	b := f.createBurn(t, "10")
	f.clock.Advance(31 * time.Minute)

	_, err := f.svc.MarkFiatSent(f.ctx, agentUser, b.ID, pngProof())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.MarkFiatSent(f.ctx, alice, b.ID, pngProof())
	assert.Error(t, err)
}

func TestBurn_ProofValidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "10")
	b := f.createBurn(t, "10")

	_, err := f.svc.MarkFiatSent(f.ctx, agentUser, b.ID, Proof{Filename: "x.exe", ContentType: "application/octet-stream", Body: pngProof().Body})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.MarkFiatSent(f.ctx, agentUser, b.ID, Proof{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := f.svc.GetBurn(f.ctx, alice, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnEscrowed, got.Status)
	_, err = f.svc.GetBurn(f.ctx, ledger.Actor{UserID: "mallory"}, b.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestBurn_DisputeHelpers(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "600")
	b := f.createBurn(t, "600")

	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		now := f.clock.Now()
		if _, err := f.escrow.DisputeTx(f.ctx, tx, b.EscrowID, now); err != nil {
			return err
		}
		got, err := f.svc.ApplyBurnEventTx(f.ctx, tx, b.EscrowID, ledger.BurnEventDispute, "", now)
		if err != nil {
			return err
		}
		assert.Equal(t, ledger.BurnDisputed, got.Status)
		return nil
	}))

	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		now := f.clock.Now()
		if _, err := f.escrow.RefundTx(f.ctx, tx, b.EscrowID, "admin", now); err != nil {
			return err
		}
		_, err := f.svc.ApplyBurnEventTx(f.ctx, tx, b.EscrowID, ledger.BurnEventSettleReject, "agent never paid", now)
		return err
	}))
	got, err := f.store.GetBurnRequest(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BurnRejected, got.Status)
	assert.Equal(t, "agent never paid", got.RejectionReason)

	require.NoError(t, f.store.WithTx(f.ctx, func(tx ledger.Tx) error {
		none, err := f.svc.ApplyBurnEventTx(f.ctx, tx, "esc_unknown", ledger.BurnEventDispute, "", f.clock.Now())
		assert.Nil(t, none)
		return err
	}))
	f.assertNoDrift(t)
}
