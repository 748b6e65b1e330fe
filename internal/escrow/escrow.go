// Package escrow holds a user's tokens while an agent's fiat payment is
// unconfirmed.
//
// Flow:
//  1. Lock → amount moves balance → pending_balance, burn transaction pending
//  2. Finalize → pending_balance settled, agent capacity restored, transaction completed
//  3. Refund → pending_balance back to balance, transaction refunded
//  4. Expiry → escrows with an agent are disputed, the rest refunded
//
// Each escrow leaves locked exactly once; the status table is the guard.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/capacity"
	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/metrics"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/traces"
)

// DefaultTimeout is how long an escrow stays locked before the sweep acts.
const DefaultTimeout = 30 * time.Minute

// DisputeOpener opens a dispute on an expired escrow. The dispute engine
// implements it; the indirection keeps the package graph acyclic.
type DisputeOpener interface {
	OpenForEscrow(ctx context.Context, actor ledger.Actor, escrowID, reason, details string) (*ledger.Dispute, error)
}

// LockInput describes a new hold.
type LockInput struct {
	UserID   string
	AgentID  string
	Token    tokens.Token
	Amount   decimal.Decimal
	Metadata ledger.Metadata
	// ExpiresAt defaults to now plus the service timeout.
	ExpiresAt time.Time
}

// SweepResult counts what one expiry pass did.
type SweepResult struct {
	Disputed int `json:"disputed"`
	Refunded int `json:"refunded"`
	Skipped  int `json:"skipped"`
}

// Service manages escrow holds.
type Service struct {
	store    ledger.Store
	capacity *capacity.Service
	opener   DisputeOpener
	timeout  time.Duration
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an escrow service. Finalizing an escrow with an agent
// returns the burned value to that agent's capacity.
func NewService(store ledger.Store, capacitySvc *capacity.Service) *Service {
	return &Service{
		store:    store,
		capacity: capacitySvc,
		timeout:  DefaultTimeout,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithDisputeOpener sets the engine the sweep hands expired agent escrows to.
func (s *Service) WithDisputeOpener(o DisputeOpener) *Service {
	s.opener = o
	return s
}

// WithTimeout sets the default lock lifetime.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithNotifier sets the post-commit notification sink.
func (s *Service) WithNotifier(n notify.Dispatcher) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Get returns one escrow.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// Lock moves amount from the user's balance into pending_balance.
func (s *Service) Lock(ctx context.Context, in LockInput) (e *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Lock", traces.UserID(in.UserID), traces.AgentID(in.AgentID),
		traces.Token(string(in.Token)), traces.Amount(in.Amount.String()))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		e, _, err = s.LockTx(ctx, tx, in, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowOutcomesTotal.WithLabelValues(string(ledger.EscrowLocked)).Inc()
	s.logger.Info("escrow locked", "escrow_id", e.ID, "user_id", e.UserID, "agent_id", e.AgentID,
		"token", e.Token, "amount", money.Format(e.Amount))
	return e, nil
}

// LockTx is Lock inside the caller's transaction. It returns the escrow and
// its pending burn transaction.
func (s *Service) LockTx(ctx context.Context, tx ledger.Tx, in LockInput, now time.Time) (*ledger.Escrow, *ledger.Transaction, error) {
	if !in.Token.Valid() {
		return nil, nil, apperr.Validation("unknown token type %q", in.Token)
	}
	if _, err := ledger.CheckAmount(in.Amount); err != nil {
		return nil, nil, err
	}
	w, err := tx.Wallets().GetForUpdate(ctx, in.UserID, in.Token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, apperr.New(apperr.KindInsufficientBalance,
				"insufficient balance: have 0.000000 %s, need %s", in.Token, money.Format(in.Amount))
		}
		return nil, nil, err
	}
	if err := w.Hold(in.Amount, now); err != nil {
		return nil, nil, err
	}
	if err := tx.Wallets().Update(ctx, w); err != nil {
		return nil, nil, err
	}

	txn := ledger.NewTransaction(ledger.TxBurn, ledger.TxPending, in.Token, in.Amount, now)
	txn.FromWalletID = w.ID
	txn.FromUserID = in.UserID
	txn.AgentID = in.AgentID
	txn.Metadata = in.Metadata.Clone()
	if err := tx.Transactions().Insert(ctx, txn); err != nil {
		return nil, nil, err
	}

	expires := in.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(s.timeout)
	}
	e := &ledger.Escrow{
		ID:            idgen.WithPrefix("esc_"),
		TransactionID: txn.ID,
		UserID:        in.UserID,
		AgentID:       in.AgentID,
		WalletID:      w.ID,
		Token:         in.Token,
		Amount:        in.Amount,
		Status:        ledger.EscrowLocked,
		Metadata:      in.Metadata.Clone(),
		ExpiresAt:     expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.Escrows().Insert(ctx, e); err != nil {
		return nil, nil, err
	}
	return e, txn, nil
}

// Finalize settles a locked escrow: the held tokens are burned and the
// agent's capacity absorbs them.
func (s *Service) Finalize(ctx context.Context, escrowID, evidence string) (e *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Finalize", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		e, err = s.FinalizeTx(ctx, tx, escrowID, evidence, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ObserveResolved(e)
	s.logger.Info("escrow finalized", "escrow_id", e.ID, "agent_id", e.AgentID, "amount", money.Format(e.Amount))
	return e, nil
}

// FinalizeTx is Finalize inside the caller's transaction.
func (s *Service) FinalizeTx(ctx context.Context, tx ledger.Tx, escrowID, evidence string, now time.Time) (*ledger.Escrow, error) {
	return s.complete(ctx, tx, escrowID, ledger.EscrowEventFinalize, evidence, now)
}

// SettleDisputedTx completes a disputed escrow in favour of the agent.
func (s *Service) SettleDisputedTx(ctx context.Context, tx ledger.Tx, escrowID, evidence string, now time.Time) (*ledger.Escrow, error) {
	return s.complete(ctx, tx, escrowID, ledger.EscrowEventSettleDispute, evidence, now)
}

func (s *Service) complete(ctx context.Context, tx ledger.Tx, escrowID string, ev ledger.EscrowEvent, evidence string, now time.Time) (*ledger.Escrow, error) {
	e, err := tx.Escrows().GetForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := e.Apply(ev, now); err != nil {
		return nil, err
	}
	if evidence != "" {
		e.Metadata = e.Metadata.With(ledger.MetaFinalizeEvidence, evidence)
	}

	w, err := tx.Wallets().GetByIDForUpdate(ctx, e.WalletID)
	if err != nil {
		return nil, err
	}
	w.SettleHold(e.Amount, now)
	if err := tx.Wallets().Update(ctx, w); err != nil {
		return nil, err
	}

	var setUSDT func(*ledger.Transaction)
	if e.AgentID != "" {
		usdt, err := s.capacity.AbsorbBurn(ctx, tx, e.AgentID, e.Token, e.Amount, now)
		if err != nil {
			return nil, err
		}
		setUSDT = func(t *ledger.Transaction) {
			t.Metadata = t.Metadata.With(ledger.MetaAmountUSDT, money.Format(usdt))
		}
	}
	if err := s.updateTxn(ctx, tx, e, ledger.TxEventComplete, now, setUSDT); err != nil {
		return nil, err
	}

	if err := tx.Escrows().Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Refund returns a locked or disputed escrow to the user's balance.
func (s *Service) Refund(ctx context.Context, escrowID, notes string) (e *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		e, err = s.RefundTx(ctx, tx, escrowID, notes, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ObserveResolved(e)
	s.logger.Info("escrow refunded", "escrow_id", e.ID, "user_id", e.UserID, "amount", money.Format(e.Amount))
	s.NotifyRefunded(ctx, e)
	return e, nil
}

// RefundTx is Refund inside the caller's transaction.
func (s *Service) RefundTx(ctx context.Context, tx ledger.Tx, escrowID, notes string, now time.Time) (*ledger.Escrow, error) {
	e, err := tx.Escrows().GetForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := e.Apply(ledger.EscrowEventRefund, now); err != nil {
		return nil, err
	}
	if notes != "" {
		e.Metadata = e.Metadata.With(ledger.MetaRefundNotes, notes)
	}

	w, err := tx.Wallets().GetByIDForUpdate(ctx, e.WalletID)
	if err != nil {
		return nil, err
	}
	if err := w.ReleaseHold(e.Amount, now); err != nil {
		return nil, err
	}
	if err := tx.Wallets().Update(ctx, w); err != nil {
		return nil, err
	}
	if err := s.updateTxn(ctx, tx, e, ledger.TxEventRefund, now, nil); err != nil {
		return nil, err
	}
	if err := tx.Escrows().Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// DisputeTx moves a locked escrow to disputed. Balances stay held.
func (s *Service) DisputeTx(ctx context.Context, tx ledger.Tx, escrowID string, now time.Time) (*ledger.Escrow, error) {
	e, err := tx.Escrows().GetForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := e.Apply(ledger.EscrowEventDispute, now); err != nil {
		return nil, err
	}
	if err := tx.Escrows().Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ExtendTx resets a locked escrow's deadline.
func (s *Service) ExtendTx(ctx context.Context, tx ledger.Tx, escrowID string, expiresAt, now time.Time) (*ledger.Escrow, error) {
	e, err := tx.Escrows().GetForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != ledger.EscrowLocked {
		return nil, apperr.InvalidState("cannot extend escrow in status %s", e.Status)
	}
	e.ExpiresAt = expiresAt
	e.UpdatedAt = now
	if err := tx.Escrows().Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// NotifyRefunded tells the owner their tokens are spendable again.
func (s *Service) NotifyRefunded(ctx context.Context, e *ledger.Escrow) {
	if err := s.notifier.Deliver(ctx, e.UserID, notify.EventEscrowRefunded, notify.Notification{
		Title:   "Tokens returned",
		Message: money.Format(e.Amount) + " " + string(e.Token) + " returned to your balance",
		Data:    map[string]any{"escrowId": e.ID, "amount": money.Format(e.Amount), "token": e.Token},
	}); err != nil {
		s.logger.Warn("notification failed", "event", notify.EventEscrowRefunded, "user_id", e.UserID, "error", err)
	}
}

func (s *Service) updateTxn(ctx context.Context, tx ledger.Tx, e *ledger.Escrow, ev ledger.TxEvent, now time.Time, fn func(*ledger.Transaction)) error {
	t, err := tx.Transactions().GetForUpdate(ctx, e.TransactionID)
	if err != nil {
		return err
	}
	if err := t.Apply(ev, now); err != nil {
		return err
	}
	if v, ok := e.Metadata[ledger.MetaFinalizeEvidence]; ok && ev == ledger.TxEventComplete {
		t.Metadata = t.Metadata.With(ledger.MetaFinalizeEvidence, v)
	}
	if v, ok := e.Metadata[ledger.MetaRefundNotes]; ok && ev == ledger.TxEventRefund {
		t.Metadata = t.Metadata.With(ledger.MetaRefundNotes, v)
	}
	if fn != nil {
		fn(t)
	}
	return tx.Transactions().Update(ctx, t)
}

// ObserveResolved records outcome metrics for an escrow that left the
// locked state. Engines that settle escrows inside their own transactions
// call it after commit.
func (s *Service) ObserveResolved(e *ledger.Escrow) {
	metrics.EscrowOutcomesTotal.WithLabelValues(string(e.Status)).Inc()
	metrics.EscrowDuration.Observe(e.UpdatedAt.Sub(e.CreatedAt).Seconds())
}

// ProcessExpiredEscrows sweeps up to limit locked escrows past their
// deadline. Escrows with an agent go to dispute; the rest are refunded.
// Each escrow is handled on its own, and status is re-checked under lock,
// so re-running over the same rows has no further effect.
func (s *Service) ProcessExpiredEscrows(ctx context.Context, limit int) (res SweepResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ProcessExpiredEscrows")
	defer func() { traces.End(span, err) }()

	expired, err := s.store.ListExpiredEscrows(ctx, s.now(), limit)
	if err != nil {
		return res, err
	}
	for _, e := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, err := s.sweepOne(ctx, e)
		switch {
		case err != nil && apperr.KindOf(err) == apperr.KindInvalidState:
			outcome = "skipped"
		case err != nil:
			s.logger.Warn("escrow sweep failed", "escrow_id", e.ID, "error", err)
			outcome = "error"
		}
		metrics.EscrowSweepItemsTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case "disputed":
			res.Disputed++
		case "refunded":
			res.Refunded++
		default:
			res.Skipped++
		}
	}
	if len(expired) > 0 {
		s.logger.Info("escrow sweep complete", "disputed", res.Disputed, "refunded", res.Refunded, "skipped", res.Skipped)
	}
	return res, nil
}

func (s *Service) sweepOne(ctx context.Context, e *ledger.Escrow) (string, error) {
	if e.AgentID != "" {
		if s.opener == nil {
			return "skipped", nil
		}
		d, err := s.opener.OpenForEscrow(ctx, ledger.System, e.ID, ledger.ReasonAutoExpired,
			"escrow expired at "+e.ExpiresAt.Format(time.RFC3339))
		if err != nil {
			return "", err
		}
		s.logger.Info("expired escrow disputed", "escrow_id", e.ID, "dispute_id", d.ID, "agent_id", e.AgentID)
		return "disputed", nil
	}

	var refunded *ledger.Escrow
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		cur, err := tx.Escrows().GetForUpdate(ctx, e.ID)
		if err != nil {
			return err
		}
		if !cur.IsExpired(now) {
			return apperr.InvalidState("escrow %s is no longer expired and locked", e.ID)
		}
		refunded, err = s.RefundTx(ctx, tx, e.ID, ledger.ReasonAutoExpired, now)
		if err != nil {
			return err
		}
		b, err := tx.BurnRequests().GetByEscrowForUpdate(ctx, e.ID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.Apply(ledger.BurnEventExpire, now); err != nil {
			return err
		}
		return tx.BurnRequests().Update(ctx, b)
	})
	if err != nil {
		return "", err
	}
	s.ObserveResolved(refunded)
	s.logger.Info("expired escrow refunded", "escrow_id", e.ID, "user_id", e.UserID)
	s.NotifyRefunded(ctx, refunded)
	return "refunded", nil
}
