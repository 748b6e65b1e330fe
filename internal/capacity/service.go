// Package capacity tracks agent deposits, minting capacity and withdrawals.
//
// An agent's deposit (USDT) backs every token it mints. Capacity falls as the
// agent mints, rises as users burn back through it, and can be withdrawn only
// down to what still backs outstanding tokens. All figures are in USDT.
package capacity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/chain"
	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/metrics"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/traces"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// Defaults used when the service is not configured otherwise.
var (
	DefaultMinDeposit     = decimal.NewFromInt(100)
	DefaultCommissionRate = decimal.RequireFromString("0.01")
)

// Summary is an agent's capacity position.
type Summary struct {
	Agent           *ledger.Agent   `json:"agent"`
	Outstanding     decimal.Decimal `json:"outstanding"`
	MaxWithdrawable decimal.Decimal `json:"maxWithdrawable"`
	OpenWithdrawals decimal.Decimal `json:"openWithdrawals"`
}

// Service manages agents and their capacity.
type Service struct {
	store          ledger.Store
	rates          *tokens.Table
	verifier       chain.Verifier
	minDeposit     decimal.Decimal
	commissionRate decimal.Decimal
	notifier       notify.Dispatcher
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates a capacity service.
func NewService(store ledger.Store, rates *tokens.Table, verifier chain.Verifier) *Service {
	return &Service{
		store:          store,
		rates:          rates,
		verifier:       verifier,
		minDeposit:     DefaultMinDeposit,
		commissionRate: DefaultCommissionRate,
		notifier:       notify.Nop{},
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithMinDeposit sets the cumulative deposit that activates an agent.
func (s *Service) WithMinDeposit(d decimal.Decimal) *Service {
	s.minDeposit = d
	return s
}

// WithCommissionRate sets the rate new agents earn on minted value.
func (s *Service) WithCommissionRate(r decimal.Decimal) *Service {
	s.commissionRate = r
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

// Register makes userID an agent in pending status.
func (s *Service) Register(ctx context.Context, userID string) (*ledger.Agent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user id is required")
	}
	now := s.now()
	a := &ledger.Agent{
		ID:                idgen.WithPrefix("agt_"),
		UserID:            userID,
		Status:            ledger.AgentPending,
		DepositUSD:        decimal.Zero,
		AvailableCapacity: decimal.Zero,
		TotalMinted:       decimal.Zero,
		TotalBurned:       decimal.Zero,
		TotalEarnings:     decimal.Zero,
		CommissionRate:    s.commissionRate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Agents().GetByUserForUpdate(ctx, userID); err == nil {
			return apperr.InvalidState("user %s is already an agent", userID)
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return tx.Agents().Insert(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent registered", "agent_id", a.ID, "user_id", userID)
	return a, nil
}

// Get returns an agent by id.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// GetByUser returns the agent owned by userID.
func (s *Service) GetByUser(ctx context.Context, userID string) (*ledger.Agent, error) {
	return s.store.GetAgentByUser(ctx, userID)
}

// List returns agents, optionally filtered by status.
func (s *Service) List(ctx context.Context, status ledger.AgentStatus, limit int) ([]*ledger.Agent, error) {
	return s.store.ListAgents(ctx, status, limit)
}

// Summary returns the agent's capacity position.
func (s *Service) Summary(ctx context.Context, agentID string) (*Summary, error) {
	var out *Summary
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.Agents().GetForUpdate(ctx, agentID)
		if err != nil {
			return err
		}
		open, err := tx.Withdrawals().SumOpen(ctx, agentID, "")
		if err != nil {
			return err
		}
		out = &Summary{
			Agent:           a,
			Outstanding:     a.Outstanding(),
			MaxWithdrawable: a.MaxWithdrawable(),
			OpenWithdrawals: open,
		}
		return nil
	})
	return out, err
}

// Deposit verifies an on-chain deposit and credits the verified amount.
// Verification runs before the transaction; a replayed tx hash is rejected
// inside it.
func (s *Service) Deposit(ctx context.Context, actor ledger.Actor, agentID string, claimed decimal.Decimal, txHash string) (dep *ledger.AgentDeposit, err error) {
	ctx, span := traces.StartSpan(ctx, "capacity.Deposit", traces.AgentID(agentID), traces.Amount(claimed.String()))
	defer func() { traces.End(span, err) }()

	if _, err := ledger.CheckAmount(claimed); err != nil {
		return nil, err
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !validation.IsValidTxHash(txHash) {
		return nil, apperr.Validation("invalid transaction hash")
	}
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, a); err != nil {
		return nil, err
	}

	receipt, err := s.verifier.VerifyDeposit(ctx, txHash, claimed)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindVerificationFailed, err, "deposit verification failed")
	}
	if !receipt.Verified {
		return nil, apperr.New(apperr.KindVerificationFailed, "deposit not verified: %s", receipt.Reason)
	}
	credited := money.Truncate(receipt.Amount)
	if !credited.IsPositive() {
		return nil, apperr.New(apperr.KindVerificationFailed, "deposit not verified: zero amount")
	}

	var activated bool
	var agent *ledger.Agent
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		seen, err := tx.AgentDeposits().Exists(ctx, txHash)
		if err != nil {
			return err
		}
		if seen {
			return apperr.Validation("deposit already processed")
		}
		agent, err = tx.Agents().GetForUpdate(ctx, agentID)
		if err != nil {
			return err
		}
		activated = agent.AddDeposit(credited, s.minDeposit, now)
		if err := tx.Agents().Update(ctx, agent); err != nil {
			return err
		}

		txn := ledger.NewTransaction(ledger.TxAgentDeposit, ledger.TxCompleted, tokens.USDT, credited, now)
		txn.ToUserID = agent.UserID
		txn.AgentID = agent.ID
		txn.Description = "Agent deposit"
		txn.Metadata = ledger.Metadata{ledger.MetaTxHash: txHash}
		if err := tx.Transactions().Insert(ctx, txn); err != nil {
			return err
		}

		dep = &ledger.AgentDeposit{
			ID:            idgen.New(),
			AgentID:       agent.ID,
			TxHash:        txHash,
			AmountUSD:     credited,
			FromAddress:   receipt.From,
			BlockNumber:   receipt.BlockNumber,
			TransactionID: txn.ID,
			CreatedAt:     now,
		}
		return tx.AgentDeposits().Insert(ctx, dep)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent deposit credited", "agent_id", agentID, "amount", money.Format(credited),
		"claimed", money.Format(claimed), "tx_hash", txHash, "activated", activated)
	s.deliver(ctx, agent.UserID, notify.EventAgentDeposit, notify.Notification{
		Title:   "Deposit confirmed",
		Message: money.Format(credited) + " USDT added to your capacity",
		Data:    map[string]any{"agentId": agent.ID, "amount": money.Format(credited), "txHash": txHash},
	})
	if activated {
		s.deliver(ctx, agent.UserID, notify.EventAgentActivated, notify.Notification{
			Title:   "Agent activated",
			Message: "Your agent account is now active",
			Data:    map[string]any{"agentId": agent.ID},
		})
	}
	return dep, nil
}

// RequestWithdrawal reserves part of the deposit for payout. The amount may
// not exceed deposit minus outstanding minus other open withdrawals.
func (s *Service) RequestWithdrawal(ctx context.Context, actor ledger.Actor, agentID string, amount decimal.Decimal, destination string) (w *ledger.Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "capacity.RequestWithdrawal", traces.AgentID(agentID), traces.Amount(amount.String()))
	defer func() { traces.End(span, err) }()

	if _, err := ledger.CheckAmount(amount); err != nil {
		return nil, err
	}
	destination = strings.TrimSpace(destination)
	if !validation.IsValidEthAddress(destination) {
		return nil, apperr.Validation("destination must be a valid address")
	}

	var userID string
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		a, err := tx.Agents().GetForUpdate(ctx, agentID)
		if err != nil {
			return err
		}
		if err := authorize(actor, a); err != nil {
			return err
		}
		if err := s.checkWithdrawable(ctx, tx, a, amount, ""); err != nil {
			return err
		}
		userID = a.UserID
		w = &ledger.Withdrawal{
			ID:          idgen.WithPrefix("wd_"),
			AgentID:     agentID,
			AmountUSD:   amount,
			Destination: destination,
			Status:      ledger.WithdrawalPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.Withdrawals().Insert(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues("withdrawal", string(ledger.WithdrawalPending)).Inc()
	s.logger.Info("withdrawal requested", "withdrawal_id", w.ID, "agent_id", agentID, "amount", money.Format(amount))
	s.deliver(ctx, userID, notify.EventWithdrawalRequested, notify.Notification{
		Title:   "Withdrawal requested",
		Message: money.Format(amount) + " USDT withdrawal is awaiting review",
		Data:    map[string]any{"withdrawalId": w.ID, "amount": money.Format(amount)},
	})
	return w, nil
}

// ApproveWithdrawal approves a pending withdrawal after re-checking capacity.
func (s *Service) ApproveWithdrawal(ctx context.Context, actor ledger.Actor, id, notes string) (*ledger.Withdrawal, error) {
	return s.reviewWithdrawal(ctx, actor, id, ledger.WithdrawalEventApprove, func(tx ledger.Tx, a *ledger.Agent, w *ledger.Withdrawal, now time.Time) error {
		w.AdminNotes = notes
		return s.checkWithdrawable(ctx, tx, a, w.AmountUSD, w.ID)
	})
}

// MarkWithdrawalPaid records the payout and removes it from the deposit.
func (s *Service) MarkWithdrawalPaid(ctx context.Context, actor ledger.Actor, id, payoutTxHash string) (*ledger.Withdrawal, error) {
	payoutTxHash = strings.ToLower(strings.TrimSpace(payoutTxHash))
	if !validation.IsValidTxHash(payoutTxHash) {
		return nil, apperr.Validation("invalid payout transaction hash")
	}
	return s.reviewWithdrawal(ctx, actor, id, ledger.WithdrawalEventMarkPaid, func(tx ledger.Tx, a *ledger.Agent, w *ledger.Withdrawal, now time.Time) error {
		if err := s.checkWithdrawable(ctx, tx, a, w.AmountUSD, w.ID); err != nil {
			return err
		}
		w.PayoutTxHash = payoutTxHash
		a.Payout(w.AmountUSD, now)
		if err := tx.Agents().Update(ctx, a); err != nil {
			return err
		}
		txn := ledger.NewTransaction(ledger.TxAgentWithdrawal, ledger.TxCompleted, tokens.USDT, w.AmountUSD, now)
		txn.FromUserID = a.UserID
		txn.AgentID = a.ID
		txn.Description = "Agent withdrawal"
		txn.Metadata = ledger.Metadata{
			ledger.MetaTxHash:       payoutTxHash,
			ledger.MetaWithdrawalID: w.ID,
		}
		return tx.Transactions().Insert(ctx, txn)
	})
}

// RejectWithdrawal releases the reservation without paying out.
func (s *Service) RejectWithdrawal(ctx context.Context, actor ledger.Actor, id, notes string) (*ledger.Withdrawal, error) {
	return s.reviewWithdrawal(ctx, actor, id, ledger.WithdrawalEventReject, func(_ ledger.Tx, _ *ledger.Agent, w *ledger.Withdrawal, _ time.Time) error {
		w.AdminNotes = notes
		return nil
	})
}

// ListWithdrawals returns withdrawals matching q.
func (s *Service) ListWithdrawals(ctx context.Context, q ledger.WithdrawalQuery) ([]*ledger.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, q)
}

var withdrawalEvents = map[ledger.WithdrawalStatus]notify.Event{
	ledger.WithdrawalApproved: notify.EventWithdrawalApproved,
	ledger.WithdrawalPaid:     notify.EventWithdrawalPaid,
	ledger.WithdrawalRejected: notify.EventWithdrawalRejected,
}

func (s *Service) reviewWithdrawal(ctx context.Context, actor ledger.Actor, id string, ev ledger.WithdrawalEvent,
	apply func(tx ledger.Tx, a *ledger.Agent, w *ledger.Withdrawal, now time.Time) error) (w *ledger.Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "capacity.ReviewWithdrawal", traces.RequestID(id))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "admin only")
	}
	var userID string
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		w, err = tx.Withdrawals().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := w.Apply(ev, now); err != nil {
			return err
		}
		a, err := tx.Agents().GetForUpdate(ctx, w.AgentID)
		if err != nil {
			return err
		}
		userID = a.UserID
		w.ReviewedBy = actor.UserID
		if err := apply(tx, a, w, now); err != nil {
			return err
		}
		return tx.Withdrawals().Update(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues("withdrawal", string(w.Status)).Inc()
	s.logger.Info("withdrawal reviewed", "withdrawal_id", w.ID, "agent_id", w.AgentID, "status", w.Status, "reviewer", actor.UserID)
	s.deliver(ctx, userID, withdrawalEvents[w.Status], notify.Notification{
		Title:   "Withdrawal " + string(w.Status),
		Message: money.Format(w.AmountUSD) + " USDT withdrawal is " + string(w.Status),
		Data:    map[string]any{"withdrawalId": w.ID, "status": w.Status, "payoutTxHash": w.PayoutTxHash},
	})
	return w, nil
}

// checkWithdrawable fails unless amount fits in deposit minus outstanding
// minus the agent's other open withdrawals.
func (s *Service) checkWithdrawable(ctx context.Context, tx ledger.Tx, a *ledger.Agent, amount decimal.Decimal, excludeID string) error {
	open, err := tx.Withdrawals().SumOpen(ctx, a.ID, excludeID)
	if err != nil {
		return err
	}
	limit := a.MaxWithdrawable().Sub(open)
	if amount.GreaterThan(limit) {
		return apperr.New(apperr.KindExceedsCapacity, "withdrawal %s USDT exceeds withdrawable %s USDT",
			money.Format(amount), money.Format(decimal.Max(limit, decimal.Zero)))
	}
	return nil
}

// Suspend stops the agent from taking new requests.
func (s *Service) Suspend(ctx context.Context, agentID, reason string) (*ledger.Agent, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("suspension reason is required")
	}
	a, err := s.updateAgent(ctx, agentID, func(a *ledger.Agent, now time.Time) error {
		if err := a.Apply(ledger.AgentEventSuspend, now); err != nil {
			return err
		}
		a.SuspendedReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("agent suspended", "agent_id", agentID, "reason", reason)
	s.deliver(ctx, a.UserID, notify.EventAgentSuspended, notify.Notification{
		Title:   "Agent suspended",
		Message: "Your agent account has been suspended: " + reason,
		Data:    map[string]any{"agentId": a.ID},
	})
	return a, nil
}

// Activate reinstates an agent whose deposit meets the minimum.
func (s *Service) Activate(ctx context.Context, agentID string) (*ledger.Agent, error) {
	a, err := s.updateAgent(ctx, agentID, func(a *ledger.Agent, now time.Time) error {
		if a.DepositUSD.LessThan(s.minDeposit) {
			return apperr.InvalidState("agent deposit %s USDT below minimum %s USDT",
				money.Format(a.DepositUSD), money.Format(s.minDeposit))
		}
		return a.Apply(ledger.AgentEventActivate, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent activated", "agent_id", agentID)
	s.deliver(ctx, a.UserID, notify.EventAgentActivated, notify.Notification{
		Title:   "Agent activated",
		Message: "Your agent account is now active",
		Data:    map[string]any{"agentId": a.ID},
	})
	return a, nil
}

func (s *Service) updateAgent(ctx context.Context, agentID string, fn func(a *ledger.Agent, now time.Time) error) (*ledger.Agent, error) {
	var a *ledger.Agent
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		a, err = tx.Agents().GetForUpdate(ctx, agentID)
		if err != nil {
			return err
		}
		if err := fn(a, s.now()); err != nil {
			return err
		}
		return tx.Agents().Update(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ToUSDT normalizes amount of token with the current rate snapshot.
func (s *Service) ToUSDT(token tokens.Token, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.rates.Snapshot().ToUSDT(amount, token)
}

// ReserveMint consumes the agent's capacity for a mint of amount token and
// books commission. It runs inside the caller's transaction.
func (s *Service) ReserveMint(ctx context.Context, tx ledger.Tx, agentID string, token tokens.Token, amount decimal.Decimal, now time.Time) (a *ledger.Agent, usdt, commission decimal.Decimal, err error) {
	usdt, err = s.rates.Snapshot().ToUSDT(amount, token)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	a, err = tx.Agents().GetForUpdate(ctx, agentID)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	commission, err = a.ReserveMint(usdt, now)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	if err := tx.Agents().Update(ctx, a); err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	return a, usdt, commission, nil
}

// AbsorbBurn returns capacity for a completed burn of amount token. It runs
// inside the caller's transaction.
func (s *Service) AbsorbBurn(ctx context.Context, tx ledger.Tx, agentID string, token tokens.Token, amount decimal.Decimal, now time.Time) (usdt decimal.Decimal, err error) {
	usdt, err = s.rates.Snapshot().ToUSDT(amount, token)
	if err != nil {
		return decimal.Zero, err
	}
	a, err := tx.Agents().GetForUpdate(ctx, agentID)
	if err != nil {
		return decimal.Zero, err
	}
	a.AbsorbBurn(usdt, now)
	if err := tx.Agents().Update(ctx, a); err != nil {
		return decimal.Zero, err
	}
	return usdt, nil
}

// Penalize deducts usd from the agent's deposit inside the caller's
// transaction and returns what was actually taken.
func (s *Service) Penalize(ctx context.Context, tx ledger.Tx, agentID string, usd decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	a, err := tx.Agents().GetForUpdate(ctx, agentID)
	if err != nil {
		return decimal.Zero, err
	}
	taken := a.Penalize(usd, now)
	if err := tx.Agents().Update(ctx, a); err != nil {
		return decimal.Zero, err
	}
	return taken, nil
}

func (s *Service) deliver(ctx context.Context, userID string, ev notify.Event, n notify.Notification) {
	if err := s.notifier.Deliver(ctx, userID, ev, n); err != nil {
		s.logger.Warn("notification failed", "event", ev, "user_id", userID, "error", err)
	}
}

// authorize allows the agent's own user and admins.
func authorize(actor ledger.Actor, a *ledger.Agent) error {
	if actor.IsAdmin() || actor.UserID == a.UserID {
		return nil
	}
	return apperr.New(apperr.KindForbidden, "not the owner of agent %s", a.ID)
}
