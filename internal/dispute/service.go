// Package dispute adjudicates failed escrows and mint requests.
//
// A dispute freezes its subject (the escrow or mint request moves to
// disputed) until an admin resolves it with one of three actions:
//
//   - refund: the user's escrowed tokens are returned, or the mint is
//     rejected
//   - penalize_agent: as refund, plus a deduction from the agent's deposit
//   - complete: the escrow is burned, or the mint is issued
//
// Resolution is recorded once and never changes.
package dispute

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/capacity"
	"github.com/mbd888/fiatbridge/internal/escrow"
	"github.com/mbd888/fiatbridge/internal/exchange"
	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/metrics"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/traces"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// OpenInput describes a new dispute.
type OpenInput struct {
	SubjectType ledger.SubjectType
	SubjectID   string
	Reason      string
	Details     string
	// Level defaults to auto.
	Level ledger.EscalationLevel
}

// ResolveInput is the admin's decision.
type ResolveInput struct {
	Action ledger.ResolutionAction
	// PenaltyUSD is required for penalize_agent and ignored otherwise.
	PenaltyUSD decimal.Decimal
	Notes      string
}

// Service opens, escalates and resolves disputes.
type Service struct {
	store    ledger.Store
	escrow   *escrow.Service
	exchange *exchange.Service
	capacity *capacity.Service
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

var _ escrow.DisputeOpener = (*Service)(nil)

// NewService creates a dispute service.
func NewService(store ledger.Store, escrowSvc *escrow.Service, exchangeSvc *exchange.Service, capacitySvc *capacity.Service) *Service {
	return &Service{
		store:    store,
		escrow:   escrowSvc,
		exchange: exchangeSvc,
		capacity: capacitySvc,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
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

// parties is who a dispute concerns.
type parties struct {
	ownerID     string
	agentID     string
	agentUserID string
}

func (p parties) allowed(actor ledger.Actor) bool {
	return actor.IsAdmin() || actor.UserID == p.ownerID || (p.agentUserID != "" && actor.UserID == p.agentUserID)
}

func agentUser(ctx context.Context, tx ledger.Tx, agentID string) (string, error) {
	if agentID == "" {
		return "", nil
	}
	a, err := tx.Agents().GetForUpdate(ctx, agentID)
	if err != nil {
		return "", err
	}
	return a.UserID, nil
}

// OpenForEscrow disputes a locked escrow and the burn request it backs.
// The expiry sweep calls it with the system actor.
func (s *Service) OpenForEscrow(ctx context.Context, actor ledger.Actor, escrowID, reason, details string) (*ledger.Dispute, error) {
	return s.Open(ctx, actor, OpenInput{SubjectType: ledger.SubjectEscrow, SubjectID: escrowID, Reason: reason, Details: details})
}

// OpenForMint disputes a submitted or expired mint request.
func (s *Service) OpenForMint(ctx context.Context, actor ledger.Actor, mintID, reason, details string) (*ledger.Dispute, error) {
	return s.Open(ctx, actor, OpenInput{SubjectType: ledger.SubjectMint, SubjectID: mintID, Reason: reason, Details: details})
}

// OpenForBurn disputes the escrow behind a burn request.
func (s *Service) OpenForBurn(ctx context.Context, actor ledger.Actor, burnID, reason, details string) (*ledger.Dispute, error) {
	b, err := s.store.GetBurnRequest(ctx, burnID)
	if err != nil {
		return nil, err
	}
	return s.OpenForEscrow(ctx, actor, b.EscrowID, reason, details)
}

// Open creates a dispute and moves its subject to disputed. A subject that
// is already disputed or resolved fails with InvalidState.
func (s *Service) Open(ctx context.Context, actor ledger.Actor, in OpenInput) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.UserID(actor.UserID), traces.RequestID(in.SubjectID))
	defer func() { traces.End(span, err) }()

	in.Reason = validation.SanitizeString(in.Reason, 200)
	in.Details = validation.SanitizeString(in.Details, 2000)
	if in.Reason == "" {
		return nil, apperr.Validation("dispute reason is required")
	}
	if in.Level == "" {
		in.Level = ledger.LevelAuto
	}
	if in.Level.Rank() == 0 {
		return nil, apperr.Validation("unknown escalation level %q", in.Level)
	}

	var p parties
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		switch in.SubjectType {
		case ledger.SubjectEscrow:
			p, err = s.disputeEscrowTx(ctx, tx, actor, in.SubjectID, now)
		case ledger.SubjectMint:
			p, err = s.disputeMintTx(ctx, tx, actor, in.SubjectID, now)
		default:
			err = apperr.Validation("unknown dispute subject %q", in.SubjectType)
		}
		if err != nil {
			return err
		}
		d = &ledger.Dispute{
			ID:          idgen.WithPrefix("dsp_"),
			SubjectType: in.SubjectType,
			OpenerID:    actor.UserID,
			AgentID:     p.agentID,
			Reason:      in.Reason,
			Details:     in.Details,
			Status:      ledger.DisputeOpen,
			Level:       in.Level,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if in.SubjectType == ledger.SubjectEscrow {
			d.EscrowID = in.SubjectID
		} else {
			d.MintRequestID = in.SubjectID
		}
		return tx.Disputes().Insert(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened", "none").Inc()
	s.logger.Info("dispute opened", "dispute_id", d.ID, "subject", d.SubjectType, "subject_id", in.SubjectID,
		"opener_id", d.OpenerID, "agent_id", d.AgentID, "reason", d.Reason)
	n := notify.Notification{
		Title:   "Dispute opened",
		Message: "A dispute was opened: " + d.Reason,
		Data:    disputeData(d),
	}
	s.deliver(ctx, p.ownerID, notify.EventDisputeOpened, n)
	s.deliver(ctx, p.agentUserID, notify.EventDisputeOpened, n)
	return d, nil
}

func (s *Service) disputeEscrowTx(ctx context.Context, tx ledger.Tx, actor ledger.Actor, escrowID string, now time.Time) (parties, error) {
	e, err := tx.Escrows().GetForUpdate(ctx, escrowID)
	if err != nil {
		return parties{}, err
	}
	au, err := agentUser(ctx, tx, e.AgentID)
	if err != nil {
		return parties{}, err
	}
	p := parties{ownerID: e.UserID, agentID: e.AgentID, agentUserID: au}
	if !p.allowed(actor) {
		return parties{}, apperr.NotFound("escrow")
	}
	if _, err := s.escrow.DisputeTx(ctx, tx, escrowID, now); err != nil {
		return parties{}, err
	}
	if _, err := s.exchange.ApplyBurnEventTx(ctx, tx, escrowID, ledger.BurnEventDispute, "", now); err != nil {
		return parties{}, err
	}
	return p, nil
}

func (s *Service) disputeMintTx(ctx context.Context, tx ledger.Tx, actor ledger.Actor, mintID string, now time.Time) (parties, error) {
	m, err := tx.MintRequests().GetForUpdate(ctx, mintID)
	if err != nil {
		return parties{}, err
	}
	au, err := agentUser(ctx, tx, m.AgentID)
	if err != nil {
		return parties{}, err
	}
	p := parties{ownerID: m.UserID, agentID: m.AgentID, agentUserID: au}
	if !p.allowed(actor) {
		return parties{}, apperr.NotFound("mint request")
	}
	if _, err := s.exchange.DisputeMintTx(ctx, tx, mintID, now); err != nil {
		return parties{}, err
	}
	return p, nil
}

// metaPenaltyRequested records the admin's penalty when the deposit could
// not cover it. PenaltyUSD holds what was actually deducted.
const metaPenaltyRequested = "penalty_requested_usd"

// outcome carries what a resolution changed, for post-commit effects.
type outcome struct {
	escrow *ledger.Escrow
	burn   *ledger.BurnRequest
	mint   *ledger.MintRequest
	taken  decimal.Decimal
	p      parties
}

// Resolve applies the admin's decision to the dispute's subject and records
// the resolution, all in one transaction.
func (s *Service) Resolve(ctx context.Context, actor ledger.Actor, id string, in ResolveInput) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id), traces.UserID(actor.UserID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "only admins may resolve disputes")
	}
	if !in.Action.Valid() {
		return nil, apperr.Validation("unknown resolution action %q", in.Action)
	}
	if in.Action == ledger.ActionPenalize {
		if !in.PenaltyUSD.IsPositive() {
			return nil, apperr.Validation("penalty must be greater than zero")
		}
		in.PenaltyUSD = money.Truncate(in.PenaltyUSD)
	} else {
		in.PenaltyUSD = decimal.Zero
	}
	in.Notes = validation.SanitizeString(in.Notes, 2000)

	var out outcome
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		d, err = tx.Disputes().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != ledger.DisputeOpen {
			return apperr.InvalidState("cannot resolve dispute in status %s", d.Status)
		}
		meta := ledger.Metadata{ledger.MetaDisputeID: d.ID}
		switch d.SubjectType {
		case ledger.SubjectEscrow:
			out, err = s.resolveEscrowTx(ctx, tx, d, in, now)
		case ledger.SubjectMint:
			out, err = s.resolveMintTx(ctx, tx, d, in, now)
			if in.Action != ledger.ActionComplete {
				meta[ledger.MetaFiatReversal] = ledger.FiatReversalManual
			}
		default:
			err = apperr.InvalidState("dispute %s has unknown subject %q", d.ID, d.SubjectType)
		}
		if err != nil {
			return err
		}
		if in.Action == ledger.ActionPenalize {
			if d.AgentID == "" {
				return apperr.Validation("dispute %s has no agent to penalize", d.ID)
			}
			out.taken, err = s.capacity.Penalize(ctx, tx, d.AgentID, in.PenaltyUSD, now)
			if err != nil {
				return err
			}
			if out.taken.LessThan(in.PenaltyUSD) {
				meta[metaPenaltyRequested] = money.Format(in.PenaltyUSD)
			}
		}
		if err := d.Resolve(ledger.Resolution{
			Action:     in.Action,
			Notes:      in.Notes,
			ResolverID: actor.UserID,
			PenaltyUSD: out.taken,
			Metadata:   meta,
			ResolvedAt: now,
		}); err != nil {
			return err
		}
		return tx.Disputes().Update(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	s.afterResolve(ctx, d, out)
	return d, nil
}

func (s *Service) resolveEscrowTx(ctx context.Context, tx ledger.Tx, d *ledger.Dispute, in ResolveInput, now time.Time) (outcome, error) {
	var out outcome
	var err error
	if out.p.agentUserID, err = agentUser(ctx, tx, d.AgentID); err != nil {
		return out, err
	}
	notes := "dispute " + d.ID
	if in.Notes != "" {
		notes += ": " + in.Notes
	}
	switch in.Action {
	case ledger.ActionComplete:
		out.escrow, err = s.escrow.SettleDisputedTx(ctx, tx, d.EscrowID, notes, now)
		if err != nil {
			return out, err
		}
		out.burn, err = s.exchange.ApplyBurnEventTx(ctx, tx, d.EscrowID, ledger.BurnEventSettleConfirm, "", now)
	default:
		out.escrow, err = s.escrow.RefundTx(ctx, tx, d.EscrowID, notes, now)
		if err != nil {
			return out, err
		}
		out.burn, err = s.exchange.ApplyBurnEventTx(ctx, tx, d.EscrowID, ledger.BurnEventSettleReject, notes, now)
	}
	if err != nil {
		return out, err
	}
	out.p.ownerID = out.escrow.UserID
	return out, nil
}

func (s *Service) resolveMintTx(ctx context.Context, tx ledger.Tx, d *ledger.Dispute, in ResolveInput, now time.Time) (outcome, error) {
	var out outcome
	var err error
	if out.p.agentUserID, err = agentUser(ctx, tx, d.AgentID); err != nil {
		return out, err
	}
	if in.Action == ledger.ActionComplete {
		out.mint, _, err = s.exchange.SettleMintTx(ctx, tx, d.MintRequestID, now)
	} else {
		reason := "dispute " + d.ID + " resolved: " + string(in.Action)
		out.mint, err = s.exchange.RejectDisputedMintTx(ctx, tx, d.MintRequestID, reason, now)
	}
	if err != nil {
		return out, err
	}
	out.p.ownerID = out.mint.UserID
	return out, nil
}

func (s *Service) afterResolve(ctx context.Context, d *ledger.Dispute, out outcome) {
	r := d.Resolution
	metrics.DisputesTotal.WithLabelValues("resolved", string(r.Action)).Inc()
	if out.escrow != nil {
		s.escrow.ObserveResolved(out.escrow)
		if out.escrow.Status == ledger.EscrowRefunded {
			s.escrow.NotifyRefunded(ctx, out.escrow)
		}
	}
	if out.burn != nil {
		s.exchange.AfterBurnSettled(ctx, out.burn)
	}
	if out.mint != nil {
		s.exchange.AfterMintSettled(ctx, out.mint)
	}
	s.logger.Info("dispute resolved", "dispute_id", d.ID, "action", r.Action, "resolver_id", r.ResolverID,
		"penalty_usd", money.Format(r.PenaltyUSD))
	if requested, ok := r.Metadata[metaPenaltyRequested]; ok {
		s.logger.Warn("penalty exceeded agent deposit", "dispute_id", d.ID, "agent_id", d.AgentID,
			"requested", requested, "taken", money.Format(r.PenaltyUSD))
	}

	n := notify.Notification{
		Title:   "Dispute resolved",
		Message: "Resolution: " + string(r.Action),
		Data:    disputeData(d),
	}
	s.deliver(ctx, out.p.ownerID, notify.EventDisputeResolved, n)
	s.deliver(ctx, out.p.agentUserID, notify.EventDisputeResolved, n)
}

// Escalate raises an open dispute's level. Levels only go up.
func (s *Service) Escalate(ctx context.Context, actor ledger.Actor, id string, level ledger.EscalationLevel) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Escalate", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	level = ledger.EscalationLevel(strings.ToLower(strings.TrimSpace(string(level))))
	if level.Rank() == 0 {
		return nil, apperr.Validation("unknown escalation level %q", level)
	}
	var from ledger.EscalationLevel
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		d, err = tx.Disputes().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		p, err := s.partiesTx(ctx, tx, d)
		if err != nil {
			return err
		}
		if !p.allowed(actor) && actor.UserID != d.OpenerID {
			return apperr.NotFound("dispute")
		}
		if d.Status != ledger.DisputeOpen {
			return apperr.InvalidState("cannot escalate dispute in status %s", d.Status)
		}
		if level.Rank() <= d.Level.Rank() {
			return apperr.Validation("dispute is already at level %s", d.Level)
		}
		from = d.Level
		d.Level = level
		d.UpdatedAt = s.now()
		return tx.Disputes().Update(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("escalated", "none").Inc()
	s.logger.Info("dispute escalated", "dispute_id", d.ID, "from", from, "to", d.Level, "by", actor.UserID)
	return d, nil
}

// Get returns a dispute visible to actor: admins, the opener, the subject's
// owner and the agent.
func (s *Service) Get(ctx context.Context, actor ledger.Actor, id string) (*ledger.Dispute, error) {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() || actor.UserID == d.OpenerID {
		return d, nil
	}
	var p parties
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		p, err = s.partiesTx(ctx, tx, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !p.allowed(actor) {
		return nil, apperr.NotFound("dispute")
	}
	return d, nil
}

// List returns disputes, newest first.
func (s *Service) List(ctx context.Context, q ledger.DisputeQuery) ([]*ledger.Dispute, error) {
	return s.store.ListDisputes(ctx, q)
}

func (s *Service) partiesTx(ctx context.Context, tx ledger.Tx, d *ledger.Dispute) (parties, error) {
	p := parties{agentID: d.AgentID}
	switch d.SubjectType {
	case ledger.SubjectEscrow:
		e, err := tx.Escrows().GetForUpdate(ctx, d.EscrowID)
		if err != nil {
			return p, err
		}
		p.ownerID = e.UserID
	case ledger.SubjectMint:
		m, err := tx.MintRequests().GetForUpdate(ctx, d.MintRequestID)
		if err != nil {
			return p, err
		}
		p.ownerID = m.UserID
	}
	var err error
	p.agentUserID, err = agentUser(ctx, tx, d.AgentID)
	return p, err
}

func (s *Service) deliver(ctx context.Context, userID string, ev notify.Event, n notify.Notification) {
	if userID == "" {
		return
	}
	if err := s.notifier.Deliver(ctx, userID, ev, n); err != nil {
		s.logger.Warn("notification failed", "event", ev, "user_id", userID, "error", err)
	}
}

func disputeData(d *ledger.Dispute) map[string]any {
	data := map[string]any{
		"disputeId": d.ID,
		"subject":   d.SubjectType,
		"status":    d.Status,
		"level":     d.Level,
	}
	if d.EscrowID != "" {
		data["escrowId"] = d.EscrowID
	}
	if d.MintRequestID != "" {
		data["mintRequestId"] = d.MintRequestID
	}
	if d.Resolution != nil {
		data["action"] = d.Resolution.Action
	}
	return data
}
