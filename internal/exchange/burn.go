package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/escrow"
	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/storage"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/traces"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// BurnInput describes a new burn request.
type BurnInput struct {
	AgentID string
	Token   tokens.Token
	Amount  decimal.Decimal
	Bank    ledger.BankDetails
}

func checkBank(b ledger.BankDetails) (ledger.BankDetails, error) {
	b = ledger.BankDetails{
		AccountName:   validation.SanitizeString(b.AccountName, 200),
		AccountNumber: validation.SanitizeString(b.AccountNumber, 64),
		BankName:      validation.SanitizeString(b.BankName, 200),
	}
	if b.AccountName == "" || b.AccountNumber == "" || b.BankName == "" {
		return b, apperr.Validation("bank account name, number and bank name are required")
	}
	return b, nil
}

// CreateBurn opens a burn request and escrows the tokens in the same
// transaction.
func (s *Service) CreateBurn(ctx context.Context, actor ledger.Actor, in BurnInput) (b *ledger.BurnRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.CreateBurn", traces.UserID(actor.UserID), traces.AgentID(in.AgentID),
		traces.Token(string(in.Token)), traces.Amount(in.Amount.String()))
	defer func() { traces.End(span, err) }()

	bank, err := checkBank(in.Bank)
	if err != nil {
		return nil, err
	}
	if !in.Token.Valid() {
		return nil, apperr.Validation("unknown token type %q", in.Token)
	}
	if _, err := ledger.CheckAmount(in.Amount); err != nil {
		return nil, err
	}

	var agentUserID string
	var e *ledger.Escrow
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		a, err := counterparty(ctx, tx, in.AgentID, actor.UserID)
		if err != nil {
			return err
		}
		agentUserID = a.UserID
		id := idgen.WithPrefix("burn_")
		e, _, err = s.escrow.LockTx(ctx, tx, escrow.LockInput{
			UserID:  actor.UserID,
			AgentID: a.ID,
			Token:   in.Token,
			Amount:  in.Amount,
			Metadata: ledger.Metadata{
				ledger.MetaRequestID:   id,
				ledger.MetaRequestType: RequestTypeBurn,
			},
			ExpiresAt: now.Add(s.life.Burn),
		}, now)
		if err != nil {
			return err
		}
		b = &ledger.BurnRequest{
			ID:        id,
			UserID:    actor.UserID,
			AgentID:   a.ID,
			EscrowID:  e.ID,
			Token:     in.Token,
			Amount:    in.Amount,
			Status:    ledger.BurnEscrowed,
			Bank:      bank,
			ExpiresAt: e.ExpiresAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.BurnRequests().Insert(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	observe(RequestTypeBurn, string(b.Status))
	s.logger.Info("burn request created", "request_id", b.ID, "escrow_id", e.ID, "user_id", b.UserID,
		"agent_id", b.AgentID, "token", b.Token, "amount", money.Format(b.Amount))
	s.deliver(ctx, agentUserID, notify.EventBurnCreated, notify.Notification{
		Title:   "New burn request",
		Message: "Send fiat for " + money.Format(b.Amount) + " " + string(b.Token),
		Data:    burnData(b),
	})
	return b, nil
}

// MarkFiatSent records the agent's fiat payment proof. The burn and its
// escrow get a fresh lifetime for the user to confirm receipt.
func (s *Service) MarkFiatSent(ctx context.Context, actor ledger.Actor, id string, proof Proof) (b *ledger.BurnRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.MarkFiatSent", traces.RequestID(id))
	defer func() { traces.End(span, err) }()

	cur, err := s.GetBurn(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != ledger.BurnEscrowed {
		return nil, apperr.InvalidState("cannot mark fiat sent for burn request in status %s", cur.Status)
	}
	url, err := s.upload(ctx, storage.FolderBurnProofs, proof)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		b, err = tx.BurnRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := agentActor(ctx, tx, actor, b.AgentID); err != nil {
			return err
		}
		if now.After(b.ExpiresAt) {
			return apperr.InvalidState("burn request %s has expired", id)
		}
		if err := b.Apply(ledger.BurnEventFiatSent, now); err != nil {
			return err
		}
		b.FiatProofURL = url
		b.FiatSentAt = &now
		b.ExpiresAt = now.Add(s.life.FiatSent)
		if _, err := s.escrow.ExtendTx(ctx, tx, b.EscrowID, b.ExpiresAt, now); err != nil {
			return err
		}
		return tx.BurnRequests().Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	observe(RequestTypeBurn, string(b.Status))
	s.logger.Info("burn fiat sent", "request_id", b.ID, "agent_id", b.AgentID, "expires_at", b.ExpiresAt)
	s.deliver(ctx, b.UserID, notify.EventBurnFiatSent, notify.Notification{
		Title:   "Fiat sent",
		Message: "Confirm you received payment for " + money.Format(b.Amount) + " " + string(b.Token),
		Data:    burnData(b),
	})
	return b, nil
}

// ConfirmBurn is the user's confirmation that fiat arrived. The escrow is
// finalized and the agent's capacity restored.
func (s *Service) ConfirmBurn(ctx context.Context, actor ledger.Actor, id string) (b *ledger.BurnRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.ConfirmBurn", traces.RequestID(id), traces.UserID(actor.UserID))
	defer func() { traces.End(span, err) }()

	var e *ledger.Escrow
	var agentUserID string
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		b, err = tx.BurnRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if b.UserID != actor.UserID {
			return apperr.New(apperr.KindForbidden, "only the requester may confirm receipt")
		}
		if err := b.Apply(ledger.BurnEventConfirm, now); err != nil {
			return err
		}
		e, err = s.escrow.FinalizeTx(ctx, tx, b.EscrowID, "burn "+b.ID+" confirmed by user", now)
		if err != nil {
			return err
		}
		a, err := tx.Agents().GetForUpdate(ctx, b.AgentID)
		if err != nil {
			return err
		}
		agentUserID = a.UserID
		return tx.BurnRequests().Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.escrow.ObserveResolved(e)
	s.afterBurnConfirmed(ctx, b, agentUserID)
	return b, nil
}

// RejectBurn is the agent declining before any fiat moved. The escrow is
// refunded.
func (s *Service) RejectBurn(ctx context.Context, actor ledger.Actor, id, reason string) (b *ledger.BurnRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.RejectBurn", traces.RequestID(id))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("rejection reason is required")
	}
	var e *ledger.Escrow
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		b, err = tx.BurnRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := agentActor(ctx, tx, actor, b.AgentID); err != nil {
			return err
		}
		if err := b.Apply(ledger.BurnEventReject, now); err != nil {
			return err
		}
		b.RejectionReason = reason
		e, err = s.escrow.RefundTx(ctx, tx, b.EscrowID, "rejected by agent: "+reason, now)
		if err != nil {
			return err
		}
		return tx.BurnRequests().Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.escrow.ObserveResolved(e)
	s.afterBurnRejected(ctx, b)
	return b, nil
}

// GetBurn returns a burn request visible to actor.
func (s *Service) GetBurn(ctx context.Context, actor ledger.Actor, id string) (*ledger.BurnRequest, error) {
	b, err := s.store.GetBurnRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAgent(ctx, b.AgentID)
	if err != nil {
		return nil, err
	}
	if !visible(actor, b.UserID, a.UserID) {
		return nil, apperr.NotFound("burn request")
	}
	return b, nil
}

// ListBurns lists burn requests by owner or agent.
func (s *Service) ListBurns(ctx context.Context, q ledger.RequestQuery) ([]*ledger.BurnRequest, error) {
	return s.store.ListBurnRequests(ctx, q)
}

// BurnForEscrowTx locks the burn request backed by escrowID. It returns
// nil without error when the escrow backs no burn.
func (s *Service) BurnForEscrowTx(ctx context.Context, tx ledger.Tx, escrowID string) (*ledger.BurnRequest, error) {
	b, err := tx.BurnRequests().GetByEscrowForUpdate(ctx, escrowID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// ApplyBurnEventTx moves the burn backed by escrowID through ev, if there
// is one.
func (s *Service) ApplyBurnEventTx(ctx context.Context, tx ledger.Tx, escrowID string, ev ledger.BurnEvent, reason string, now time.Time) (*ledger.BurnRequest, error) {
	b, err := s.BurnForEscrowTx(ctx, tx, escrowID)
	if err != nil || b == nil {
		return nil, err
	}
	if err := b.Apply(ev, now); err != nil {
		return nil, err
	}
	if reason != "" && b.Status == ledger.BurnRejected {
		b.RejectionReason = reason
	}
	if err := tx.BurnRequests().Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// AfterBurnSettled sends the post-commit effects of a dispute outcome.
func (s *Service) AfterBurnSettled(ctx context.Context, b *ledger.BurnRequest) {
	switch b.Status {
	case ledger.BurnConfirmed:
		s.afterBurnConfirmed(ctx, b, "")
	case ledger.BurnRejected:
		s.afterBurnRejected(ctx, b)
	}
}

func (s *Service) afterBurnConfirmed(ctx context.Context, b *ledger.BurnRequest, agentUserID string) {
	observe(RequestTypeBurn, string(b.Status))
	s.logger.Info("burn confirmed", "request_id", b.ID, "escrow_id", b.EscrowID, "agent_id", b.AgentID,
		"token", b.Token, "amount", money.Format(b.Amount))
	s.deliver(ctx, agentUserID, notify.EventBurnConfirmed, notify.Notification{
		Title:   "Burn confirmed",
		Message: "The user confirmed receipt; capacity restored",
		Data:    burnData(b),
	})
}

func (s *Service) afterBurnRejected(ctx context.Context, b *ledger.BurnRequest) {
	observe(RequestTypeBurn, string(b.Status))
	s.logger.Info("burn rejected", "request_id", b.ID, "escrow_id", b.EscrowID, "reason", b.RejectionReason)
	s.deliver(ctx, b.UserID, notify.EventBurnRejected, notify.Notification{
		Title:   "Burn request rejected",
		Message: money.Format(b.Amount) + " " + string(b.Token) + " returned to your balance",
		Data:    burnData(b),
	})
}

func burnData(b *ledger.BurnRequest) map[string]any {
	return map[string]any{
		"requestId": b.ID,
		"escrowId":  b.EscrowID,
		"agentId":   b.AgentID,
		"token":     b.Token,
		"amount":    money.Format(b.Amount),
		"status":    b.Status,
	}
}
