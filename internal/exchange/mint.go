package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/storage"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/traces"
)

// MintInput describes a new mint request.
type MintInput struct {
	AgentID string
	Token   tokens.Token
	Amount  decimal.Decimal
}

// CreateMint opens a mint request with agentID. The agent must be active
// and currently have the capacity to cover it.
func (s *Service) CreateMint(ctx context.Context, actor ledger.Actor, in MintInput) (m *ledger.MintRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.CreateMint", traces.UserID(actor.UserID), traces.AgentID(in.AgentID),
		traces.Token(string(in.Token)), traces.Amount(in.Amount.String()))
	defer func() { traces.End(span, err) }()

	if !in.Token.Valid() {
		return nil, apperr.Validation("unknown token type %q", in.Token)
	}
	if _, err := ledger.CheckAmount(in.Amount); err != nil {
		return nil, err
	}
	usdt, err := s.capacity.ToUSDT(in.Token, in.Amount)
	if err != nil {
		return nil, err
	}

	var agentUserID string
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		a, err := counterparty(ctx, tx, in.AgentID, actor.UserID)
		if err != nil {
			return err
		}
		if a.AvailableCapacity.LessThan(usdt) {
			return apperr.New(apperr.KindExceedsCapacity,
				"agent capacity %s USDT below required %s USDT", money.Format(a.AvailableCapacity), money.Format(usdt))
		}
		agentUserID = a.UserID
		m = &ledger.MintRequest{
			ID:        idgen.WithPrefix("mint_"),
			UserID:    actor.UserID,
			AgentID:   a.ID,
			Token:     in.Token,
			Amount:    in.Amount,
			Status:    ledger.MintPending,
			ExpiresAt: now.Add(s.life.MintPending),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.MintRequests().Insert(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	observe(RequestTypeMint, string(m.Status))
	s.logger.Info("mint request created", "request_id", m.ID, "user_id", m.UserID, "agent_id", m.AgentID,
		"token", m.Token, "amount", money.Format(m.Amount))
	s.deliver(ctx, agentUserID, notify.EventMintCreated, notify.Notification{
		Title:   "New mint request",
		Message: money.Format(m.Amount) + " " + string(m.Token) + " requested",
		Data:    mintData(m),
	})
	return m, nil
}

// CancelMint deletes a pending mint request. Once proof is submitted the
// request can only end by confirmation, rejection, expiry or dispute.
func (s *Service) CancelMint(ctx context.Context, actor ledger.Actor, id string) (err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.CancelMint", traces.RequestID(id))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		m, err := tx.MintRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m.UserID != actor.UserID {
			return apperr.NotFound("mint request")
		}
		if err := m.Apply(ledger.MintEventCancel, s.now()); err != nil {
			return err
		}
		return tx.MintRequests().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	observe(RequestTypeMint, "cancelled")
	s.logger.Info("mint request cancelled", "request_id", id, "user_id", actor.UserID)
	return nil
}

// SubmitMintProof uploads the user's payment proof and moves the request to
// proof_submitted with the review lifetime. The upload happens before the
// transaction.
func (s *Service) SubmitMintProof(ctx context.Context, actor ledger.Actor, id string, proof Proof) (m *ledger.MintRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.SubmitMintProof", traces.RequestID(id))
	defer func() { traces.End(span, err) }()

	cur, err := s.GetMint(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if cur.UserID != actor.UserID {
		return nil, apperr.New(apperr.KindForbidden, "only the requester may submit proof")
	}
	if cur.Status != ledger.MintPending {
		return nil, apperr.InvalidState("cannot submit proof for mint request in status %s", cur.Status)
	}
	url, err := s.upload(ctx, storage.FolderMintProofs, proof)
	if err != nil {
		return nil, err
	}

	var agentUserID string
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		m, err = tx.MintRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m.IsExpired(now) {
			return apperr.InvalidState("mint request %s has expired", id)
		}
		if err := m.Apply(ledger.MintEventSubmitProof, now); err != nil {
			return err
		}
		m.ProofURL = url
		m.ExpiresAt = now.Add(s.life.MintReview)
		a, err := tx.Agents().GetForUpdate(ctx, m.AgentID)
		if err != nil {
			return err
		}
		agentUserID = a.UserID
		return tx.MintRequests().Update(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	observe(RequestTypeMint, string(m.Status))
	s.logger.Info("mint proof submitted", "request_id", m.ID, "user_id", m.UserID, "agent_id", m.AgentID)
	s.deliver(ctx, agentUserID, notify.EventMintProofSubmitted, notify.Notification{
		Title:   "Payment proof submitted",
		Message: "Review the proof for " + money.Format(m.Amount) + " " + string(m.Token),
		Data:    mintData(m),
	})
	return m, nil
}

// ConfirmMint is the agent's approval: the user is credited and the
// agent's capacity is consumed, all in one transaction.
func (s *Service) ConfirmMint(ctx context.Context, actor ledger.Actor, id string) (m *ledger.MintRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.ConfirmMint", traces.RequestID(id), traces.UserID(actor.UserID))
	defer func() { traces.End(span, err) }()

	var expired bool
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		m, err = tx.MintRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		a, err := agentActor(ctx, tx, actor, m.AgentID)
		if err != nil {
			return err
		}
		if m.IsExpired(now) {
			expired = true
			return s.expireMintTx(ctx, tx, m, now)
		}
		if err := a.RequireActive(); err != nil {
			return err
		}
		_, err = s.completeMintTx(ctx, tx, m, ledger.MintEventConfirm, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.afterMintExpired(ctx, m)
		return nil, apperr.InvalidState("mint request %s has expired", id)
	}
	s.afterMintConfirmed(ctx, m)
	return m, nil
}

// RejectMint is the agent declining a mint request. No ledger effect.
func (s *Service) RejectMint(ctx context.Context, actor ledger.Actor, id, reason string) (m *ledger.MintRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.RejectMint", traces.RequestID(id))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("rejection reason is required")
	}
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		m, err = tx.MintRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := agentActor(ctx, tx, actor, m.AgentID); err != nil {
			return err
		}
		if err := m.Apply(ledger.MintEventReject, s.now()); err != nil {
			return err
		}
		m.RejectionReason = reason
		return tx.MintRequests().Update(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.afterMintRejected(ctx, m)
	return m, nil
}

// GetMint returns a mint request visible to actor. Requests past their
// deadline are expired on read.
func (s *Service) GetMint(ctx context.Context, actor ledger.Actor, id string) (*ledger.MintRequest, error) {
	m, err := s.store.GetMintRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAgent(ctx, m.AgentID)
	if err != nil {
		return nil, err
	}
	if !visible(actor, m.UserID, a.UserID) {
		return nil, apperr.NotFound("mint request")
	}
	if m.IsExpired(s.now()) {
		return s.expireMint(ctx, id)
	}
	return m, nil
}

// ListMints lists mint requests by owner or agent.
func (s *Service) ListMints(ctx context.Context, q ledger.RequestQuery) ([]*ledger.MintRequest, error) {
	return s.store.ListMintRequests(ctx, q)
}

// ExpireStaleMints expires up to limit mint requests past their deadline
// and returns how many it expired.
func (s *Service) ExpireStaleMints(ctx context.Context, limit int) (n int, err error) {
	ctx, span := traces.StartSpan(ctx, "exchange.ExpireStaleMints")
	defer func() { traces.End(span, err) }()

	stale, err := s.store.ListExpiredMintRequests(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	for _, m := range stale {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.expireMint(ctx, m.ID); err != nil {
			if apperr.KindOf(err) != apperr.KindInvalidState {
				s.logger.Warn("mint expiry failed", "request_id", m.ID, "error", err)
			}
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("stale mint requests expired", "count", n)
	}
	return n, nil
}

// expireMint expires one request after re-checking its deadline under lock.
func (s *Service) expireMint(ctx context.Context, id string) (m *ledger.MintRequest, err error) {
	var changed bool
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now()
		var err error
		m, err = tx.MintRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !m.IsExpired(now) {
			return nil
		}
		changed = true
		return s.expireMintTx(ctx, tx, m, now)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterMintExpired(ctx, m)
	}
	return m, nil
}

func (s *Service) expireMintTx(ctx context.Context, tx ledger.Tx, m *ledger.MintRequest, now time.Time) error {
	if err := m.Apply(ledger.MintEventExpire, now); err != nil {
		return err
	}
	return tx.MintRequests().Update(ctx, m)
}

// completeMintTx credits the user and consumes agent capacity. The agent's
// status is the caller's concern; capacity is always enforced.
func (s *Service) completeMintTx(ctx context.Context, tx ledger.Tx, m *ledger.MintRequest, ev ledger.MintEvent, now time.Time) (*ledger.Transaction, error) {
	if err := m.Apply(ev, now); err != nil {
		return nil, err
	}
	a, usdt, commission, err := s.capacity.ReserveMint(ctx, tx, m.AgentID, m.Token, m.Amount, now)
	if err != nil {
		return nil, err
	}
	w, err := ledger.EnsureWallet(ctx, tx, m.UserID, m.Token, now)
	if err != nil {
		return nil, err
	}
	if err := w.Credit(m.Amount, now); err != nil {
		return nil, err
	}
	if err := tx.Wallets().Update(ctx, w); err != nil {
		return nil, err
	}

	txn := ledger.NewTransaction(ledger.TxMint, ledger.TxCompleted, m.Token, m.Amount, now)
	txn.ToWalletID = w.ID
	txn.ToUserID = m.UserID
	txn.AgentID = a.ID
	txn.Description = "Mint via agent"
	txn.Metadata = ledger.Metadata{
		ledger.MetaRequestID:      m.ID,
		ledger.MetaRequestType:    RequestTypeMint,
		ledger.MetaAmountUSDT:     money.Format(usdt),
		ledger.MetaCommissionUSDT: money.Format(commission),
	}
	if err := tx.Transactions().Insert(ctx, txn); err != nil {
		return nil, err
	}
	m.TransactionID = txn.ID
	if err := tx.MintRequests().Update(ctx, m); err != nil {
		return nil, err
	}
	return txn, nil
}

// DisputeMintTx moves a mint request under dispute. Only submitted or
// expired requests can be disputed.
func (s *Service) DisputeMintTx(ctx context.Context, tx ledger.Tx, id string, now time.Time) (*ledger.MintRequest, error) {
	m, err := tx.MintRequests().GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.Apply(ledger.MintEventDispute, now); err != nil {
		return nil, err
	}
	if err := tx.MintRequests().Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SettleMintTx completes a disputed mint in the user's favour. Capacity is
// enforced but the agent's status is not.
func (s *Service) SettleMintTx(ctx context.Context, tx ledger.Tx, id string, now time.Time) (*ledger.MintRequest, *ledger.Transaction, error) {
	m, err := tx.MintRequests().GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	txn, err := s.completeMintTx(ctx, tx, m, ledger.MintEventSettleConfirm, now)
	if err != nil {
		return nil, nil, err
	}
	return m, txn, nil
}

// RejectDisputedMintTx closes a disputed mint without issuing tokens.
func (s *Service) RejectDisputedMintTx(ctx context.Context, tx ledger.Tx, id, reason string, now time.Time) (*ledger.MintRequest, error) {
	m, err := tx.MintRequests().GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.Apply(ledger.MintEventSettleReject, now); err != nil {
		return nil, err
	}
	m.RejectionReason = reason
	if err := tx.MintRequests().Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AfterMintSettled sends the post-commit effects of a dispute outcome.
func (s *Service) AfterMintSettled(ctx context.Context, m *ledger.MintRequest) {
	switch m.Status {
	case ledger.MintConfirmed:
		s.afterMintConfirmed(ctx, m)
	case ledger.MintRejected:
		s.afterMintRejected(ctx, m)
	}
}

func (s *Service) afterMintConfirmed(ctx context.Context, m *ledger.MintRequest) {
	observe(RequestTypeMint, string(m.Status))
	s.logger.Info("mint confirmed", "request_id", m.ID, "user_id", m.UserID, "agent_id", m.AgentID,
		"token", m.Token, "amount", money.Format(m.Amount), "transaction_id", m.TransactionID)
	s.deliver(ctx, m.UserID, notify.EventMintConfirmed, notify.Notification{
		Title:   "Tokens received",
		Message: money.Format(m.Amount) + " " + string(m.Token) + " added to your wallet",
		Data:    mintData(m),
	})
}

func (s *Service) afterMintRejected(ctx context.Context, m *ledger.MintRequest) {
	observe(RequestTypeMint, string(m.Status))
	s.logger.Info("mint rejected", "request_id", m.ID, "agent_id", m.AgentID, "reason", m.RejectionReason)
	s.deliver(ctx, m.UserID, notify.EventMintRejected, notify.Notification{
		Title:   "Mint request rejected",
		Message: m.RejectionReason,
		Data:    mintData(m),
	})
}

func (s *Service) afterMintExpired(ctx context.Context, m *ledger.MintRequest) {
	observe(RequestTypeMint, string(m.Status))
	s.logger.Info("mint request expired", "request_id", m.ID, "user_id", m.UserID)
	s.deliver(ctx, m.UserID, notify.EventMintExpired, notify.Notification{
		Title:   "Mint request expired",
		Message: "Your mint request for " + money.Format(m.Amount) + " " + string(m.Token) + " expired",
		Data:    mintData(m),
	})
}

func mintData(m *ledger.MintRequest) map[string]any {
	return map[string]any{
		"requestId": m.ID,
		"agentId":   m.AgentID,
		"token":     m.Token,
		"amount":    money.Format(m.Amount),
		"status":    m.Status,
	}
}
