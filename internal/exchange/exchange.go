// Package exchange runs the user-facing mint and burn workflows.
//
// Mint: the user pays an agent fiat out of band, uploads proof, and the
// agent's confirmation issues tokens against the agent's capacity.
//
// Burn: the user's tokens are escrowed when the request is created; the
// agent pays fiat, uploads proof, and the user's confirmation burns the
// escrow. Expired burns are picked up by the escrow sweep.
package exchange

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/capacity"
	"github.com/mbd888/fiatbridge/internal/escrow"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/metrics"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/storage"
)

// Request types recorded in transaction metadata.
const (
	RequestTypeMint = "mint"
	RequestTypeBurn = "burn"
)

// Lifetimes bounds how long each waiting state may last.
type Lifetimes struct {
	MintPending time.Duration // created, waiting for proof
	MintReview  time.Duration // proof submitted, waiting for the agent
	Burn        time.Duration // escrowed, waiting for fiat
	FiatSent    time.Duration // fiat sent, waiting for the user
}

// DefaultLifetimes returns the standard request lifetimes.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		MintPending: 30 * time.Minute,
		MintReview:  24 * time.Hour,
		Burn:        30 * time.Minute,
		FiatSent:    30 * time.Minute,
	}
}

// Proof is an uploaded payment proof.
type Proof struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Service runs mint and burn requests.
type Service struct {
	store    ledger.Store
	capacity *capacity.Service
	escrow   *escrow.Service
	uploader storage.Uploader
	life     Lifetimes
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an exchange service.
func NewService(store ledger.Store, capacitySvc *capacity.Service, escrowSvc *escrow.Service, uploader storage.Uploader) *Service {
	return &Service{
		store:    store,
		capacity: capacitySvc,
		escrow:   escrowSvc,
		uploader: uploader,
		life:     DefaultLifetimes(),
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithLifetimes overrides request lifetimes; zero fields keep their default.
func (s *Service) WithLifetimes(l Lifetimes) *Service {
	if l.MintPending > 0 {
		s.life.MintPending = l.MintPending
	}
	if l.MintReview > 0 {
		s.life.MintReview = l.MintReview
	}
	if l.Burn > 0 {
		s.life.Burn = l.Burn
	}
	if l.FiatSent > 0 {
		s.life.FiatSent = l.FiatSent
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

// counterparty loads an agent for a new request and rejects suspended
// agents and self-dealing.
func counterparty(ctx context.Context, tx ledger.Tx, agentID, userID string) (*ledger.Agent, error) {
	a, err := tx.Agents().GetForUpdate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.UserID == userID {
		return nil, apperr.Validation("agents cannot trade with their own account")
	}
	if err := a.RequireActive(); err != nil {
		return nil, err
	}
	return a, nil
}

// agentActor loads agentID and checks that actor is its user.
func agentActor(ctx context.Context, tx ledger.Tx, actor ledger.Actor, agentID string) (*ledger.Agent, error) {
	a, err := tx.Agents().GetForUpdate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.UserID != actor.UserID {
		return nil, apperr.New(apperr.KindForbidden, "only the assigned agent may do this")
	}
	return a, nil
}

// visible reports whether actor may see a request owned by userID and
// served by agentUserID.
func visible(actor ledger.Actor, userID, agentUserID string) bool {
	return actor.IsAdmin() || actor.UserID == userID || actor.UserID == agentUserID
}

func (s *Service) upload(ctx context.Context, folder string, p Proof) (string, error) {
	if p.Body == nil {
		return "", apperr.Validation("proof file is required")
	}
	return s.uploader.Upload(ctx, folder, p.Filename, p.ContentType, p.Body)
}

func (s *Service) deliver(ctx context.Context, userID string, ev notify.Event, n notify.Notification) {
	if userID == "" {
		return
	}
	if err := s.notifier.Deliver(ctx, userID, ev, n); err != nil {
		s.logger.Warn("notification failed", "event", ev, "user_id", userID, "error", err)
	}
}

func observe(kind, status string) {
	metrics.RequestTransitionsTotal.WithLabelValues(kind, status).Inc()
}
