// Package reconciliation checks that every token's wallet totals match the
// completed journal.
//
// For each token, the sum of balance and pending across all wallets must
// equal the net of completed mint, credit and swap-in minus completed burn,
// debit and swap-out. Any difference is drift and means a write path moved
// money without journaling it (or the reverse).
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/metrics"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/traces"
)

// staleScanLimit bounds the backlog scans. The gauges saturate there.
const staleScanLimit = 1000

// TokenResult is one token's supply check.
type TokenResult struct {
	Token      tokens.Token    `json:"token"`
	Balance    decimal.Decimal `json:"balance"`
	Pending    decimal.Decimal `json:"pending"`
	JournalNet decimal.Decimal `json:"journalNet"`
	Drift      decimal.Decimal `json:"drift"`
	Match      bool            `json:"match"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Tokens []TokenResult `json:"tokens"`
	// StuckEscrows counts locked escrows past their deadline that the sweep
	// has not handled yet.
	StuckEscrows int `json:"stuckEscrows"`
	// StaleMints counts open mint requests past their deadline.
	StaleMints int           `json:"staleMints"`
	Healthy    bool          `json:"healthy"`
	CheckedAt  time.Time     `json:"checkedAt"`
	Duration   time.Duration `json:"durationNs"`
}

// Service performs reconciliation over the store.
type Service struct {
	store  ledger.Reader
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(store ledger.Reader) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
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

// Run checks supply for every token and refreshes the balance gauges.
func (s *Service) Run(ctx context.Context) (r *Report, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Run")
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			reconcileErrors.Inc()
		}
	}()

	supply, err := s.store.SupplyTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to total supply: %w", err)
	}
	now := s.now()
	r = &Report{Healthy: true, CheckedAt: now}
	for token, sup := range supply {
		drift := sup.Drift()
		tr := TokenResult{
			Token:      token,
			Balance:    sup.Balance,
			Pending:    sup.Pending,
			JournalNet: sup.JournalNet,
			Drift:      drift,
			Match:      drift.IsZero(),
		}
		r.Tokens = append(r.Tokens, tr)

		metrics.SupplyDrift.WithLabelValues(string(token)).Set(drift.InexactFloat64())
		metrics.WalletBalanceTotal.WithLabelValues(string(token), "available").Set(sup.Balance.InexactFloat64())
		metrics.WalletBalanceTotal.WithLabelValues(string(token), "pending").Set(sup.Pending.InexactFloat64())
		if !tr.Match {
			r.Healthy = false
			s.logger.Error("supply drift detected", "token", token,
				"wallets", money.Format(sup.Wallets()), "journal", money.Format(sup.JournalNet), "drift", money.Format(drift))
		}
	}
	sort.Slice(r.Tokens, func(i, j int) bool { return r.Tokens[i].Token < r.Tokens[j].Token })

	escrows, err := s.store.ListExpiredEscrows(ctx, now, staleScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired escrows: %w", err)
	}
	mints, err := s.store.ListExpiredMintRequests(ctx, now, staleScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired mint requests: %w", err)
	}
	r.StuckEscrows = len(escrows)
	r.StaleMints = len(mints)
	reconcileStuckEscrows.Set(float64(r.StuckEscrows))
	reconcileStaleMints.Set(float64(r.StaleMints))

	r.Duration = time.Since(start)
	if r.Healthy {
		s.logger.Debug("reconciliation passed", "tokens", len(r.Tokens), "stuck_escrows", r.StuckEscrows, "stale_mints", r.StaleMints)
	}
	return r, nil
}
