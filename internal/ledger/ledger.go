// Package ledger is the system of record for token balances.
//
// Flow:
//  1. Every wallet mutation runs inside Store.WithTx with the wallet row locked
//  2. Each mutation appends exactly one Transaction describing the net movement
//  3. Fees on transfers and swaps land in the platform wallet of the fee token
//  4. Notifications go out only after the transaction commits
//
// The escrow, capacity, exchange and dispute engines build on the same Store
// and the tx-scoped helpers exported here.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/notify"
	"github.com/mbd888/fiatbridge/internal/pagination"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/traces"
)

// DefaultPlatformUserID owns the fee wallets unless configured otherwise.
const DefaultPlatformUserID = "platform"

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   Role
}

// System is the actor used by background jobs.
var System = Actor{UserID: SystemUserID, Role: RoleAdmin}

// IsAdmin reports whether the actor holds admin rights.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CheckAmount validates a positive amount with at most 6 decimals.
func CheckAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, apperr.Validation("amount must be greater than zero")
	}
	if !money.Truncate(amount).Equal(amount) {
		return decimal.Zero, apperr.Validation("amount has more than %d decimal places", money.Decimals)
	}
	return amount, nil
}

// Ledger manages wallets and the movements between them.
type Ledger struct {
	store          Store
	rates          *tokens.Table
	transferFee    decimal.Decimal
	swapFee        decimal.Decimal
	platformUserID string
	notifier       notify.Dispatcher
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a ledger over store, converting with rates.
func New(store Store, rates *tokens.Table) *Ledger {
	return &Ledger{
		store:          store,
		rates:          rates,
		transferFee:    decimal.Zero,
		swapFee:        decimal.Zero,
		platformUserID: DefaultPlatformUserID,
		notifier:       notify.Nop{},
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithFees sets the proportional transfer and swap fees.
func (l *Ledger) WithFees(transfer, swap decimal.Decimal) *Ledger {
	l.transferFee = transfer
	l.swapFee = swap
	return l
}

// WithPlatformUser sets the account that collects fees.
func (l *Ledger) WithPlatformUser(userID string) *Ledger {
	if userID != "" {
		l.platformUserID = userID
	}
	return l
}

// WithNotifier sets the post-commit notification sink.
func (l *Ledger) WithNotifier(n notify.Dispatcher) *Ledger {
	l.notifier = n
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock overrides the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Rates returns the current exchange-rate snapshot.
func (l *Ledger) Rates() *tokens.Rates { return l.rates.Snapshot() }

// PlatformUserID returns the fee account id.
func (l *Ledger) PlatformUserID() string { return l.platformUserID }

// SyncUser records the auth layer's view of a user so transfers can address
// them by email.
func (l *Ledger) SyncUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return apperr.Validation("user id is required")
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.now()
	}
	return l.store.WithTx(ctx, func(tx Tx) error {
		return tx.Users().Upsert(ctx, &u)
	})
}

// GetOrCreate returns the user's wallet for token, creating it on first use.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string, token tokens.Token) (*Wallet, error) {
	if !token.Valid() {
		return nil, apperr.Validation("unknown token type %q", token)
	}
	w, err := l.store.GetWallet(ctx, userID, token)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	err = l.store.WithTx(ctx, func(tx Tx) error {
		w, err = EnsureWallet(ctx, tx, userID, token, l.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWallets returns every wallet the user holds.
func (l *Ledger) ListWallets(ctx context.Context, userID string) ([]*Wallet, error) {
	return l.store.ListWallets(ctx, userID)
}

// GetTransaction returns one ledger entry.
func (l *Ledger) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// Credit adds amount to the user's wallet (admin adjustment).
func (l *Ledger) Credit(ctx context.Context, userID string, token tokens.Token, amount decimal.Decimal, meta Metadata) (txn *Transaction, err error) {
	done := observeOp("credit")
	ctx, span := traces.StartSpan(ctx, "ledger.Credit", traces.UserID(userID), traces.Token(string(token)), traces.Amount(amount.String()))
	defer func() { done(err); traces.End(span, err) }()

	if err := checkTokenAmount(token, amount); err != nil {
		return nil, err
	}

	err = l.store.WithTx(ctx, func(tx Tx) error {
		now := l.now()
		w, err := EnsureWallet(ctx, tx, userID, token, now)
		if err != nil {
			return err
		}
		if err := w.Credit(amount, now); err != nil {
			return err
		}
		if err := tx.Wallets().Update(ctx, w); err != nil {
			return err
		}
		txn = NewTransaction(TxCredit, TxCompleted, token, amount, now)
		txn.ToWalletID = w.ID
		txn.ToUserID = userID
		txn.Description = meta[MetaNote]
		txn.Metadata = meta.Clone()
		return tx.Transactions().Insert(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet credited", "user_id", userID, "token", token, "amount", money.Format(amount), "reference", txn.Reference)
	return txn, nil
}

// Debit removes amount from the user's wallet (admin adjustment).
func (l *Ledger) Debit(ctx context.Context, userID string, token tokens.Token, amount decimal.Decimal, meta Metadata) (txn *Transaction, err error) {
	done := observeOp("debit")
	ctx, span := traces.StartSpan(ctx, "ledger.Debit", traces.UserID(userID), traces.Token(string(token)), traces.Amount(amount.String()))
	defer func() { done(err); traces.End(span, err) }()

	if err := checkTokenAmount(token, amount); err != nil {
		return nil, err
	}

	err = l.store.WithTx(ctx, func(tx Tx) error {
		now := l.now()
		w, err := tx.Wallets().GetForUpdate(ctx, userID, token)
		if err != nil {
			return err
		}
		if err := w.Debit(amount, now); err != nil {
			return err
		}
		if err := tx.Wallets().Update(ctx, w); err != nil {
			return err
		}
		txn = NewTransaction(TxDebit, TxCompleted, token, amount, now)
		txn.FromWalletID = w.ID
		txn.FromUserID = userID
		txn.Description = meta[MetaNote]
		txn.Metadata = meta.Clone()
		return tx.Transactions().Insert(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet debited", "user_id", userID, "token", token, "amount", money.Format(amount), "reference", txn.Reference)
	return txn, nil
}

// TransferInput describes a user-to-user transfer. To is a user id or email.
type TransferInput struct {
	FromUserID  string
	To          string
	Token       tokens.Token
	Amount      decimal.Decimal
	Description string
}

// Transfer moves Amount to the recipient and charges the transfer fee on top.
func (l *Ledger) Transfer(ctx context.Context, in TransferInput) (txn *Transaction, err error) {
	done := observeOp("transfer")
	ctx, span := traces.StartSpan(ctx, "ledger.Transfer", traces.UserID(in.FromUserID), traces.Token(string(in.Token)), traces.Amount(in.Amount.String()))
	defer func() { done(err); traces.End(span, err) }()

	if err := checkTokenAmount(in.Token, in.Amount); err != nil {
		return nil, err
	}
	to := strings.TrimSpace(in.To)
	if to == "" {
		return nil, apperr.Validation("recipient is required")
	}
	fee := money.Mul(in.Amount, l.transferFee)

	var recipient *User
	err = l.store.WithTx(ctx, func(tx Tx) error {
		now := l.now()
		u, err := resolveUser(ctx, tx, to)
		if err != nil {
			return err
		}
		recipient = u
		if recipient.ID == in.FromUserID {
			return apperr.Validation("cannot transfer to yourself")
		}

		src, err := tx.Wallets().GetForUpdate(ctx, in.FromUserID, in.Token)
		if err != nil {
			return err
		}
		if err := src.Debit(in.Amount.Add(fee), now); err != nil {
			return err
		}
		if err := tx.Wallets().Update(ctx, src); err != nil {
			return err
		}

		dst, err := EnsureWallet(ctx, tx, recipient.ID, in.Token, now)
		if err != nil {
			return err
		}
		if err := dst.Credit(in.Amount, now); err != nil {
			return err
		}
		if err := tx.Wallets().Update(ctx, dst); err != nil {
			return err
		}
		if err := l.collectFee(ctx, tx, in.Token, fee, now); err != nil {
			return err
		}

		txn = NewTransaction(TxTransfer, TxCompleted, in.Token, in.Amount, now)
		txn.Fee = fee
		txn.FromWalletID = src.ID
		txn.ToWalletID = dst.ID
		txn.FromUserID = in.FromUserID
		txn.ToUserID = recipient.ID
		txn.Description = in.Description
		return tx.Transactions().Insert(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	if !fee.IsZero() {
		LedgerFeesCollected.WithLabelValues(string(in.Token), "transfer").Add(fee.InexactFloat64())
	}

	l.logger.Info("transfer completed", "from", in.FromUserID, "to", recipient.ID, "token", in.Token,
		"amount", money.Format(in.Amount), "fee", money.Format(fee), "reference", txn.Reference)
	l.deliver(ctx, recipient.ID, notify.EventTransferReceived, notify.Notification{
		Title:   "Transfer received",
		Message: "You received " + money.Format(in.Amount) + " " + string(in.Token),
		Data:    map[string]any{"transactionId": txn.ID, "reference": txn.Reference, "amount": money.Format(in.Amount), "token": in.Token},
	})
	return txn, nil
}

// Swap converts amount of from into to at the table rate. The fee is charged
// in the source token on top of amount.
func (l *Ledger) Swap(ctx context.Context, userID string, from, to tokens.Token, amount decimal.Decimal) (txn *Transaction, err error) {
	done := observeOp("swap")
	ctx, span := traces.StartSpan(ctx, "ledger.Swap", traces.UserID(userID), traces.Token(string(from)), traces.Amount(amount.String()))
	defer func() { done(err); traces.End(span, err) }()

	if err := checkTokenAmount(from, amount); err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, apperr.Validation("unknown token type %q", to)
	}
	if from == to {
		return nil, apperr.Validation("cannot swap %s to itself", from)
	}

	rates := l.rates.Snapshot()
	converted, err := rates.Convert(amount, from, to)
	if err != nil {
		return nil, err
	}
	if !converted.IsPositive() {
		return nil, apperr.Validation("amount too small to convert")
	}
	fee := money.Mul(amount, l.swapFee)

	err = l.store.WithTx(ctx, func(tx Tx) error {
		now := l.now()
		src, err := tx.Wallets().GetForUpdate(ctx, userID, from)
		if err != nil {
			return err
		}
		if err := src.Debit(amount.Add(fee), now); err != nil {
			return err
		}
		if err := tx.Wallets().Update(ctx, src); err != nil {
			return err
		}
		if err := l.collectFee(ctx, tx, from, fee, now); err != nil {
			return err
		}

		dst, err := EnsureWallet(ctx, tx, userID, to, now)
		if err != nil {
			return err
		}
		if err := dst.Credit(converted, now); err != nil {
			return err
		}
		if err := tx.Wallets().Update(ctx, dst); err != nil {
			return err
		}

		txn = NewTransaction(TxSwap, TxCompleted, from, amount, now)
		txn.Fee = fee
		txn.CounterToken = to
		txn.CounterAmount = converted
		txn.FromWalletID = src.ID
		txn.ToWalletID = dst.ID
		txn.FromUserID = userID
		txn.ToUserID = userID
		return tx.Transactions().Insert(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	if !fee.IsZero() {
		LedgerFeesCollected.WithLabelValues(string(from), "swap").Add(fee.InexactFloat64())
	}
	l.logger.Info("swap completed", "user_id", userID, "from", from, "to", to,
		"amount", money.Format(amount), "received", money.Format(converted), "fee", money.Format(fee))
	return txn, nil
}

// Freeze blocks outgoing movements from a wallet.
func (l *Ledger) Freeze(ctx context.Context, walletID, reason string) (*Wallet, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("freeze reason is required")
	}
	w, err := l.updateWallet(ctx, walletID, func(w *Wallet, now time.Time) error {
		return w.Freeze(reason, now)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Warn("wallet frozen", "wallet_id", walletID, "user_id", w.UserID, "reason", reason)
	l.deliver(ctx, w.UserID, notify.EventWalletFrozen, notify.Notification{
		Title:   "Wallet frozen",
		Message: "Your " + string(w.Token) + " wallet has been frozen: " + reason,
		Data:    map[string]any{"walletId": w.ID, "token": w.Token},
	})
	return w, nil
}

// Unfreeze lifts a freeze.
func (l *Ledger) Unfreeze(ctx context.Context, walletID string) (*Wallet, error) {
	w, err := l.updateWallet(ctx, walletID, func(w *Wallet, now time.Time) error {
		return w.Unfreeze(now)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet unfrozen", "wallet_id", walletID, "user_id", w.UserID)
	l.deliver(ctx, w.UserID, notify.EventWalletUnfrozen, notify.Notification{
		Title:   "Wallet unfrozen",
		Message: "Your " + string(w.Token) + " wallet is active again",
		Data:    map[string]any{"walletId": w.ID, "token": w.Token},
	})
	return w, nil
}

// Deactivate soft-deletes an empty wallet.
func (l *Ledger) Deactivate(ctx context.Context, walletID string) (*Wallet, error) {
	w, err := l.updateWallet(ctx, walletID, func(w *Wallet, now time.Time) error {
		return w.Deactivate(now)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet deactivated", "wallet_id", walletID, "user_id", w.UserID)
	return w, nil
}

func (l *Ledger) updateWallet(ctx context.Context, walletID string, fn func(w *Wallet, now time.Time) error) (*Wallet, error) {
	var w *Wallet
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		w, err = tx.Wallets().GetByIDForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if err := fn(w, l.now()); err != nil {
			return err
		}
		return tx.Wallets().Update(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// HistoryPage is one page of a user's transactions, newest first.
type HistoryPage struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// History returns the user's transactions, optionally filtered by token,
// starting after cursor.
func (l *Ledger) History(ctx context.Context, userID string, token tokens.Token, limit int, cursor string) (*HistoryPage, error) {
	if token != "" && !token.Valid() {
		return nil, apperr.Validation("unknown token type %q", token)
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	if limit > MaxPageSize-1 {
		limit = MaxPageSize - 1
	}
	txns, err := l.store.ListTransactions(ctx, TxQuery{
		UserID: userID,
		Token:  token,
		Limit:  limit + 1,
		Cursor: c,
	})
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return &HistoryPage{Transactions: items, NextCursor: next, HasMore: more}, nil
}

// collectFee credits fee to the platform wallet of token.
func (l *Ledger) collectFee(ctx context.Context, tx Tx, token tokens.Token, fee decimal.Decimal, now time.Time) error {
	if fee.IsZero() {
		return nil
	}
	pw, err := EnsureWallet(ctx, tx, l.platformUserID, token, now)
	if err != nil {
		return err
	}
	if err := pw.Credit(fee, now); err != nil {
		return err
	}
	return tx.Wallets().Update(ctx, pw)
}

// deliver hands a notification to the dispatcher; failures are only logged.
func (l *Ledger) deliver(ctx context.Context, userID string, ev notify.Event, n notify.Notification) {
	if err := l.notifier.Deliver(ctx, userID, ev, n); err != nil {
		l.logger.Warn("notification failed", "event", ev, "user_id", userID, "error", err)
	}
}

func resolveUser(ctx context.Context, tx Tx, idOrEmail string) (*User, error) {
	if strings.Contains(idOrEmail, "@") {
		return tx.Users().FindByEmail(ctx, strings.ToLower(idOrEmail))
	}
	return tx.Users().Get(ctx, idOrEmail)
}

func checkTokenAmount(token tokens.Token, amount decimal.Decimal) error {
	if !token.Valid() {
		return apperr.Validation("unknown token type %q", token)
	}
	_, err := CheckAmount(amount)
	return err
}
