package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/retry"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

// errWriteConflict marks a lost insert race that is safe to retry.
var errWriteConflict = errors.New("ledger: concurrent write conflict")

// PostgresStore persists the ledger in PostgreSQL.
//
// Every WithTx runs at SERIALIZABLE isolation and locks the rows it mutates
// with SELECT ... FOR UPDATE. Serialization failures are retried with
// backoff; domain errors abort immediately.
type PostgresStore struct {
	db        *sql.DB
	attempts  int
	baseDelay time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, attempts: 5, baseDelay: 20 * time.Millisecond}
}

// WithRetries sets how many times a conflicting transaction is attempted.
func (p *PostgresStore) WithRetries(attempts int) *PostgresStore {
	if attempts > 0 {
		p.attempts = attempts
	}
	return p
}

// DB exposes the pool for health checks and stats collection.
func (p *PostgresStore) DB() *sql.DB { return p.db }

// Ping implements Store.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// WithTx implements Store.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return retry.DoIf(ctx, p.attempts, p.baseDelay, isRetryable, func() error {
		return p.runTx(ctx, fn)
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, errWriteConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type pgTx struct{ q querier }

func (t *pgTx) Users() UserRepo                 { return pgUsers{t.q} }
func (t *pgTx) Wallets() WalletRepo             { return pgWallets{t.q} }
func (t *pgTx) Transactions() TransactionRepo   { return pgTxns{t.q} }
func (t *pgTx) Escrows() EscrowRepo             { return pgEscrows{t.q} }
func (t *pgTx) Agents() AgentRepo               { return pgAgents{t.q} }
func (t *pgTx) AgentDeposits() AgentDepositRepo { return pgDeposits{t.q} }
func (t *pgTx) Withdrawals() WithdrawalRepo     { return pgWithdrawals{t.q} }
func (t *pgTx) MintRequests() MintRequestRepo   { return pgMints{t.q} }
func (t *pgTx) BurnRequests() BurnRequestRepo   { return pgBurns{t.q} }
func (t *pgTx) Disputes() DisputeRepo           { return pgDisputes{t.q} }

const forUpdate = " FOR UPDATE"

// queryOne runs a single-row query and maps sql.ErrNoRows to NotFound.
func queryOne[T any](ctx context.Context, q querier, what string, scan func(scanner) (*T, error), query string, args ...any) (*T, error) {
	v, err := scan(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(what)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	return v, nil
}

func queryMany[T any](ctx context.Context, q querier, scan func(scanner) (*T, error), query string, args ...any) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func execOne(ctx context.Context, q querier, what string, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return apperr.NotFound(what)
	}
	return nil
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// --- users ---

const userColumns = `id, email, role, created_at`

func scanUser(s scanner) (*User, error) {
	u := &User{}
	if err := s.Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

type pgUsers struct{ q querier }

func (r pgUsers) Get(ctx context.Context, id string) (*User, error) {
	return queryOne(ctx, r.q, "user", scanUser, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r pgUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	return queryOne(ctx, r.q, "user", scanUser,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1) AND email <> ''`, email)
}

func (r pgUsers) Upsert(ctx context.Context, u *User) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (id, email, role, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, role = EXCLUDED.role`,
		u.ID, u.Email, string(u.Role), u.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Validation("email %s is already registered", u.Email)
	}
	return err
}

// --- wallets ---

const walletColumns = `id, user_id, token, balance, pending_balance, is_frozen, frozen_reason,
	is_active, total_sent, total_received, transaction_count, created_at, updated_at`

func scanWallet(s scanner) (*Wallet, error) {
	w := &Wallet{}
	err := s.Scan(&w.ID, &w.UserID, &w.Token, &w.Balance, &w.PendingBalance, &w.IsFrozen, &w.FrozenReason,
		&w.IsActive, &w.TotalSent, &w.TotalReceived, &w.TransactionCount, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type pgWallets struct{ q querier }

func (r pgWallets) GetForUpdate(ctx context.Context, userID string, token tokens.Token) (*Wallet, error) {
	return queryOne(ctx, r.q, "wallet", scanWallet,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND token = $2`+forUpdate, userID, string(token))
}

func (r pgWallets) GetByIDForUpdate(ctx context.Context, id string) (*Wallet, error) {
	return queryOne(ctx, r.q, "wallet", scanWallet,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`+forUpdate, id)
}

func (r pgWallets) Insert(ctx context.Context, w *Wallet) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.UserID, string(w.Token), w.Balance, w.PendingBalance, w.IsFrozen, w.FrozenReason,
		w.IsActive, w.TotalSent, w.TotalReceived, w.TransactionCount, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		// Another transaction created the same (user, token) wallet first.
		return errWriteConflict
	}
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (r pgWallets) Update(ctx context.Context, w *Wallet) error {
	return execOne(ctx, r.q, "wallet", `
		UPDATE wallets SET balance = $2, pending_balance = $3, is_frozen = $4, frozen_reason = $5,
			is_active = $6, total_sent = $7, total_received = $8, transaction_count = $9, updated_at = $10
		WHERE id = $1`,
		w.ID, w.Balance, w.PendingBalance, w.IsFrozen, w.FrozenReason,
		w.IsActive, w.TotalSent, w.TotalReceived, w.TransactionCount, w.UpdatedAt)
}

// --- transactions ---

const txnColumns = `id, reference, type, status, token, amount, fee, counter_token, counter_amount,
	from_wallet_id, to_wallet_id, from_user_id, to_user_id, agent_id, merchant_id, description,
	metadata, created_at, completed_at`

func scanTxn(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var completedAt sql.NullTime
	err := s.Scan(&t.ID, &t.Reference, &t.Type, &t.Status, &t.Token, &t.Amount, &t.Fee, &t.CounterToken, &t.CounterAmount,
		&t.FromWalletID, &t.ToWalletID, &t.FromUserID, &t.ToUserID, &t.AgentID, &t.MerchantID, &t.Description,
		&t.Metadata, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

type pgTxns struct{ q querier }

func (r pgTxns) Insert(ctx context.Context, t *Transaction) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.Reference, string(t.Type), string(t.Status), string(t.Token), t.Amount, t.Fee,
		string(t.CounterToken), t.CounterAmount,
		t.FromWalletID, t.ToWalletID, t.FromUserID, t.ToUserID, t.AgentID, t.MerchantID, t.Description,
		t.Metadata, t.CreatedAt, nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r pgTxns) GetForUpdate(ctx context.Context, id string) (*Transaction, error) {
	return queryOne(ctx, r.q, "transaction", scanTxn,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`+forUpdate, id)
}

func (r pgTxns) Update(ctx context.Context, t *Transaction) error {
	return execOne(ctx, r.q, "transaction",
		`UPDATE transactions SET status = $2, completed_at = $3, metadata = $4 WHERE id = $1`,
		t.ID, string(t.Status), nullTime(t.CompletedAt), t.Metadata)
}

// --- escrows ---

const escrowColumns = `id, transaction_id, user_id, agent_id, wallet_id, token, amount, status,
	metadata, expires_at, resolved_at, created_at, updated_at`

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var resolvedAt sql.NullTime
	err := s.Scan(&e.ID, &e.TransactionID, &e.UserID, &e.AgentID, &e.WalletID, &e.Token, &e.Amount, &e.Status,
		&e.Metadata, &e.ExpiresAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.ResolvedAt = timePtr(resolvedAt)
	return e, nil
}

type pgEscrows struct{ q querier }

func (r pgEscrows) Insert(ctx context.Context, e *Escrow) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.TransactionID, e.UserID, e.AgentID, e.WalletID, string(e.Token), e.Amount, string(e.Status),
		e.Metadata, e.ExpiresAt, nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (r pgEscrows) GetForUpdate(ctx context.Context, id string) (*Escrow, error) {
	return queryOne(ctx, r.q, "escrow", scanEscrow,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`+forUpdate, id)
}

func (r pgEscrows) Update(ctx context.Context, e *Escrow) error {
	return execOne(ctx, r.q, "escrow", `
		UPDATE escrows SET status = $2, metadata = $3, expires_at = $4, resolved_at = $5, updated_at = $6
		WHERE id = $1`,
		e.ID, string(e.Status), e.Metadata, e.ExpiresAt, nullTime(e.ResolvedAt), e.UpdatedAt)
}

// --- agents ---

const agentColumns = `id, user_id, status, deposit_usd, available_capacity, total_minted, total_burned,
	total_earnings, commission_rate, suspended_reason, created_at, updated_at`

func scanAgent(s scanner) (*Agent, error) {
	a := &Agent{}
	err := s.Scan(&a.ID, &a.UserID, &a.Status, &a.DepositUSD, &a.AvailableCapacity, &a.TotalMinted, &a.TotalBurned,
		&a.TotalEarnings, &a.CommissionRate, &a.SuspendedReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type pgAgents struct{ q querier }

func (r pgAgents) Insert(ctx context.Context, a *Agent) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.UserID, string(a.Status), a.DepositUSD, a.AvailableCapacity, a.TotalMinted, a.TotalBurned,
		a.TotalEarnings, a.CommissionRate, a.SuspendedReason, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.InvalidState("user %s is already an agent", a.UserID)
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (r pgAgents) GetForUpdate(ctx context.Context, id string) (*Agent, error) {
	return queryOne(ctx, r.q, "agent", scanAgent, `SELECT `+agentColumns+` FROM agents WHERE id = $1`+forUpdate, id)
}

func (r pgAgents) GetByUserForUpdate(ctx context.Context, userID string) (*Agent, error) {
	return queryOne(ctx, r.q, "agent", scanAgent, `SELECT `+agentColumns+` FROM agents WHERE user_id = $1`+forUpdate, userID)
}

func (r pgAgents) Update(ctx context.Context, a *Agent) error {
	return execOne(ctx, r.q, "agent", `
		UPDATE agents SET status = $2, deposit_usd = $3, available_capacity = $4, total_minted = $5,
			total_burned = $6, total_earnings = $7, commission_rate = $8, suspended_reason = $9, updated_at = $10
		WHERE id = $1`,
		a.ID, string(a.Status), a.DepositUSD, a.AvailableCapacity, a.TotalMinted,
		a.TotalBurned, a.TotalEarnings, a.CommissionRate, a.SuspendedReason, a.UpdatedAt)
}

// --- agent deposits ---

type pgDeposits struct{ q querier }

func (r pgDeposits) Exists(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_deposits WHERE LOWER(tx_hash) = LOWER($1))`, txHash).Scan(&exists)
	return exists, err
}

func (r pgDeposits) Insert(ctx context.Context, d *AgentDeposit) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO agent_deposits (id, agent_id, tx_hash, amount_usd, from_address, block_number, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.AgentID, d.TxHash, d.AmountUSD, d.FromAddress, int64(d.BlockNumber), d.TransactionID, d.CreatedAt) //nolint:gosec // block numbers fit in int64
	if isUniqueViolation(err) {
		return apperr.Validation("deposit already processed")
	}
	if err != nil {
		return fmt.Errorf("insert agent deposit: %w", err)
	}
	return nil
}

// --- withdrawals ---

const withdrawalColumns = `id, agent_id, amount_usd, destination, status, reviewed_by, admin_notes,
	payout_tx_hash, created_at, updated_at, paid_at`

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var paidAt sql.NullTime
	err := s.Scan(&w.ID, &w.AgentID, &w.AmountUSD, &w.Destination, &w.Status, &w.ReviewedBy, &w.AdminNotes,
		&w.PayoutTxHash, &w.CreatedAt, &w.UpdatedAt, &paidAt)
	if err != nil {
		return nil, err
	}
	w.PaidAt = timePtr(paidAt)
	return w, nil
}

type pgWithdrawals struct{ q querier }

func (r pgWithdrawals) Insert(ctx context.Context, w *Withdrawal) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO agent_withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.AgentID, w.AmountUSD, w.Destination, string(w.Status), w.ReviewedBy, w.AdminNotes,
		w.PayoutTxHash, w.CreatedAt, w.UpdatedAt, nullTime(w.PaidAt))
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (r pgWithdrawals) GetForUpdate(ctx context.Context, id string) (*Withdrawal, error) {
	return queryOne(ctx, r.q, "withdrawal", scanWithdrawal,
		`SELECT `+withdrawalColumns+` FROM agent_withdrawals WHERE id = $1`+forUpdate, id)
}

func (r pgWithdrawals) Update(ctx context.Context, w *Withdrawal) error {
	return execOne(ctx, r.q, "withdrawal", `
		UPDATE agent_withdrawals SET status = $2, reviewed_by = $3, admin_notes = $4, payout_tx_hash = $5,
			updated_at = $6, paid_at = $7
		WHERE id = $1`,
		w.ID, string(w.Status), w.ReviewedBy, w.AdminNotes, w.PayoutTxHash, w.UpdatedAt, nullTime(w.PaidAt))
}

func (r pgWithdrawals) SumOpen(ctx context.Context, agentID, excludeID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0) FROM agent_withdrawals
		WHERE agent_id = $1 AND id <> $2 AND status IN ('pending', 'approved')`,
		agentID, excludeID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum open withdrawals: %w", err)
	}
	return sum, nil
}

// --- mint requests ---

const mintColumns = `id, user_id, agent_id, token, amount, status, proof_url, rejection_reason,
	transaction_id, expires_at, created_at, updated_at`

func scanMint(s scanner) (*MintRequest, error) {
	m := &MintRequest{}
	err := s.Scan(&m.ID, &m.UserID, &m.AgentID, &m.Token, &m.Amount, &m.Status, &m.ProofURL, &m.RejectionReason,
		&m.TransactionID, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

type pgMints struct{ q querier }

func (r pgMints) Insert(ctx context.Context, m *MintRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mint_requests (`+mintColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.UserID, m.AgentID, string(m.Token), m.Amount, string(m.Status), m.ProofURL, m.RejectionReason,
		m.TransactionID, m.ExpiresAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert mint request: %w", err)
	}
	return nil
}

func (r pgMints) GetForUpdate(ctx context.Context, id string) (*MintRequest, error) {
	return queryOne(ctx, r.q, "mint request", scanMint,
		`SELECT `+mintColumns+` FROM mint_requests WHERE id = $1`+forUpdate, id)
}

func (r pgMints) Update(ctx context.Context, m *MintRequest) error {
	return execOne(ctx, r.q, "mint request", `
		UPDATE mint_requests SET status = $2, proof_url = $3, rejection_reason = $4, transaction_id = $5,
			expires_at = $6, updated_at = $7
		WHERE id = $1`,
		m.ID, string(m.Status), m.ProofURL, m.RejectionReason, m.TransactionID, m.ExpiresAt, m.UpdatedAt)
}

func (r pgMints) Delete(ctx context.Context, id string) error {
	return execOne(ctx, r.q, "mint request", `DELETE FROM mint_requests WHERE id = $1`, id)
}

// --- burn requests ---

const burnColumns = `id, user_id, agent_id, escrow_id, token, amount, status, bank_account_name,
	bank_account_number, bank_name, fiat_proof_url, rejection_reason, fiat_sent_at, expires_at,
	created_at, updated_at`

func scanBurn(s scanner) (*BurnRequest, error) {
	b := &BurnRequest{}
	var fiatSentAt sql.NullTime
	err := s.Scan(&b.ID, &b.UserID, &b.AgentID, &b.EscrowID, &b.Token, &b.Amount, &b.Status, &b.Bank.AccountName,
		&b.Bank.AccountNumber, &b.Bank.BankName, &b.FiatProofURL, &b.RejectionReason, &fiatSentAt, &b.ExpiresAt,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.FiatSentAt = timePtr(fiatSentAt)
	return b, nil
}

type pgBurns struct{ q querier }

func (r pgBurns) Insert(ctx context.Context, b *BurnRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO burn_requests (`+burnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.UserID, b.AgentID, b.EscrowID, string(b.Token), b.Amount, string(b.Status), b.Bank.AccountName,
		b.Bank.AccountNumber, b.Bank.BankName, b.FiatProofURL, b.RejectionReason, nullTime(b.FiatSentAt), b.ExpiresAt,
		b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert burn request: %w", err)
	}
	return nil
}

func (r pgBurns) GetForUpdate(ctx context.Context, id string) (*BurnRequest, error) {
	return queryOne(ctx, r.q, "burn request", scanBurn,
		`SELECT `+burnColumns+` FROM burn_requests WHERE id = $1`+forUpdate, id)
}

func (r pgBurns) GetByEscrowForUpdate(ctx context.Context, escrowID string) (*BurnRequest, error) {
	return queryOne(ctx, r.q, "burn request", scanBurn,
		`SELECT `+burnColumns+` FROM burn_requests WHERE escrow_id = $1`+forUpdate, escrowID)
}

func (r pgBurns) Update(ctx context.Context, b *BurnRequest) error {
	return execOne(ctx, r.q, "burn request", `
		UPDATE burn_requests SET status = $2, fiat_proof_url = $3, rejection_reason = $4, fiat_sent_at = $5,
			expires_at = $6, updated_at = $7
		WHERE id = $1`,
		b.ID, string(b.Status), b.FiatProofURL, b.RejectionReason, nullTime(b.FiatSentAt), b.ExpiresAt, b.UpdatedAt)
}

// --- disputes ---

const disputeColumns = `id, subject_type, escrow_id, mint_request_id, opener_id, agent_id, reason, details,
	status, level, resolution_action, resolution_notes, resolver_id, penalty_usd, resolution_metadata,
	resolved_at, created_at, updated_at`

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		r          Resolution
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.SubjectType, &d.EscrowID, &d.MintRequestID, &d.OpenerID, &d.AgentID, &d.Reason, &d.Details,
		&d.Status, &d.Level, &r.Action, &r.Notes, &r.ResolverID, &r.PenaltyUSD, &r.Metadata,
		&resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		r.ResolvedAt = resolvedAt.Time
		d.Resolution = &r
	}
	return d, nil
}

func resolutionArgs(d *Dispute) (action, notes, resolver string, penalty decimal.Decimal, meta Metadata, at sql.NullTime) {
	if d.Resolution == nil {
		return "", "", "", decimal.Zero, nil, sql.NullTime{}
	}
	r := d.Resolution
	return string(r.Action), r.Notes, r.ResolverID, r.PenaltyUSD, r.Metadata, sql.NullTime{Time: r.ResolvedAt, Valid: true}
}

type pgDisputes struct{ q querier }

func (r pgDisputes) Insert(ctx context.Context, d *Dispute) error {
	action, notes, resolver, penalty, meta, at := resolutionArgs(d)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, string(d.SubjectType), d.EscrowID, d.MintRequestID, d.OpenerID, d.AgentID, d.Reason, d.Details,
		string(d.Status), string(d.Level), action, notes, resolver, penalty, meta,
		at, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.InvalidState("an open dispute already exists for this %s", d.SubjectType)
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (r pgDisputes) GetForUpdate(ctx context.Context, id string) (*Dispute, error) {
	return queryOne(ctx, r.q, "dispute", scanDispute,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+forUpdate, id)
}

func (r pgDisputes) Update(ctx context.Context, d *Dispute) error {
	action, notes, resolver, penalty, meta, at := resolutionArgs(d)
	return execOne(ctx, r.q, "dispute", `
		UPDATE disputes SET status = $2, level = $3, resolution_action = $4, resolution_notes = $5,
			resolver_id = $6, penalty_usd = $7, resolution_metadata = $8, resolved_at = $9, updated_at = $10
		WHERE id = $1`,
		d.ID, string(d.Status), string(d.Level), action, notes, resolver, penalty, meta, at, d.UpdatedAt)
}

// --- read side ---

// GetUser implements Reader.
func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return pgUsers{p.db}.Get(ctx, id)
}

// FindUserByEmail implements Reader.
func (p *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return pgUsers{p.db}.FindByEmail(ctx, email)
}

// GetWallet implements Reader.
func (p *PostgresStore) GetWallet(ctx context.Context, userID string, token tokens.Token) (*Wallet, error) {
	return queryOne(ctx, p.db, "wallet", scanWallet,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND token = $2`, userID, string(token))
}

// GetWalletByID implements Reader.
func (p *PostgresStore) GetWalletByID(ctx context.Context, id string) (*Wallet, error) {
	return queryOne(ctx, p.db, "wallet", scanWallet, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
}

// ListWallets implements Reader.
func (p *PostgresStore) ListWallets(ctx context.Context, userID string) ([]*Wallet, error) {
	return queryMany(ctx, p.db, scanWallet,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 ORDER BY token`, userID)
}

// GetTransaction implements Reader.
func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return queryOne(ctx, p.db, "transaction", scanTxn, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
}

// ListTransactions implements Reader.
func (p *PostgresStore) ListTransactions(ctx context.Context, q TxQuery) ([]*Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.UserID != "" {
		n := arg(q.UserID)
		where = append(where, "(from_user_id = "+n+" OR to_user_id = "+n+")")
	}
	if q.Token != "" {
		n := arg(string(q.Token))
		where = append(where, "(token = "+n+" OR counter_token = "+n+")")
	}
	if q.Type != "" {
		where = append(where, "type = "+arg(string(q.Type)))
	}
	if q.Cursor != nil {
		where = append(where, "(created_at, id) < ("+arg(q.Cursor.CreatedAt)+", "+arg(q.Cursor.ID)+")")
	}
	query := `SELECT ` + txnColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(clampLimit(q.Limit))
	return queryMany(ctx, p.db, scanTxn, query, args...)
}

// GetEscrow implements Reader.
func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return queryOne(ctx, p.db, "escrow", scanEscrow, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

// ListExpiredEscrows implements Reader.
func (p *PostgresStore) ListExpiredEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return queryMany(ctx, p.db, scanEscrow, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'locked' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, clampLimit(limit))
}

// GetAgent implements Reader.
func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return queryOne(ctx, p.db, "agent", scanAgent, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

// GetAgentByUser implements Reader.
func (p *PostgresStore) GetAgentByUser(ctx context.Context, userID string) (*Agent, error) {
	return queryOne(ctx, p.db, "agent", scanAgent, `SELECT `+agentColumns+` FROM agents WHERE user_id = $1`, userID)
}

// ListAgents implements Reader.
func (p *PostgresStore) ListAgents(ctx context.Context, status AgentStatus, limit int) ([]*Agent, error) {
	return queryMany(ctx, p.db, scanAgent, `
		SELECT `+agentColumns+` FROM agents
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(status), clampLimit(limit))
}

// GetWithdrawal implements Reader.
func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return queryOne(ctx, p.db, "withdrawal", scanWithdrawal,
		`SELECT `+withdrawalColumns+` FROM agent_withdrawals WHERE id = $1`, id)
}

// ListWithdrawals implements Reader.
func (p *PostgresStore) ListWithdrawals(ctx context.Context, q WithdrawalQuery) ([]*Withdrawal, error) {
	return queryMany(ctx, p.db, scanWithdrawal, `
		SELECT `+withdrawalColumns+` FROM agent_withdrawals
		WHERE ($1 = '' OR agent_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, q.AgentID, string(q.Status), clampLimit(q.Limit))
}

// GetMintRequest implements Reader.
func (p *PostgresStore) GetMintRequest(ctx context.Context, id string) (*MintRequest, error) {
	return queryOne(ctx, p.db, "mint request", scanMint, `SELECT `+mintColumns+` FROM mint_requests WHERE id = $1`, id)
}

// ListMintRequests implements Reader.
func (p *PostgresStore) ListMintRequests(ctx context.Context, q RequestQuery) ([]*MintRequest, error) {
	return queryMany(ctx, p.db, scanMint, `
		SELECT `+mintColumns+` FROM mint_requests
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR agent_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, q.UserID, q.AgentID, q.Status, clampLimit(q.Limit))
}

// ListExpiredMintRequests implements Reader.
func (p *PostgresStore) ListExpiredMintRequests(ctx context.Context, before time.Time, limit int) ([]*MintRequest, error) {
	return queryMany(ctx, p.db, scanMint, `
		SELECT `+mintColumns+` FROM mint_requests
		WHERE status IN ('pending', 'proof_submitted') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, clampLimit(limit))
}

// GetBurnRequest implements Reader.
func (p *PostgresStore) GetBurnRequest(ctx context.Context, id string) (*BurnRequest, error) {
	return queryOne(ctx, p.db, "burn request", scanBurn, `SELECT `+burnColumns+` FROM burn_requests WHERE id = $1`, id)
}

// ListBurnRequests implements Reader.
func (p *PostgresStore) ListBurnRequests(ctx context.Context, q RequestQuery) ([]*BurnRequest, error) {
	return queryMany(ctx, p.db, scanBurn, `
		SELECT `+burnColumns+` FROM burn_requests
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR agent_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, q.UserID, q.AgentID, q.Status, clampLimit(q.Limit))
}

// GetDispute implements Reader.
func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return queryOne(ctx, p.db, "dispute", scanDispute, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

// ListDisputes implements Reader.
func (p *PostgresStore) ListDisputes(ctx context.Context, q DisputeQuery) ([]*Dispute, error) {
	return queryMany(ctx, p.db, scanDispute, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR agent_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, string(q.Status), q.AgentID, clampLimit(q.Limit))
}

// SupplyTotals implements Reader.
func (p *PostgresStore) SupplyTotals(ctx context.Context) (map[tokens.Token]Supply, error) {
	out := make(map[tokens.Token]Supply, len(tokens.All))
	for _, t := range tokens.All {
		out[t] = Supply{Balance: decimal.Zero, Pending: decimal.Zero, JournalNet: decimal.Zero}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT token, COALESCE(SUM(balance), 0), COALESCE(SUM(pending_balance), 0)
		FROM wallets GROUP BY token`)
	if err != nil {
		return nil, fmt.Errorf("sum wallets: %w", err)
	}
	for rows.Next() {
		var (
			tok              tokens.Token
			balance, pending decimal.Decimal
		)
		if err := rows.Scan(&tok, &balance, &pending); err != nil {
			_ = rows.Close()
			return nil, err
		}
		s := out[tok]
		s.Balance, s.Pending = balance, pending
		out[tok] = s
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT token, SUM(CASE
			WHEN type IN ('mint', 'credit') THEN amount
			WHEN type IN ('burn', 'debit', 'swap') THEN -amount
			ELSE 0 END)
		FROM transactions WHERE status = 'completed' GROUP BY token
		UNION ALL
		SELECT counter_token, SUM(counter_amount)
		FROM transactions WHERE status = 'completed' AND type = 'swap' GROUP BY counter_token`)
	if err != nil {
		return nil, fmt.Errorf("sum journal: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			tok   tokens.Token
			delta decimal.Decimal
		)
		if err := rows.Scan(&tok, &delta); err != nil {
			return nil, err
		}
		s := out[tok]
		s.JournalNet = s.JournalNet.Add(delta)
		out[tok] = s
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
