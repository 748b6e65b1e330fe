package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/pagination"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

// MaxPageSize caps list queries.
const MaxPageSize = 200

// Store is the system of record. Every read-modify-write runs inside WithTx;
// the Reader methods serve read-only views outside transactions.
type Store interface {
	Reader
	// WithTx runs fn in one serializable transaction. fn may be re-run on a
	// serialization conflict, so it must not leak effects outside the Tx.
	// Returning an error from fn rolls back everything it did.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx exposes row-locking repositories bound to one transaction.
type Tx interface {
	Users() UserRepo
	Wallets() WalletRepo
	Transactions() TransactionRepo
	Escrows() EscrowRepo
	Agents() AgentRepo
	AgentDeposits() AgentDepositRepo
	Withdrawals() WithdrawalRepo
	MintRequests() MintRequestRepo
	BurnRequests() BurnRequestRepo
	Disputes() DisputeRepo
}

// UserRepo reads and registers users.
type UserRepo interface {
	Get(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Upsert(ctx context.Context, u *User) error
}

// WalletRepo locks and writes wallets.
type WalletRepo interface {
	GetForUpdate(ctx context.Context, userID string, token tokens.Token) (*Wallet, error)
	GetByIDForUpdate(ctx context.Context, id string) (*Wallet, error)
	Insert(ctx context.Context, w *Wallet) error
	Update(ctx context.Context, w *Wallet) error
}

// TransactionRepo appends and updates ledger entries.
type TransactionRepo interface {
	Insert(ctx context.Context, t *Transaction) error
	GetForUpdate(ctx context.Context, id string) (*Transaction, error)
	// Update persists status, completion time and metadata only.
	Update(ctx context.Context, t *Transaction) error
}

// EscrowRepo locks and writes escrows.
type EscrowRepo interface {
	Insert(ctx context.Context, e *Escrow) error
	GetForUpdate(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
}

// AgentRepo locks and writes agents.
type AgentRepo interface {
	Insert(ctx context.Context, a *Agent) error
	GetForUpdate(ctx context.Context, id string) (*Agent, error)
	GetByUserForUpdate(ctx context.Context, userID string) (*Agent, error)
	Update(ctx context.Context, a *Agent) error
}

// AgentDepositRepo records verified deposits.
type AgentDepositRepo interface {
	Exists(ctx context.Context, txHash string) (bool, error)
	Insert(ctx context.Context, d *AgentDeposit) error
}

// WithdrawalRepo locks and writes withdrawals.
type WithdrawalRepo interface {
	Insert(ctx context.Context, w *Withdrawal) error
	GetForUpdate(ctx context.Context, id string) (*Withdrawal, error)
	Update(ctx context.Context, w *Withdrawal) error
	// SumOpen totals pending and approved withdrawals of an agent,
	// excluding excludeID.
	SumOpen(ctx context.Context, agentID, excludeID string) (decimal.Decimal, error)
}

// MintRequestRepo locks and writes mint requests.
type MintRequestRepo interface {
	Insert(ctx context.Context, m *MintRequest) error
	GetForUpdate(ctx context.Context, id string) (*MintRequest, error)
	Update(ctx context.Context, m *MintRequest) error
	Delete(ctx context.Context, id string) error
}

// BurnRequestRepo locks and writes burn requests.
type BurnRequestRepo interface {
	Insert(ctx context.Context, b *BurnRequest) error
	GetForUpdate(ctx context.Context, id string) (*BurnRequest, error)
	// GetByEscrowForUpdate returns NotFound for escrows that back no burn.
	GetByEscrowForUpdate(ctx context.Context, escrowID string) (*BurnRequest, error)
	Update(ctx context.Context, b *BurnRequest) error
}

// DisputeRepo locks and writes disputes.
type DisputeRepo interface {
	Insert(ctx context.Context, d *Dispute) error
	GetForUpdate(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
}

// Reader serves read-only queries outside transactions.
type Reader interface {
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	GetWallet(ctx context.Context, userID string, token tokens.Token) (*Wallet, error)
	GetWalletByID(ctx context.Context, id string) (*Wallet, error)
	ListWallets(ctx context.Context, userID string) ([]*Wallet, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, q TxQuery) ([]*Transaction, error)

	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	ListExpiredEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByUser(ctx context.Context, userID string) (*Agent, error)
	ListAgents(ctx context.Context, status AgentStatus, limit int) ([]*Agent, error)

	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, q WithdrawalQuery) ([]*Withdrawal, error)

	GetMintRequest(ctx context.Context, id string) (*MintRequest, error)
	ListMintRequests(ctx context.Context, q RequestQuery) ([]*MintRequest, error)
	ListExpiredMintRequests(ctx context.Context, before time.Time, limit int) ([]*MintRequest, error)

	GetBurnRequest(ctx context.Context, id string) (*BurnRequest, error)
	ListBurnRequests(ctx context.Context, q RequestQuery) ([]*BurnRequest, error)

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, q DisputeQuery) ([]*Dispute, error)

	SupplyTotals(ctx context.Context) (map[tokens.Token]Supply, error)
}

// TxQuery selects a user's transaction history, newest first. A zero
// Cursor starts from the newest entry.
type TxQuery struct {
	UserID string
	Token  tokens.Token
	Type   TxType
	Limit  int
	// Cursor selects entries strictly older than (CreatedAt, ID).
	Cursor *pagination.Cursor
}

// RequestQuery selects mint or burn requests by owner or agent.
type RequestQuery struct {
	UserID  string
	AgentID string
	Status  string
	Limit   int
}

// WithdrawalQuery selects withdrawals.
type WithdrawalQuery struct {
	AgentID string
	Status  WithdrawalStatus
	Limit   int
}

// DisputeQuery selects disputes.
type DisputeQuery struct {
	Status  DisputeStatus
	AgentID string
	Limit   int
}

// Supply is one token's circulating supply as seen two ways: the sum of
// wallets and the net of completed journal entries.
type Supply struct {
	Balance    decimal.Decimal `json:"balance"`
	Pending    decimal.Decimal `json:"pending"`
	JournalNet decimal.Decimal `json:"journalNet"`
}

// Wallets is balance plus pending.
func (s Supply) Wallets() decimal.Decimal { return s.Balance.Add(s.Pending) }

// Drift is wallets minus journal; zero when the ledger is consistent.
func (s Supply) Drift() decimal.Decimal { return s.Wallets().Sub(s.JournalNet) }

// supplyEffect returns what a completed transaction adds to per-token supply.
func (t *Transaction) supplyEffect() map[tokens.Token]decimal.Decimal {
	if t.Status != TxCompleted {
		return nil
	}
	switch t.Type {
	case TxMint, TxCredit:
		return map[tokens.Token]decimal.Decimal{t.Token: t.Amount}
	case TxBurn, TxDebit:
		return map[tokens.Token]decimal.Decimal{t.Token: t.Amount.Neg()}
	case TxSwap:
		return map[tokens.Token]decimal.Decimal{
			t.Token:        t.Amount.Neg(),
			t.CounterToken: t.CounterAmount,
		}
	}
	return nil
}

func clampLimit(n int) int {
	if n <= 0 || n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// EnsureWallet locks the (user, token) wallet, creating it on first use.
func EnsureWallet(ctx context.Context, tx Tx, userID string, token tokens.Token, now time.Time) (*Wallet, error) {
	w, err := tx.Wallets().GetForUpdate(ctx, userID, token)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	w = &Wallet{
		ID:        idgen.New(),
		UserID:    userID,
		Token:     token,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Wallets().Insert(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// NewTransaction builds a journal entry with a fresh id and reference.
func NewTransaction(typ TxType, status TxStatus, token tokens.Token, amount decimal.Decimal, now time.Time) *Transaction {
	t := &Transaction{
		ID:        idgen.New(),
		Reference: idgen.Reference(),
		Type:      typ,
		Status:    status,
		Token:     token,
		Amount:    amount,
		Fee:       decimal.Zero,
		CreatedAt: now,
	}
	if status == TxCompleted {
		t.CompletedAt = &now
	}
	return t
}
