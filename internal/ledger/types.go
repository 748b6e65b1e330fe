package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/tokens"
)

// Role is the caller role supplied by the auth layer.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// SystemUserID identifies automated actors such as the expiry sweep.
const SystemUserID = "system"

// User is the core's view of an account owner.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// TxType is the kind of ledger movement a transaction records.
type TxType string

const (
	TxMint            TxType = "mint"
	TxBurn            TxType = "burn"
	TxTransfer        TxType = "transfer"
	TxCollection      TxType = "collection"
	TxCredit          TxType = "credit"
	TxDebit           TxType = "debit"
	TxSwap            TxType = "swap"
	TxAgentDeposit    TxType = "agent_deposit"
	TxAgentWithdrawal TxType = "agent_withdrawal"
	TxRefund          TxType = "refund"
)

// TxStatus is a transaction's lifecycle status.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxRefunded  TxStatus = "refunded"
	TxCancelled TxStatus = "cancelled"
	TxFailed    TxStatus = "failed"
)

// Transaction is an append-only ledger entry. Amount fields never change
// after insert; only status, completion time and metadata do.
type Transaction struct {
	ID            string          `json:"id"`
	Reference     string          `json:"reference"`
	Type          TxType          `json:"type"`
	Status        TxStatus        `json:"status"`
	Token         tokens.Token    `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	CounterToken  tokens.Token    `json:"counterToken,omitempty"`
	CounterAmount decimal.Decimal `json:"counterAmount"`
	FromWalletID  string          `json:"fromWalletId,omitempty"`
	ToWalletID    string          `json:"toWalletId,omitempty"`
	FromUserID    string          `json:"fromUserId,omitempty"`
	ToUserID      string          `json:"toUserId,omitempty"`
	AgentID       string          `json:"agentId,omitempty"`
	MerchantID    string          `json:"merchantId,omitempty"`
	Description   string          `json:"description,omitempty"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Apply moves the transaction through its transition table.
func (t *Transaction) Apply(ev TxEvent, now time.Time) error {
	next, err := NextTxStatus(t.Status, ev)
	if err != nil {
		return err
	}
	t.Status = next
	t.CompletedAt = &now
	return nil
}

// EscrowStatus is an escrow's lifecycle status.
type EscrowStatus string

const (
	EscrowLocked    EscrowStatus = "locked"
	EscrowCompleted EscrowStatus = "completed"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowDisputed  EscrowStatus = "disputed"
)

// Escrow holds Amount of a user's tokens in pending_balance.
type Escrow struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	AgentID       string          `json:"agentId,omitempty"`
	WalletID      string          `json:"walletId"`
	Token         tokens.Token    `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	Status        EscrowStatus    `json:"status"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Apply moves the escrow through its transition table.
func (e *Escrow) Apply(ev EscrowEvent, now time.Time) error {
	next, err := NextEscrowStatus(e.Status, ev)
	if err != nil {
		return err
	}
	e.Status = next
	e.UpdatedAt = now
	if next == EscrowCompleted || next == EscrowRefunded {
		e.ResolvedAt = &now
	}
	return nil
}

// IsExpired reports whether a locked escrow is past its deadline.
func (e *Escrow) IsExpired(now time.Time) bool {
	return e.Status == EscrowLocked && now.After(e.ExpiresAt)
}

// AgentStatus is an agent's lifecycle status.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
)

// Agent is a fiat counterparty backed by a verified USDT deposit.
// All figures are USDT-denominated.
type Agent struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	Status            AgentStatus     `json:"status"`
	DepositUSD        decimal.Decimal `json:"depositUsd"`
	AvailableCapacity decimal.Decimal `json:"availableCapacity"`
	TotalMinted       decimal.Decimal `json:"totalMinted"`
	TotalBurned       decimal.Decimal `json:"totalBurned"`
	TotalEarnings     decimal.Decimal `json:"totalEarnings"`
	CommissionRate    decimal.Decimal `json:"commissionRate"`
	SuspendedReason   string          `json:"suspendedReason,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// AgentDeposit records one verified on-chain deposit. TxHash is unique.
type AgentDeposit struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agentId"`
	TxHash        string          `json:"txHash"`
	AmountUSD     decimal.Decimal `json:"amountUsd"`
	FromAddress   string          `json:"fromAddress"`
	BlockNumber   uint64          `json:"blockNumber"`
	TransactionID string          `json:"transactionId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// WithdrawalStatus is a withdrawal's lifecycle status.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalPaid     WithdrawalStatus = "paid"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// Withdrawal is an agent's request to take deposit back out.
type Withdrawal struct {
	ID           string           `json:"id"`
	AgentID      string           `json:"agentId"`
	AmountUSD    decimal.Decimal  `json:"amountUsd"`
	Destination  string           `json:"destination"`
	Status       WithdrawalStatus `json:"status"`
	ReviewedBy   string           `json:"reviewedBy,omitempty"`
	AdminNotes   string           `json:"adminNotes,omitempty"`
	PayoutTxHash string           `json:"payoutTxHash,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	PaidAt       *time.Time       `json:"paidAt,omitempty"`
}

// Apply moves the withdrawal through its transition table.
func (w *Withdrawal) Apply(ev WithdrawalEvent, now time.Time) error {
	next, err := NextWithdrawalStatus(w.Status, ev)
	if err != nil {
		return err
	}
	w.Status = next
	w.UpdatedAt = now
	if next == WithdrawalPaid {
		w.PaidAt = &now
	}
	return nil
}

// IsOpen reports whether the withdrawal still reserves deposit.
func (w *Withdrawal) IsOpen() bool {
	return w.Status == WithdrawalPending || w.Status == WithdrawalApproved
}

// MintStatus is a mint request's lifecycle status.
type MintStatus string

const (
	MintPending        MintStatus = "pending"
	MintProofSubmitted MintStatus = "proof_submitted"
	MintConfirmed      MintStatus = "confirmed"
	MintRejected       MintStatus = "rejected"
	MintExpired        MintStatus = "expired"
	MintDisputed       MintStatus = "disputed"
)

// MintRequest is a user's request to receive tokens for fiat paid to an agent.
type MintRequest struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	AgentID         string          `json:"agentId"`
	Token           tokens.Token    `json:"token"`
	Amount          decimal.Decimal `json:"amount"`
	Status          MintStatus      `json:"status"`
	ProofURL        string          `json:"proofUrl,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	TransactionID   string          `json:"transactionId,omitempty"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Apply moves the mint request through its transition table.
func (m *MintRequest) Apply(ev MintEvent, now time.Time) error {
	next, err := NextMintStatus(m.Status, ev)
	if err != nil {
		return err
	}
	m.Status = next
	m.UpdatedAt = now
	return nil
}

// IsExpired reports whether an expirable mint request is past its deadline.
func (m *MintRequest) IsExpired(now time.Time) bool {
	return (m.Status == MintPending || m.Status == MintProofSubmitted) && now.After(m.ExpiresAt)
}

// BurnStatus is a burn request's lifecycle status.
type BurnStatus string

const (
	BurnEscrowed  BurnStatus = "escrowed"
	BurnFiatSent  BurnStatus = "fiat_sent"
	BurnConfirmed BurnStatus = "confirmed"
	BurnRejected  BurnStatus = "rejected"
	BurnExpired   BurnStatus = "expired"
	BurnDisputed  BurnStatus = "disputed"
)

// BankDetails is where the agent sends fiat for a burn.
type BankDetails struct {
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
	BankName      string `json:"bankName"`
}

// BurnRequest is a user's request to receive fiat for escrowed tokens.
type BurnRequest struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	AgentID         string          `json:"agentId"`
	EscrowID        string          `json:"escrowId"`
	Token           tokens.Token    `json:"token"`
	Amount          decimal.Decimal `json:"amount"`
	Status          BurnStatus      `json:"status"`
	Bank            BankDetails     `json:"bank"`
	FiatProofURL    string          `json:"fiatProofUrl,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	FiatSentAt      *time.Time      `json:"fiatSentAt,omitempty"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Apply moves the burn request through its transition table.
func (b *BurnRequest) Apply(ev BurnEvent, now time.Time) error {
	next, err := NextBurnStatus(b.Status, ev)
	if err != nil {
		return err
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// DisputeStatus is a dispute's lifecycle status.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// SubjectType says what a dispute is about.
type SubjectType string

const (
	SubjectEscrow SubjectType = "escrow"
	SubjectMint   SubjectType = "mint_request"
)

// EscalationLevel is who is currently looking at an open dispute.
type EscalationLevel string

const (
	LevelAuto    EscalationLevel = "auto"
	LevelSupport EscalationLevel = "support"
	LevelAdmin   EscalationLevel = "admin"
)

// Rank orders escalation levels; unknown levels rank below auto.
func (l EscalationLevel) Rank() int {
	switch l {
	case LevelAuto:
		return 1
	case LevelSupport:
		return 2
	case LevelAdmin:
		return 3
	}
	return 0
}

// ResolutionAction is the admin's chosen outcome.
type ResolutionAction string

const (
	ActionRefund   ResolutionAction = "refund"
	ActionPenalize ResolutionAction = "penalize_agent"
	ActionComplete ResolutionAction = "complete"
)

// Valid reports whether a is a known action.
func (a ResolutionAction) Valid() bool {
	switch a {
	case ActionRefund, ActionPenalize, ActionComplete:
		return true
	}
	return false
}

// ReasonAutoExpired is the reason recorded by the expiry sweep.
const ReasonAutoExpired = "auto_expired"

// Resolution is written once when a dispute resolves.
type Resolution struct {
	Action     ResolutionAction `json:"action"`
	Notes      string           `json:"notes,omitempty"`
	ResolverID string           `json:"resolverId"`
	PenaltyUSD decimal.Decimal  `json:"penaltyUsd"`
	Metadata   Metadata         `json:"metadata,omitempty"`
	ResolvedAt time.Time        `json:"resolvedAt"`
}

// Dispute adjudicates an escrow or a mint request.
type Dispute struct {
	ID            string          `json:"id"`
	SubjectType   SubjectType     `json:"subjectType"`
	EscrowID      string          `json:"escrowId,omitempty"`
	MintRequestID string          `json:"mintRequestId,omitempty"`
	OpenerID      string          `json:"openerId"`
	AgentID       string          `json:"agentId,omitempty"`
	Reason        string          `json:"reason"`
	Details       string          `json:"details,omitempty"`
	Status        DisputeStatus   `json:"status"`
	Level         EscalationLevel `json:"level"`
	Resolution    *Resolution     `json:"resolution,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Resolve records the resolution exactly once.
func (d *Dispute) Resolve(r Resolution) error {
	next, err := NextDisputeStatus(d.Status, DisputeEventResolve)
	if err != nil {
		return err
	}
	d.Status = next
	d.UpdatedAt = r.ResolvedAt
	d.Resolution = &r
	return nil
}
