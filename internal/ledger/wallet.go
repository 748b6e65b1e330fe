package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

// Wallet is a per-(user, token) balance record. Never hard-deleted.
type Wallet struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Token            tokens.Token    `json:"token"`
	Balance          decimal.Decimal `json:"balance"`
	PendingBalance   decimal.Decimal `json:"pendingBalance"`
	IsFrozen         bool            `json:"isFrozen"`
	FrozenReason     string          `json:"frozenReason,omitempty"`
	IsActive         bool            `json:"isActive"`
	TotalSent        decimal.Decimal `json:"totalSent"`
	TotalReceived    decimal.Decimal `json:"totalReceived"`
	TransactionCount int64           `json:"transactionCount"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Total is balance plus pending.
func (w *Wallet) Total() decimal.Decimal {
	return w.Balance.Add(w.PendingBalance)
}

func (w *Wallet) checkActive() error {
	if !w.IsActive {
		return apperr.InvalidState("wallet %s is deactivated", w.ID)
	}
	return nil
}

func (w *Wallet) checkSpendable(amount decimal.Decimal) error {
	if err := w.checkActive(); err != nil {
		return err
	}
	if w.IsFrozen {
		return &apperr.Error{Kind: apperr.KindWalletFrozen, Message: "wallet is frozen: " + w.FrozenReason}
	}
	if w.Balance.LessThan(amount) {
		return apperr.New(apperr.KindInsufficientBalance,
			"insufficient balance: have %s %s, need %s", money.Format(w.Balance), w.Token, money.Format(amount))
	}
	return nil
}

func (w *Wallet) touch(now time.Time) {
	w.TransactionCount++
	w.UpdatedAt = now
}

// Credit adds amount to balance. Frozen wallets still receive credits.
func (w *Wallet) Credit(amount decimal.Decimal, now time.Time) error {
	if err := w.checkActive(); err != nil {
		return err
	}
	w.Balance = w.Balance.Add(amount)
	w.TotalReceived = w.TotalReceived.Add(amount)
	w.touch(now)
	return nil
}

// Debit removes amount from balance.
func (w *Wallet) Debit(amount decimal.Decimal, now time.Time) error {
	if err := w.checkSpendable(amount); err != nil {
		return err
	}
	w.Balance = w.Balance.Sub(amount)
	w.TotalSent = w.TotalSent.Add(amount)
	w.touch(now)
	return nil
}

// Hold moves amount from balance to pending.
func (w *Wallet) Hold(amount decimal.Decimal, now time.Time) error {
	if err := w.checkSpendable(amount); err != nil {
		return err
	}
	w.Balance = w.Balance.Sub(amount)
	w.PendingBalance = w.PendingBalance.Add(amount)
	w.touch(now)
	return nil
}

// ReleaseHold moves amount from pending back to balance.
func (w *Wallet) ReleaseHold(amount decimal.Decimal, now time.Time) error {
	if w.PendingBalance.LessThan(amount) {
		return apperr.InvalidState("pending balance %s below escrow amount %s", money.Format(w.PendingBalance), money.Format(amount))
	}
	w.PendingBalance = w.PendingBalance.Sub(amount)
	w.Balance = w.Balance.Add(amount)
	w.touch(now)
	return nil
}

// SettleHold removes amount from pending for good, floored at zero.
func (w *Wallet) SettleHold(amount decimal.Decimal, now time.Time) {
	w.PendingBalance = money.SubFloor(w.PendingBalance, amount)
	w.TotalSent = w.TotalSent.Add(amount)
	w.touch(now)
}

// Freeze blocks outgoing movements.
func (w *Wallet) Freeze(reason string, now time.Time) error {
	if w.IsFrozen {
		return apperr.InvalidState("wallet %s is already frozen", w.ID)
	}
	w.IsFrozen = true
	w.FrozenReason = reason
	w.UpdatedAt = now
	return nil
}

// Unfreeze lifts a freeze.
func (w *Wallet) Unfreeze(now time.Time) error {
	if !w.IsFrozen {
		return apperr.InvalidState("wallet %s is not frozen", w.ID)
	}
	w.IsFrozen = false
	w.FrozenReason = ""
	w.UpdatedAt = now
	return nil
}

// Deactivate soft-deletes an empty wallet.
func (w *Wallet) Deactivate(now time.Time) error {
	if err := w.checkActive(); err != nil {
		return err
	}
	if !w.Balance.IsZero() || !w.PendingBalance.IsZero() {
		return apperr.InvalidState("wallet %s still holds funds", w.ID)
	}
	w.IsActive = false
	w.UpdatedAt = now
	return nil
}
