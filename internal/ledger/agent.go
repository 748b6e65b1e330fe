package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/money"
)

// Outstanding is the USDT value minted but not yet burned back.
func (a *Agent) Outstanding() decimal.Decimal {
	return a.TotalMinted.Sub(a.TotalBurned)
}

// MaxWithdrawable is deposit minus outstanding. It can go negative when a
// penalty eats into a deposit that still backs outstanding tokens.
func (a *Agent) MaxWithdrawable() decimal.Decimal {
	return a.DepositUSD.Sub(a.Outstanding())
}

// Apply moves the agent through its status table.
func (a *Agent) Apply(ev AgentEvent, now time.Time) error {
	next, err := NextAgentStatus(a.Status, ev)
	if err != nil {
		return err
	}
	a.Status = next
	a.UpdatedAt = now
	if next != AgentSuspended {
		a.SuspendedReason = ""
	}
	return nil
}

// RequireActive fails unless the agent can take new requests.
func (a *Agent) RequireActive() error {
	if a.Status != AgentActive {
		return apperr.InvalidState("agent %s is %s", a.ID, a.Status)
	}
	return nil
}

// ReserveMint consumes capacity for a mint worth usdt and books commission.
func (a *Agent) ReserveMint(usdt decimal.Decimal, now time.Time) (commission decimal.Decimal, err error) {
	if a.AvailableCapacity.LessThan(usdt) {
		return decimal.Zero, apperr.New(apperr.KindExceedsCapacity,
			"agent capacity %s USDT below required %s USDT", money.Format(a.AvailableCapacity), money.Format(usdt))
	}
	commission = money.Mul(usdt, a.CommissionRate)
	a.AvailableCapacity = a.AvailableCapacity.Sub(usdt)
	a.TotalMinted = a.TotalMinted.Add(usdt)
	a.TotalEarnings = a.TotalEarnings.Add(commission)
	a.UpdatedAt = now
	return commission, nil
}

// AbsorbBurn returns capacity for a completed burn worth usdt.
func (a *Agent) AbsorbBurn(usdt decimal.Decimal, now time.Time) {
	a.AvailableCapacity = a.AvailableCapacity.Add(usdt)
	a.TotalBurned = a.TotalBurned.Add(usdt)
	a.UpdatedAt = now
}

// AddDeposit books a verified deposit and reports whether the agent became
// active by crossing minDeposit.
func (a *Agent) AddDeposit(usd, minDeposit decimal.Decimal, now time.Time) (activated bool) {
	a.DepositUSD = a.DepositUSD.Add(usd)
	a.AvailableCapacity = a.AvailableCapacity.Add(usd)
	a.UpdatedAt = now
	if a.Status == AgentPending && a.DepositUSD.GreaterThanOrEqual(minDeposit) {
		a.Status = AgentActive
		return true
	}
	return false
}

// Payout removes a paid withdrawal from deposit and capacity, floored at zero.
func (a *Agent) Payout(usd decimal.Decimal, now time.Time) {
	a.DepositUSD = money.SubFloor(a.DepositUSD, usd)
	a.AvailableCapacity = money.SubFloor(a.AvailableCapacity, usd)
	a.UpdatedAt = now
}

// Penalize deducts usd from deposit and capacity, floored at zero, and
// returns what was actually taken from the deposit.
func (a *Agent) Penalize(usd decimal.Decimal, now time.Time) decimal.Decimal {
	taken := decimal.Min(usd, a.DepositUSD)
	a.DepositUSD = money.SubFloor(a.DepositUSD, usd)
	a.AvailableCapacity = money.SubFloor(a.AvailableCapacity, usd)
	a.UpdatedAt = now
	return taken
}
