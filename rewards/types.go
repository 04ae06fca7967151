/*
Package rewards turns order lifecycle events into ledger entries.

PURPOSE:
  Salon owners earn points on delivered orders; the agent assigned to an
  order earns commission. New reward accounts hold their points in the
  locked bucket until they reach a number of delivered orders, then one
  UNLOCKED entry releases everything at once.

EVENT FLOW:
  PAID                 order remembered, nothing earned
  DELIVERED/COMPLETED  (first time) points EARNED (+ LOCKED while locked),
                       deliveredOrders++, unlock gate, agent commission
  CANCELLED/REFUNDED   points and commission reversed, clamped to what the
                       account still holds; any shortfall raises a review flag
  anything else        ignored

PROGRAM CONSTANTS:
  The reward rate, unlock threshold, point lifetime and commission window
  come from configuration (Program) rather than code.

SEE ALSO:
  - accrual.go: Engine.Handle
  - policies.go: unlock gate and commission tiers
  - ledger/: the append-only store these entries land in
*/
package rewards

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// PROGRAM
// =============================================================================

// Program holds the business constants of the rewards and commission program.
type Program struct {
	// RewardRate is the share of the order subtotal paid out as points.
	RewardRate decimal.Decimal

	// UnlockThreshold is the number of delivered orders that unlocks a wallet.
	UnlockThreshold int

	// PointsTTL is how long earned points live. Zero means forever.
	PointsTTL time.Duration

	// RollingWindow is the period of agent sales used to pick a tier.
	RollingWindow time.Duration
}

// DefaultProgram is 5% points, 3 orders to unlock, points valid one year,
// tiers on the last 30 days of sales.
func DefaultProgram() Program {
	return Program{
		RewardRate:      decimal.RequireFromString("0.05"),
		UnlockThreshold: 3,
		PointsTTL:       365 * 24 * time.Hour,
		RollingWindow:   30 * 24 * time.Hour,
	}
}

func (p Program) Validate() error {
	if p.RewardRate.IsNegative() || p.RewardRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("reward rate must be within [0, 1], got %s", p.RewardRate)
	}
	if p.UnlockThreshold < 0 {
		return fmt.Errorf("unlock threshold must not be negative, got %d", p.UnlockThreshold)
	}
	if p.PointsTTL < 0 || p.RollingWindow < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// Points is floor(subtotal * rate).
func (p Program) Points(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(p.RewardRate).Floor()
}

// =============================================================================
// EVENTS
// =============================================================================

var (
	// ErrInvalidEvent rejects a malformed event at the boundary.
	ErrInvalidEvent = errors.New("invalid order event")

	// ErrInvalidTransition rejects leaving CANCELLED or REFUNDED.
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// OrderStatusChanged is the inbound order event.
type OrderStatusChanged struct {
	OrderID   string
	AccountID ledger.AccountID
	AgentID   ledger.AccountID // optional
	NewStatus ledger.OrderStatus
	Subtotal  decimal.Decimal
	Total     decimal.Decimal
}

func (e OrderStatusChanged) Validate() error {
	switch {
	case e.OrderID == "":
		return fmt.Errorf("%w: orderId is required", ErrInvalidEvent)
	case e.AccountID == "":
		return fmt.Errorf("%w: accountId is required", ErrInvalidEvent)
	case e.NewStatus == "":
		return fmt.Errorf("%w: newStatus is required", ErrInvalidEvent)
	case e.Subtotal.IsNegative() || e.Total.IsNegative():
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidEvent)
	case e.AgentID != "" && e.AgentID == e.AccountID:
		return fmt.Errorf("%w: agentId equals accountId", ErrInvalidEvent)
	}
	return nil
}

// Handled reports whether the engine reacts to status at all.
func Handled(status ledger.OrderStatus) bool {
	switch status {
	case ledger.OrderPaid, ledger.OrderDelivered, ledger.OrderCompleted,
		ledger.OrderCancelled, ledger.OrderRefunded:
		return true
	}
	return false
}

func terminal(status ledger.OrderStatus) bool {
	return status == ledger.OrderCancelled || status == ledger.OrderRefunded
}

// Outcome describes what one event did.
type Outcome struct {
	OrderID   string
	Status    ledger.OrderStatus
	Ignored   bool // status the engine does not handle
	Duplicate bool // nothing new to apply

	PointsEarned       decimal.Decimal
	PointsReversed     decimal.Decimal
	CommissionEarned   decimal.Decimal
	CommissionReversed decimal.Decimal
	Tier               string

	Unlocked bool
	Flagged  bool // a reversal was clamped
}
