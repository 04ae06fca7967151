/*
Package ledger provides the rewards and commission ledger core.

PURPOSE:
  Every point a salon owner earns and every rupee of commission an agent
  earns is recorded here as an immutable transaction. The account row is a
  cached projection of that log: it can always be rebuilt by replaying the
  transactions in sequence order.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: balance snapshot (available / locked / lifetime) per earner
  - Transaction: an immutable ledger entry (EARNED, LOCKED, UNLOCKED, ...)
  - Settlement: one payout record per (account, month)
  - CommissionTier: rate table read at accrual time
  - Order: ingestion state per order (makes order events idempotent)

DESIGN PRINCIPLES:
  1. Immutability: transactions are never edited; the only stamp is SettlementID
  2. Precision: amounts are decimal.Decimal, never float64
  3. Sign by type: Amount is always >= 0, the type decides the direction
  4. Replayability: snapshot == Fold(log), checked by Reconcile

SEE ALSO:
  - replay.go: Fold/Apply rules and FIFO lots
  - ledger.go: the Ledger service (serialized, atomic appends)
  - store.go: persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type SettlementID string

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountKind string

const (
	KindReward     AccountKind = "REWARD"     // salon owner wallet
	KindCommission AccountKind = "COMMISSION" // agent commission ledger
)

func (k AccountKind) Valid() bool {
	return k == KindReward || k == KindCommission
}

// Account is the snapshot of an earner's balances.
// Available + Locked never exceeds LifetimeEarned - LifetimeExpired.
type Account struct {
	ID              AccountID
	Kind            AccountKind
	Available       decimal.Decimal
	Locked          decimal.Decimal
	LifetimeEarned  decimal.Decimal
	LifetimeExpired decimal.Decimal

	// DeliveredOrders is only maintained for reward accounts.
	DeliveredOrders int

	// Unlocked is a one-way flag. Commission accounts are opened unlocked.
	Unlocked bool

	// NeedsReview is raised when a reversal had to be clamped.
	NeedsReview bool

	LastSettlementAt *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Balance returns available plus locked.
func (a Account) Balance() decimal.Decimal { return a.Available.Add(a.Locked) }

// AccountFilter narrows ListAccounts. Results are ordered by ID.
type AccountFilter struct {
	Kinds   []AccountKind
	AfterID AccountID // exclusive cursor
	Limit   int       // 0 = no limit
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TxType string

const (
	TxEarned   TxType = "EARNED"   // points or commission credited
	TxLocked   TxType = "LOCKED"   // moves value from available to locked
	TxUnlocked TxType = "UNLOCKED" // moves the locked sum back to available
	TxRedeemed TxType = "REDEEMED" // spend or cancellation reversal
	TxExpired  TxType = "EXPIRED"  // remainder of one lot past its horizon
	TxSettled  TxType = "SETTLED"  // available balance paid out
)

func (t TxType) Valid() bool {
	switch t {
	case TxEarned, TxLocked, TxUnlocked, TxRedeemed, TxExpired, TxSettled:
		return true
	}
	return false
}

// Bucket names the balance a debit draws from.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID        TransactionID
	AccountID AccountID
	Seq       int64 // dense per account, starts at 1
	Type      TxType
	Amount    decimal.Decimal
	Bucket    Bucket
	OrderID   string
	LotID     TransactionID // EXPIRED only: the EARNED lot being expired
	Reason    string
	CreatedAt time.Time
	ExpiresAt *time.Time // EARNED only

	// SettlementID is the only field ever written after creation.
	SettlementID SettlementID
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Settlement is unique per (AccountID, PeriodKey).
type Settlement struct {
	ID               SettlementID
	AccountID        AccountID
	PeriodKey        string // "2024-06"
	Amount           decimal.Decimal
	TransactionCount int
	OrderCount       int
	SettledAt        time.Time
}

// =============================================================================
// COMMISSION TIER
// =============================================================================

type CommissionTier struct {
	ID       string
	Name     string
	MinSales decimal.Decimal
	Rate     decimal.Decimal // 0.05 = 5%
}

// =============================================================================
// ORDERS
// =============================================================================

type OrderStatus string

const (
	OrderPaid      OrderStatus = "PAID"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// Order is what the engine remembers about an order it has seen.
type Order struct {
	OrderID          string
	AccountID        AccountID
	AgentID          AccountID
	Status           OrderStatus
	Subtotal         decimal.Decimal
	Total            decimal.Decimal
	PointsEarned     decimal.Decimal
	CommissionEarned decimal.Decimal
	DeliveredAt      *time.Time
	Reversed         bool
	UpdatedAt        time.Time
}

func (o Order) Delivered() bool { return o.DeliveredAt != nil }

// =============================================================================
// REVIEW FLAGS
// =============================================================================

// ReviewFlag records a reversal the engine could not fully apply.
type ReviewFlag struct {
	ID        string
	AccountID AccountID
	OrderID   string
	Shortfall decimal.Decimal
	Reason    string
	CreatedAt time.Time
}
