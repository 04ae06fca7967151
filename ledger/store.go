/*
store.go - Persistence interfaces for the ledger core

PURPOSE:
  Defines the boundary between the ledger logic and the database. The
  transactions table is append-only: the only UPDATE ever issued against it
  is the settlement stamp.

KEY INTERFACES:
  AccountStore:     account snapshots with optimistic versioning
  TransactionStore: append-only log + settlement stamp
  SettlementStore:  unique (account, period) payout rows
  OrderStore:       order ingestion state, agent rolling sales
  TierStore:        commission tiers
  ReviewStore:      manual reconciliation flags
  CheckpointStore:  resumable background jobs
  Store:            all of the above + WithTx

IMPLEMENTATIONS:
  - store/sqlite: SQLite (default) and PostgreSQL
  - ledger/store: in-memory for tests
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type AccountStore interface {
	// CreateAccount fails with ErrAccountExists on a duplicate ID.
	CreateAccount(ctx context.Context, acct Account) error

	// GetAccount fails with ErrUnknownAccount when absent.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// UpdateAccount writes acct only if the stored version equals
	// expectedVersion, otherwise ErrConcurrentModification.
	UpdateAccount(ctx context.Context, acct Account, expectedVersion int64) error

	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)
}

type TransactionStore interface {
	// AppendTransactions persists txs. A (account, seq) collision is
	// reported as ErrConcurrentModification.
	AppendTransactions(ctx context.Context, txs []Transaction) error

	// Transactions returns the full log of an account in Seq order.
	Transactions(ctx context.Context, id AccountID) ([]Transaction, error)

	// TransactionsPage returns newest first, plus the total count.
	TransactionsPage(ctx context.Context, id AccountID, offset, limit int) ([]Transaction, int, error)

	// StampSettlement sets SettlementID on txIDs that are not stamped yet.
	StampSettlement(ctx context.Context, id AccountID, settlementID SettlementID, txIDs []TransactionID) error
}

type SettlementStore interface {
	// InsertSettlement fails with ErrDuplicateSettlement when the
	// (account, period) pair already exists.
	InsertSettlement(ctx context.Context, s Settlement) error

	// GetSettlement returns nil, nil when none exists.
	GetSettlement(ctx context.Context, id AccountID, periodKey string) (*Settlement, error)

	// ListSettlements lists a period, or everything when periodKey is empty.
	ListSettlements(ctx context.Context, periodKey string) ([]Settlement, error)
}

type OrderStore interface {
	// GetOrder returns nil, nil when the order has not been seen.
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	SaveOrder(ctx context.Context, o Order) error
	CountDeliveredOrders(ctx context.Context, id AccountID) (int, error)

	// AgentSales sums Total of orders delivered for agentID at or after since.
	AgentSales(ctx context.Context, agentID AccountID, since time.Time) (decimal.Decimal, error)
}

type TierStore interface {
	// ListTiers returns tiers ordered by MinSales ascending.
	ListTiers(ctx context.Context) ([]CommissionTier, error)
	ReplaceTiers(ctx context.Context, tiers []CommissionTier) error
}

type ReviewStore interface {
	SaveReviewFlag(ctx context.Context, f ReviewFlag) error
	ListReviewFlags(ctx context.Context) ([]ReviewFlag, error)
}

type CheckpointStore interface {
	// GetCheckpoint returns "" when no checkpoint is stored.
	GetCheckpoint(ctx context.Context, job string) (string, error)
	SaveCheckpoint(ctx context.Context, job, cursor string) error
}

// Store is the full persistence surface.
type Store interface {
	AccountStore
	TransactionStore
	SettlementStore
	OrderStore
	TierStore
	ReviewStore
	CheckpointStore

	// WithTx executes fn within a transaction.
	// If fn returns error, everything fn wrote is rolled back.
	// Calling WithTx on the Store handed to fn runs inline.
	WithTx(ctx context.Context, fn func(Store) error) error
}
