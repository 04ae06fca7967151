/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the REST boundary. Field names follow the storefront and
  admin clients (camelCase, "month" for a period key). Amounts are decimals
  and serialize as JSON strings.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients
  - *Response: wrappers with paging

VALIDATION:
  Done in handlers and the domain packages, not here.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/expiry"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/rewards"
	"github.com/salonhub/ledger-engine/settlement"
)

// =============================================================================
// EVENTS
// =============================================================================

// OrderStatusChangedRequest is POST /api/events/order-status.
type OrderStatusChangedRequest struct {
	OrderID   string          `json:"orderId"`
	AccountID string          `json:"accountId"`
	AgentID   string          `json:"agentId,omitempty"`
	NewStatus string          `json:"newStatus"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Total     decimal.Decimal `json:"total"`
}

func (r OrderStatusChangedRequest) toEvent() rewards.OrderStatusChanged {
	return rewards.OrderStatusChanged{
		OrderID:   r.OrderID,
		AccountID: ledger.AccountID(r.AccountID),
		AgentID:   ledger.AccountID(r.AgentID),
		NewStatus: ledger.OrderStatus(r.NewStatus),
		Subtotal:  r.Subtotal,
		Total:     r.Total,
	}
}

type OutcomeDTO struct {
	OrderID            string          `json:"orderId"`
	Status             string          `json:"status"`
	Ignored            bool            `json:"ignored"`
	Duplicate          bool            `json:"duplicate"`
	PointsEarned       decimal.Decimal `json:"pointsEarned"`
	PointsReversed     decimal.Decimal `json:"pointsReversed"`
	CommissionEarned   decimal.Decimal `json:"commissionEarned"`
	CommissionReversed decimal.Decimal `json:"commissionReversed"`
	Tier               string          `json:"tier,omitempty"`
	Unlocked           bool            `json:"unlocked"`
	Flagged            bool            `json:"flaggedForReview"`
}

func toOutcomeDTO(o rewards.Outcome) OutcomeDTO {
	return OutcomeDTO{
		OrderID:            o.OrderID,
		Status:             string(o.Status),
		Ignored:            o.Ignored,
		Duplicate:          o.Duplicate,
		PointsEarned:       o.PointsEarned,
		PointsReversed:     o.PointsReversed,
		CommissionEarned:   o.CommissionEarned,
		CommissionReversed: o.CommissionReversed,
		Tier:               o.Tier,
		Unlocked:           o.Unlocked,
		Flagged:            o.Flagged,
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type OpenAccountRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // REWARD | COMMISSION
}

type AccountDTO struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	Available        decimal.Decimal `json:"balance"`
	Locked           decimal.Decimal `json:"lockedBalance"`
	LifetimeEarned   decimal.Decimal `json:"lifetimeEarned"`
	LifetimeExpired  decimal.Decimal `json:"lifetimeExpired"`
	DeliveredOrders  int             `json:"deliveredOrdersCount"`
	Unlocked         bool            `json:"isUnlocked"`
	NeedsReview      bool            `json:"needsReview"`
	LastSettlementAt *time.Time      `json:"lastSettlementAt,omitempty"`
	Version          int64           `json:"version"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:               string(a.ID),
		Kind:             string(a.Kind),
		Available:        a.Available,
		Locked:           a.Locked,
		LifetimeEarned:   a.LifetimeEarned,
		LifetimeExpired:  a.LifetimeExpired,
		DeliveredOrders:  a.DeliveredOrders,
		Unlocked:         a.Unlocked,
		NeedsReview:      a.NeedsReview,
		LastSettlementAt: a.LastSettlementAt,
		Version:          a.Version,
	}
}

// WalletDTO is GET /api/accounts/{id}/wallet.
type WalletDTO struct {
	Balance         decimal.Decimal  `json:"balance"`
	LockedBalance   decimal.Decimal  `json:"lockedBalance"`
	IsUnlocked      bool             `json:"isUnlocked"`
	DeliveredOrders int              `json:"deliveredOrdersCount"`
	UnlockThreshold int              `json:"unlockThreshold"`
	LifetimeEarned  decimal.Decimal  `json:"lifetimeEarned"`
	ExpiringSoon    []ExpiringLotDTO `json:"expiringSoon"`
}

type ExpiringLotDTO struct {
	PointsRemaining decimal.Decimal `json:"pointsRemaining"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

type RedeemRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	OrderID string          `json:"orderId"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	OrderID   string          `json:"orderId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:        string(tx.ID),
		Type:      string(tx.Type),
		Amount:    tx.Amount,
		OrderID:   tx.OrderID,
		Reason:    tx.Reason,
		CreatedAt: tx.CreatedAt,
		ExpiresAt: tx.ExpiresAt,
	}
}

type TransactionsResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Page         int              `json:"page"`
	Limit        int              `json:"limit"`
	Total        int              `json:"total"`
}

// =============================================================================
// COMMISSION TIERS
// =============================================================================

type TierDTO struct {
	ID             string          `json:"id,omitempty"`
	Name           string          `json:"name"`
	MinSales       decimal.Decimal `json:"minSales"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
}

// TierRequest is one tier of a replace request. Pointers tell a missing
// field from an explicit zero.
type TierRequest struct {
	ID             string           `json:"id,omitempty"`
	Name           string           `json:"name"`
	MinSales       *decimal.Decimal `json:"minSales"`
	CommissionRate *decimal.Decimal `json:"commissionRate"`
}

func toTierDTO(t ledger.CommissionTier) TierDTO {
	return TierDTO{ID: t.ID, Name: t.Name, MinSales: t.MinSales, CommissionRate: t.Rate}
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// TriggerSettlementRequest is POST /api/admin/settlements.
type TriggerSettlementRequest struct {
	PeriodKey string `json:"periodKey"`
}

type SettlementReportDTO struct {
	PeriodKey        string          `json:"periodKey"`
	SettledCount     int             `json:"settledCount"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	SkippedCount     int             `json:"skippedCount"`
	IneligibleCount  int             `json:"ineligibleCount"`
	FailedAccountIDs []string        `json:"failedAccountIds"`
	Interrupted      bool            `json:"interrupted"`
}

func toSettlementReportDTO(r settlement.Report) SettlementReportDTO {
	return SettlementReportDTO{
		PeriodKey:        r.PeriodKey,
		SettledCount:     r.SettledCount,
		TotalAmount:      r.TotalAmount,
		SkippedCount:     r.SkippedCount,
		IneligibleCount:  r.IneligibleCount,
		FailedAccountIDs: idStrings(r.FailedAccountIDs),
		Interrupted:      r.Interrupted,
	}
}

// SettlementDTO is one row of the settlement ledger.
type SettlementDTO struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agentId"`
	Amount           decimal.Decimal `json:"amount"`
	Month            string          `json:"month"`
	SettledAt        time.Time       `json:"settledAt"`
	TotalOrders      int             `json:"totalOrders"`
	TotalCommissions int             `json:"totalCommissions"`
}

func toSettlementDTO(s ledger.Settlement) SettlementDTO {
	return SettlementDTO{
		ID:               string(s.ID),
		AgentID:          string(s.AccountID),
		Amount:           s.Amount,
		Month:            s.PeriodKey,
		SettledAt:        s.SettledAt,
		TotalOrders:      s.OrderCount,
		TotalCommissions: s.TransactionCount,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type SweepReportDTO struct {
	StartedAt        time.Time       `json:"startedAt"`
	AccountsScanned  int             `json:"accountsScanned"`
	LotsExpired      int             `json:"lotsExpired"`
	PointsExpired    decimal.Decimal `json:"pointsExpired"`
	FailedAccountIDs []string        `json:"failedAccountIds"`
	Interrupted      bool            `json:"interrupted"`
	ResumedAfter     string          `json:"resumedAfter,omitempty"`
}

func toSweepReportDTO(r expiry.Report) SweepReportDTO {
	return SweepReportDTO{
		StartedAt:        r.StartedAt,
		AccountsScanned:  r.AccountsScanned,
		LotsExpired:      r.LotsExpired,
		PointsExpired:    r.PointsExpired,
		FailedAccountIDs: idStrings(r.FailedAccountIDs),
		Interrupted:      r.Interrupted,
		ResumedAfter:     string(r.ResumedAfter),
	}
}

type ReviewFlagDTO struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	OrderID   string          `json:"orderId"`
	Shortfall decimal.Decimal `json:"shortfall"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func idStrings(ids []ledger.AccountID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
