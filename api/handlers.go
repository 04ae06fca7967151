/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the ledger, the accrual engine, the sweeper and the settlement
  batcher over REST. Handlers parse the request, call exactly one domain
  operation and serialize the result.

ENDPOINTS:
  Events:
    POST   /api/events/order-status            Order status ingestion

  Accounts:
    POST   /api/accounts                       Open account
    GET    /api/accounts/{id}                  Account snapshot
    GET    /api/accounts/{id}/wallet           Wallet view
    GET    /api/accounts/{id}/transactions     Transactions page
    POST   /api/accounts/{id}/redeem           Checkout spend

  Admin:
    GET    /api/admin/commission-tiers         List tiers
    PUT    /api/admin/commission-tiers         Replace tiers
    POST   /api/admin/settlements              Run a settlement batch
    GET    /api/admin/settlements?period=      Settlement ledger
    POST   /api/admin/expiry/sweep             Run the expiry sweep
    POST   /api/admin/accounts/{id}/reconcile  Rebuild snapshot from log
    GET    /api/admin/review-flags             Clamped reversals

ERROR HANDLING:
  Errors are returned as JSON {error, details}:
  - 400: invalid input (bad event, amount, period, tiers)
  - 404: unknown account
  - 409: invalid transition, insufficient balance, conflicts
  - 500: internal errors

SECURITY NOTE:
  No authentication middleware. The service is meant to sit behind the
  marketplace gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/salonhub/ledger-engine/expiry"
	"github.com/salonhub/ledger-engine/factory"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/metrics"
	"github.com/salonhub/ledger-engine/rewards"
	"github.com/salonhub/ledger-engine/settlement"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *ledger.Ledger
	Engine  *rewards.Engine
	Sweeper *expiry.Sweeper
	Batcher *settlement.Batcher
	Tiers   *factory.TierFactory
	Metrics *metrics.Metrics // optional
	Logger  *zap.Logger

	// ExpiringWindow is how far ahead the wallet lists expiring lots.
	ExpiringWindow time.Duration
}

func NewHandler(l *ledger.Ledger, engine *rewards.Engine, sweeper *expiry.Sweeper, batcher *settlement.Batcher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Ledger:         l,
		Engine:         engine,
		Sweeper:        sweeper,
		Batcher:        batcher,
		Tiers:          factory.NewTierFactory(),
		Logger:         logger,
		ExpiringWindow: 30 * 24 * time.Hour,
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// HandleOrderStatus applies one order event.
// POST /api/events/order-status
func (h *Handler) HandleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req OrderStatusChangedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out, err := h.Engine.Handle(r.Context(), req.toEvent())
	h.observeEvent(req.NewStatus, out, err)
	if err != nil {
		h.writeDomainError(w, "Order event rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out))
}

func (h *Handler) observeEvent(status string, out rewards.Outcome, err error) {
	if h.Metrics == nil {
		return
	}
	result := "applied"
	switch {
	case err != nil && (rewards.IsClientError(err) || ledger.IsNotFound(err)):
		result = "rejected"
	case err != nil:
		result = "error"
	case out.Ignored:
		result = "ignored"
	case out.Duplicate:
		result = "duplicate"
	}
	h.Metrics.ObserveEvent(status, result)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates an empty wallet or commission ledger.
// POST /api/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	kind := ledger.AccountKind(strings.ToUpper(req.Kind))
	acct, err := h.Ledger.OpenAccount(r.Context(), ledger.AccountID(req.ID), kind)
	if err != nil {
		h.writeDomainError(w, "Failed to open account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount returns the full snapshot.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Snapshot(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetWallet returns the storefront wallet view.
// GET /api/accounts/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)

	acct, err := h.Ledger.Snapshot(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to get wallet", err)
		return
	}
	expiring, err := h.expiringSoon(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to get wallet", err)
		return
	}

	writeJSON(w, http.StatusOK, WalletDTO{
		Balance:         acct.Available,
		LockedBalance:   acct.Locked,
		IsUnlocked:      acct.Unlocked,
		DeliveredOrders: acct.DeliveredOrders,
		UnlockThreshold: h.Engine.Program().UnlockThreshold,
		LifetimeEarned:  acct.LifetimeEarned,
		ExpiringSoon:    expiring,
	})
}

func (h *Handler) expiringSoon(ctx context.Context, id ledger.AccountID) ([]ExpiringLotDTO, error) {
	txs, err := h.Ledger.Store().Transactions(ctx, id)
	if err != nil {
		return nil, err
	}
	lots, err := ledger.Lots(txs)
	if err != nil {
		return nil, err
	}

	horizon := h.Ledger.Now().Add(h.ExpiringWindow)
	out := []ExpiringLotDTO{}
	for _, lot := range lots {
		if !lot.Live() || lot.ExpiresAt == nil || lot.ExpiresAt.After(horizon) {
			continue
		}
		out = append(out, ExpiringLotDTO{PointsRemaining: lot.Remaining, ExpiresAt: *lot.ExpiresAt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// GetTransactions returns one page of the log, newest first.
// GET /api/accounts/{id}/transactions?page=1&limit=20
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)

	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if page > math.MaxInt/limit {
		writeError(w, http.StatusBadRequest, "Invalid page", fmt.Errorf("page %d is out of range", page))
		return
	}

	if _, err := h.Ledger.Snapshot(ctx, id); err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}
	txs, total, err := h.Ledger.Store().TransactionsPage(ctx, id, (page-1)*limit, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}

	resp := TransactionsResponse{
		Transactions: make([]TransactionDTO, 0, len(txs)),
		Page:         page,
		Limit:        limit,
		Total:        total,
	}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Redeem spends available points at checkout.
// POST /api/accounts/{id}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tx, err := h.Ledger.Redeem(r.Context(), accountParam(r), req.Amount, req.OrderID)
	if err != nil {
		h.writeDomainError(w, "Redemption failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// COMMISSION TIERS
// =============================================================================

// ListTiers returns tiers ordered by minimum sales.
// GET /api/admin/commission-tiers
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Ledger.Store().ListTiers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tiers", err)
		return
	}
	out := make([]TierDTO, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, toTierDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// ReplaceTiers swaps the whole tier set. Already earned commission is
// never recalculated.
// PUT /api/admin/commission-tiers
func (h *Handler) ReplaceTiers(w http.ResponseWriter, r *http.Request) {
	var req []TierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	doc := factory.TiersYAML{Tiers: make([]factory.TierYAML, 0, len(req))}
	for i, t := range req {
		if t.CommissionRate == nil {
			h.writeDomainError(w, "Invalid commission tiers",
				fmt.Errorf("%w: tier %d commissionRate is required", factory.ErrInvalidTiers, i))
			return
		}
		ty := factory.TierYAML{ID: t.ID, Name: t.Name, Rate: t.CommissionRate.String()}
		if t.MinSales != nil {
			ty.MinSales = t.MinSales.String()
		}
		doc.Tiers = append(doc.Tiers, ty)
	}
	tiers, err := h.Tiers.FromYAML(doc)
	if err != nil {
		h.writeDomainError(w, "Invalid commission tiers", err)
		return
	}
	if err := h.Ledger.Store().ReplaceTiers(r.Context(), tiers); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save tiers", err)
		return
	}
	h.Logger.Info("commission tiers replaced", zap.Int("count", len(tiers)))

	out := make([]TierDTO, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, toTierDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// TriggerSettlement runs the batch for one period. Safe to repeat.
// POST /api/admin/settlements
func (h *Handler) TriggerSettlement(w http.ResponseWriter, r *http.Request) {
	var req TriggerSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	report, err := h.Batcher.Trigger(r.Context(), req.PeriodKey)
	if err != nil {
		h.writeDomainError(w, "Settlement failed", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.ObserveSettlement(report)
	}
	writeJSON(w, http.StatusOK, toSettlementReportDTO(report))
}

// ListSettlements returns the settlement ledger, optionally for one month.
// GET /api/admin/settlements?period=2024-06
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period != "" {
		if err := settlement.ValidatePeriod(period); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
	}
	rows, err := h.Ledger.Store().ListSettlements(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list settlements", err)
		return
	}
	out := make([]SettlementDTO, 0, len(rows))
	for _, s := range rows {
		out = append(out, toSettlementDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN
// =============================================================================

// TriggerSweep runs the expiry sweep now.
// POST /api/admin/expiry/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sweeper.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Expiry sweep failed", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.ObserveSweep(report)
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// Reconcile rebuilds an account snapshot from its log.
// POST /api/admin/accounts/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Reconcile(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, "Reconcile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// ListReviewFlags lists reversals that need manual reconciliation.
// GET /api/admin/review-flags
func (h *Handler) ListReviewFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.Ledger.Store().ListReviewFlags(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list review flags", err)
		return
	}
	out := make([]ReviewFlagDTO, 0, len(flags))
	for _, f := range flags {
		out = append(out, ReviewFlagDTO{
			ID:        f.ID,
			AccountID: string(f.AccountID),
			OrderID:   f.OrderID,
			Shortfall: f.Shortfall,
			Reason:    f.Reason,
			CreatedAt: f.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports database reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Ledger.Store().(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rewards.ErrInvalidEvent),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, settlement.ErrInvalidPeriod),
		errors.Is(err, factory.ErrInvalidTiers):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, rewards.ErrInvalidTransition),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrDuplicateSettlement):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
