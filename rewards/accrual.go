/*
accrual.go - Order events to ledger entries

PURPOSE:
  Engine.Handle applies one OrderStatusChanged. The reward account, the
  agent's commission account and the order record are written in a single
  Ledger.Mutate: a failure anywhere leaves all three untouched.

IDEMPOTENCY:
  The order record remembers DeliveredAt, PointsEarned, CommissionEarned
  and Reversed. Replaying an event therefore never earns or reverses twice.

EXAMPLE (3 x 1000 subtotal at 5%, threshold 3):
  order 1 delivered: EARNED 50, LOCKED 50       locked 50,  available 0
  order 2 delivered: EARNED 50, LOCKED 50       locked 100, available 0
  order 3 delivered: EARNED 50, LOCKED 50,
                     UNLOCKED 150               locked 0,   available 150
*/
package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/salonhub/ledger-engine/ledger"
)

// maxLockSetAttempts bounds how often Handle re-reads the order when its
// agent changes between the read and the lock.
const maxLockSetAttempts = 3

// Engine is the accrual engine. Safe for concurrent use.
type Engine struct {
	ledger  *ledger.Ledger
	program Program
	gate    Gate
	logger  *zap.Logger
}

func NewEngine(l *ledger.Ledger, program Program, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		ledger:  l,
		program: program,
		gate:    Gate{Threshold: program.UnlockThreshold},
		logger:  logger,
	}
}

func (e *Engine) Program() Program { return e.program }

// Handle applies ev. Unknown statuses are accepted and ignored.
func (e *Engine) Handle(ctx context.Context, ev OrderStatusChanged) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}
	if !Handled(ev.NewStatus) {
		e.logger.Debug("order status ignored",
			zap.String("order_id", ev.OrderID), zap.String("status", string(ev.NewStatus)))
		return Outcome{OrderID: ev.OrderID, Status: ev.NewStatus, Ignored: true}, nil
	}

	var (
		out Outcome
		err error
	)
	for attempt := 1; ; attempt++ {
		var ids []ledger.AccountID
		ids, err = e.lockSet(ctx, ev)
		if err != nil {
			break
		}
		err = e.ledger.Mutate(ctx, ids, func(s *ledger.Session) error {
			var err error
			out, err = e.apply(s, ev)
			return err
		})
		// A concurrent event attached an agent after lockSet read the order.
		if errors.Is(err, ledger.ErrAccountNotLocked) && attempt < maxLockSetAttempts {
			e.logger.Debug("order agent changed, widening lock set",
				zap.String("order_id", ev.OrderID), zap.Int("attempt", attempt))
			continue
		}
		break
	}
	if err != nil {
		e.logger.Warn("order event rejected",
			zap.String("order_id", ev.OrderID),
			zap.String("account_id", string(ev.AccountID)),
			zap.String("status", string(ev.NewStatus)),
			zap.Error(err))
		return Outcome{}, err
	}

	e.logger.Info("order event applied",
		zap.String("order_id", ev.OrderID),
		zap.String("account_id", string(ev.AccountID)),
		zap.String("status", string(ev.NewStatus)),
		zap.String("points_earned", out.PointsEarned.String()),
		zap.String("points_reversed", out.PointsReversed.String()),
		zap.String("commission_earned", out.CommissionEarned.String()),
		zap.Bool("unlocked", out.Unlocked),
		zap.Bool("flagged", out.Flagged),
		zap.Bool("duplicate", out.Duplicate))
	return out, nil
}

// lockSet is the reward account, the event's agent and the agent already
// stored on the order. The stored order may name an agent the event does not
// repeat.
func (e *Engine) lockSet(ctx context.Context, ev OrderStatusChanged) ([]ledger.AccountID, error) {
	ids := []ledger.AccountID{ev.AccountID, ev.AgentID}
	prev, err := e.ledger.Store().GetOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		ids = append(ids, prev.AgentID)
	}
	return ids, nil
}

// apply runs inside Mutate and may be retried; it must only write through s.
func (e *Engine) apply(s *ledger.Session, ev OrderStatusChanged) (Outcome, error) {
	ctx := s.Context()
	st := s.Store()
	out := Outcome{
		OrderID:            ev.OrderID,
		Status:             ev.NewStatus,
		PointsEarned:       decimal.Zero,
		PointsReversed:     decimal.Zero,
		CommissionEarned:   decimal.Zero,
		CommissionReversed: decimal.Zero,
	}

	acct, err := s.Account(ev.AccountID)
	if err != nil {
		return out, err
	}
	if acct.Kind != ledger.KindReward {
		return out, fmt.Errorf("%w: account %s is not a reward account", ErrInvalidEvent, ev.AccountID)
	}

	prev, err := st.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return out, err
	}
	var order ledger.Order
	if prev != nil {
		if prev.AccountID != ev.AccountID {
			return out, fmt.Errorf("%w: order %s belongs to %s", ErrInvalidEvent, ev.OrderID, prev.AccountID)
		}
		if terminal(prev.Status) {
			if terminal(ev.NewStatus) {
				out.Duplicate = true
				return out, nil
			}
			return out, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, ev.NewStatus)
		}
		order = *prev
	} else {
		order = ledger.Order{
			OrderID:          ev.OrderID,
			AccountID:        ev.AccountID,
			PointsEarned:     decimal.Zero,
			CommissionEarned: decimal.Zero,
		}
	}

	// Amounts are frozen once the order has earned.
	if !order.Delivered() {
		order.Subtotal = ev.Subtotal
		order.Total = ev.Total
		if ev.AgentID != "" {
			order.AgentID = ev.AgentID
		}
	}

	switch ev.NewStatus {
	case ledger.OrderPaid:
		if order.Delivered() {
			out.Duplicate = true
			return out, nil
		}
		order.Status = ev.NewStatus

	case ledger.OrderDelivered, ledger.OrderCompleted:
		if order.Delivered() {
			out.Duplicate = true
		} else if err := e.deliver(s, &order, &out); err != nil {
			return out, err
		}
		order.Status = ev.NewStatus

	case ledger.OrderCancelled, ledger.OrderRefunded:
		order.Status = ev.NewStatus
		if order.Delivered() && !order.Reversed {
			if err := e.reverse(s, &order, &out); err != nil {
				return out, err
			}
		}
	}

	order.UpdatedAt = s.Now()
	return out, st.SaveOrder(ctx, order)
}

// =============================================================================
// DELIVERY
// =============================================================================

func (e *Engine) deliver(s *ledger.Session, order *ledger.Order, out *Outcome) error {
	now := s.Now()
	order.DeliveredAt = &now

	acct, err := s.Account(order.AccountID)
	if err != nil {
		return err
	}

	points := e.program.Points(order.Subtotal)
	if points.IsPositive() {
		in := ledger.AppendInput{
			Type:    ledger.TxEarned,
			Amount:  points,
			OrderID: order.OrderID,
			Reason:  "order delivered",
		}
		if e.program.PointsTTL > 0 {
			exp := now.Add(e.program.PointsTTL)
			in.ExpiresAt = &exp
		}
		if _, err := s.Append(order.AccountID, in); err != nil {
			return err
		}
		if !acct.Unlocked {
			if _, err := s.Append(order.AccountID, ledger.AppendInput{
				Type:    ledger.TxLocked,
				Amount:  points,
				OrderID: order.OrderID,
				Reason:  "held until wallet unlock",
			}); err != nil {
				return err
			}
		}
	}
	order.PointsEarned = points
	out.PointsEarned = points

	if err := s.Update(order.AccountID, func(a *ledger.Account) { a.DeliveredOrders++ }); err != nil {
		return err
	}

	acct, err = s.Account(order.AccountID)
	if err != nil {
		return err
	}
	if dec := e.gate.Evaluate(acct); dec.Unlock {
		if _, err := s.Append(order.AccountID, ledger.AppendInput{
			Type:   ledger.TxUnlocked,
			Amount: dec.Amount,
			Reason: fmt.Sprintf("unlocked after %d delivered orders", acct.DeliveredOrders),
		}); err != nil {
			return err
		}
		out.Unlocked = true
	}

	if order.AgentID != "" {
		return e.earnCommission(s, order, out)
	}
	return nil
}

func (e *Engine) earnCommission(s *ledger.Session, order *ledger.Order, out *Outcome) error {
	ctx := s.Context()
	st := s.Store()

	agent, err := s.Account(order.AgentID)
	if err != nil {
		return err
	}
	if agent.Kind != ledger.KindCommission {
		return fmt.Errorf("%w: account %s is not a commission account", ErrInvalidEvent, order.AgentID)
	}

	// This order is not saved yet, so it is added on top of the window.
	sales, err := st.AgentSales(ctx, order.AgentID, s.Now().Add(-e.program.RollingWindow))
	if err != nil {
		return err
	}
	sales = sales.Add(order.Total)

	tiers, err := st.ListTiers(ctx)
	if err != nil {
		return err
	}
	tier, ok := SelectTier(tiers, sales)
	if !ok {
		e.logger.Warn("no commission tier matches agent sales",
			zap.String("agent_id", string(order.AgentID)), zap.String("sales", sales.String()))
		return nil
	}

	amount := Commission(order.Total, tier.Rate)
	if !amount.IsPositive() {
		return nil
	}
	if _, err := s.Append(order.AgentID, ledger.AppendInput{
		Type:    ledger.TxEarned,
		Amount:  amount,
		OrderID: order.OrderID,
		Reason:  fmt.Sprintf("commission %s tier at %s", tier.Name, tier.Rate),
	}); err != nil {
		return err
	}
	order.CommissionEarned = amount
	out.CommissionEarned = amount
	out.Tier = tier.Name
	return nil
}

// =============================================================================
// REVERSAL
// =============================================================================

func (e *Engine) reverse(s *ledger.Session, order *ledger.Order, out *Outcome) error {
	if order.PointsEarned.IsPositive() {
		taken, err := e.clawback(s, order.AccountID, order, order.PointsEarned, out)
		if err != nil {
			return err
		}
		out.PointsReversed = taken
	}
	if order.AgentID != "" && order.CommissionEarned.IsPositive() {
		taken, err := e.clawback(s, order.AgentID, order, order.CommissionEarned, out)
		if err != nil {
			return err
		}
		out.CommissionReversed = taken
	}
	order.Reversed = true
	return nil
}

// clawback appends a REDEEMED of at most what the account still holds in the
// bucket the points live in. The rest is flagged for manual reconciliation.
func (e *Engine) clawback(s *ledger.Session, id ledger.AccountID, order *ledger.Order, amount decimal.Decimal, out *Outcome) (decimal.Decimal, error) {
	acct, err := s.Account(id)
	if err != nil {
		return decimal.Zero, err
	}

	bucket, balance := ledger.BucketAvailable, acct.Available
	if !acct.Unlocked {
		bucket, balance = ledger.BucketLocked, acct.Locked
	}
	taken := decimal.Min(amount, balance)

	if taken.IsPositive() {
		if _, err := s.Append(id, ledger.AppendInput{
			Type:    ledger.TxRedeemed,
			Amount:  taken,
			Bucket:  bucket,
			OrderID: order.OrderID,
			Reason:  fmt.Sprintf("order %s reversal", order.Status),
		}); err != nil {
			return decimal.Zero, err
		}
	}

	shortfall := amount.Sub(taken)
	if !shortfall.IsPositive() {
		return taken, nil
	}

	if err := s.Update(id, func(a *ledger.Account) { a.NeedsReview = true }); err != nil {
		return decimal.Zero, err
	}
	flag := ledger.ReviewFlag{
		ID:        uuid.NewString(),
		AccountID: id,
		OrderID:   order.OrderID,
		Shortfall: shortfall,
		Reason:    fmt.Sprintf("reversal clamped: %s already spent or expired", shortfall),
		CreatedAt: s.Now(),
	}
	if err := s.Store().SaveReviewFlag(s.Context(), flag); err != nil {
		return decimal.Zero, err
	}
	out.Flagged = true
	e.logger.Warn("reversal clamped, account flagged for review",
		zap.String("account_id", string(id)),
		zap.String("order_id", order.OrderID),
		zap.String("requested", amount.String()),
		zap.String("reversed", taken.String()),
		zap.String("shortfall", shortfall.String()))
	return taken, nil
}

// IsClientError reports errors caused by the event itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrInvalidTransition)
}
