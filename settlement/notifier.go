package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/salonhub/ledger-engine/ledger"
)

// Notifier is told about every committed settlement.
type Notifier interface {
	Notify(ctx context.Context, s ledger.Settlement) error
}

// =============================================================================
// LOG
// =============================================================================

// LogNotifier only logs payouts. Used when no webhook is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, s ledger.Settlement) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.Info("payout due",
		zap.String("settlement_id", string(s.ID)),
		zap.String("account_id", string(s.AccountID)),
		zap.String("period", s.PeriodKey),
		zap.String("amount", s.Amount.String()))
	return nil
}

// =============================================================================
// WEBHOOK
// =============================================================================

// Payout is the JSON body posted to the payout webhook.
type Payout struct {
	SettlementID string    `json:"settlementId"`
	AccountID    string    `json:"accountId"`
	PeriodKey    string    `json:"month"`
	Amount       string    `json:"amount"`
	Orders       int       `json:"totalOrders"`
	Commissions  int       `json:"totalCommissions"`
	SettledAt    time.Time `json:"settledAt"`
}

// WebhookNotifier posts each settlement to a payout service.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{client: client, url: url}
}

func (n *WebhookNotifier) Notify(ctx context.Context, s ledger.Settlement) error {
	body := Payout{
		SettlementID: string(s.ID),
		AccountID:    string(s.AccountID),
		PeriodKey:    s.PeriodKey,
		Amount:       s.Amount.StringFixed(2),
		Orders:       s.OrderCount,
		Commissions:  s.TransactionCount,
		SettledAt:    s.SettledAt,
	}
	res, err := n.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", string(s.ID)).
		SetBody(body).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("payout webhook POST %s: %w", n.url, err)
	}
	if res.IsError() {
		return fmt.Errorf("payout webhook POST %s: unexpected HTTP %d", n.url, res.StatusCode())
	}
	return nil
}
