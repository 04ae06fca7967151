package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/expiry"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/metrics"
	"github.com/salonhub/ledger-engine/settlement"
)

func TestMetrics_CountsAndServes(t *testing.T) {
	m := metrics.New()

	m.ObserveTransaction(ledger.Transaction{Type: ledger.TxEarned, Amount: decimal.NewFromInt(50)})
	m.ObserveTransaction(ledger.Transaction{Type: ledger.TxEarned, Amount: decimal.NewFromInt(25)})
	m.ObserveEvent("DELIVERED", "applied")
	m.ObserveSweep(expiry.Report{LotsExpired: 2, PointsExpired: decimal.NewFromInt(30)})
	m.ObserveSettlement(settlement.Report{PeriodKey: "2024-06", SettledCount: 3, TotalAmount: decimal.NewFromInt(120)})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "ledger_transactions_total" {
			assert.Len(t, mf.GetMetric(), 1, "one series per type")
		}
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `ledger_transactions_total{type="EARNED"} 2`)
	assert.Contains(t, text, `ledger_transaction_amount_total{type="EARNED"} 75`)
	assert.Contains(t, text, `ledger_order_events_total{result="applied",status="DELIVERED"} 1`)
	assert.Contains(t, text, "ledger_expiry_lots_total 2")
	assert.Contains(t, text, `ledger_settlement_runs_total{period="2024-06"} 1`)
	assert.Contains(t, text, "ledger_settlement_amount_total 120")
}
