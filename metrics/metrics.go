/*
Package metrics exposes ledger counters to Prometheus.

  ledger_transactions_total{type}         committed entries (append hook)
  ledger_transaction_amount_total{type}   summed amounts per type
  ledger_order_events_total{status,result} accrual engine results
  ledger_expiry_*                         sweeper runs
  ledger_settlement_*                     settlement batches

Each Metrics owns its registry so tests can build as many as they like.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/salonhub/ledger-engine/expiry"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/settlement"
)

const namespace = "ledger"

type Metrics struct {
	registry *prometheus.Registry

	transactions      *prometheus.CounterVec
	transactionAmount *prometheus.CounterVec
	orderEvents       *prometheus.CounterVec

	expiryRuns    prometheus.Counter
	expiredLots   prometheus.Counter
	expiredPoints prometheus.Counter
	expiryFailed  prometheus.Counter

	settlementRuns   *prometheus.CounterVec
	settledAccounts  prometheus.Counter
	settledAmount    prometheus.Counter
	settlementFailed prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Committed ledger transactions by type",
		}, []string{"type"}),
		transactionAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_amount_total",
			Help:      "Sum of committed transaction amounts by type",
		}, []string{"type"}),
		orderEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_events_total",
			Help:      "Order status events by status and result",
		}, []string{"status", "result"}),

		expiryRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "expiry", Name: "runs_total",
			Help: "Expiry sweeps started",
		}),
		expiredLots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "expiry", Name: "lots_total",
			Help: "Lots expired",
		}),
		expiredPoints: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "expiry", Name: "points_total",
			Help: "Points expired",
		}),
		expiryFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "expiry", Name: "failed_accounts_total",
			Help: "Accounts the sweeper failed on",
		}),

		settlementRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "runs_total",
			Help: "Settlement batches by period",
		}, []string{"period"}),
		settledAccounts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "accounts_total",
			Help: "Accounts settled",
		}),
		settledAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "amount_total",
			Help: "Amount settled",
		}),
		settlementFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "failed_accounts_total",
			Help: "Accounts a batch failed on",
		}),
	}
}

// ObserveTransaction is meant for ledger.WithAppendHook.
func (m *Metrics) ObserveTransaction(tx ledger.Transaction) {
	m.transactions.WithLabelValues(string(tx.Type)).Inc()
	m.transactionAmount.WithLabelValues(string(tx.Type)).Add(tx.Amount.InexactFloat64())
}

// ObserveEvent records one engine result: applied, ignored, duplicate,
// rejected or error.
func (m *Metrics) ObserveEvent(status, result string) {
	m.orderEvents.WithLabelValues(status, result).Inc()
}

func (m *Metrics) ObserveSweep(r expiry.Report) {
	m.expiryRuns.Inc()
	m.expiredLots.Add(float64(r.LotsExpired))
	m.expiredPoints.Add(r.PointsExpired.InexactFloat64())
	m.expiryFailed.Add(float64(len(r.FailedAccountIDs)))
}

func (m *Metrics) ObserveSettlement(r settlement.Report) {
	m.settlementRuns.WithLabelValues(r.PeriodKey).Inc()
	m.settledAccounts.Add(float64(r.SettledCount))
	m.settledAmount.Add(r.TotalAmount.InexactFloat64())
	m.settlementFailed.Add(float64(len(r.FailedAccountIDs)))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
