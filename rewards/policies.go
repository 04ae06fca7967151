package rewards

import (
	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// UNLOCK GATE
// =============================================================================

// Gate decides when a reward wallet is unlocked.
type Gate struct {
	Threshold int
}

// Decision is the gate's verdict. Amount is the whole locked bucket.
type Decision struct {
	Unlock bool
	Amount decimal.Decimal
}

// Evaluate is pure. Once an account is unlocked it never unlocks again.
func (g Gate) Evaluate(acct ledger.Account) Decision {
	if acct.Kind != ledger.KindReward || acct.Unlocked {
		return Decision{Amount: decimal.Zero}
	}
	if acct.DeliveredOrders < g.Threshold {
		return Decision{Amount: decimal.Zero}
	}
	return Decision{Unlock: true, Amount: acct.Locked}
}

// =============================================================================
// COMMISSION TIERS
// =============================================================================

// SelectTier returns the tier with the highest MinSales not above sales.
func SelectTier(tiers []ledger.CommissionTier, sales decimal.Decimal) (ledger.CommissionTier, bool) {
	var (
		best  ledger.CommissionTier
		found bool
	)
	for _, t := range tiers {
		if t.MinSales.GreaterThan(sales) {
			continue
		}
		if !found || t.MinSales.GreaterThan(best.MinSales) {
			best, found = t, true
		}
	}
	return best, found
}

// Commission is total * rate rounded to two decimals.
func Commission(total, rate decimal.Decimal) decimal.Decimal {
	return total.Mul(rate).Round(2)
}
