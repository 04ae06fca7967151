package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/ledger"
)

var t0 = time.Date(2024, time.June, 1, 10, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type logBuilder struct {
	account ledger.AccountID
	txs     []ledger.Transaction
}

func newLog(account string) *logBuilder {
	return &logBuilder{account: ledger.AccountID(account)}
}

func (b *logBuilder) add(id string, typ ledger.TxType, amount string, opts ...func(*ledger.Transaction)) *logBuilder {
	tx := ledger.Transaction{
		ID:        ledger.TransactionID(id),
		AccountID: b.account,
		Seq:       int64(len(b.txs) + 1),
		Type:      typ,
		Amount:    d(amount),
		CreatedAt: t0.Add(time.Duration(len(b.txs)) * time.Hour),
	}
	for _, opt := range opts {
		opt(&tx)
	}
	b.txs = append(b.txs, tx)
	return b
}

func lot(id string) func(*ledger.Transaction) {
	return func(tx *ledger.Transaction) { tx.LotID = ledger.TransactionID(id) }
}

func fromLocked(tx *ledger.Transaction) { tx.Bucket = ledger.BucketLocked }

// =============================================================================
// FIFO LOTS
// =============================================================================

func TestFold_RedeemConsumesOldestLotFirst(t *testing.T) {
	// GIVEN: L1 +100, L2 +50
	// WHEN: 120 is redeemed
	// THEN: L1 is fully consumed and 30 remain on L2

	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "100").
		add("L2", ledger.TxEarned, "50").
		add("R1", ledger.TxRedeemed, "120")

	lots, err := ledger.Lots(log.txs)
	require.NoError(t, err)
	require.Len(t, lots, 2)

	assert.True(t, lots[0].Remaining.IsZero(), "L1 should be consumed")
	assert.True(t, lots[1].Remaining.Equal(d("30")), "L2 should keep 30, got %s", lots[1].Remaining)
	assert.False(t, lots[0].Live())
	assert.True(t, lots[1].Live())
}

func TestFold_ExpiryOfPartiallyConsumedLot(t *testing.T) {
	// GIVEN: the FIFO example above
	// WHEN: both lots pass their horizon
	// THEN: only L2's remaining 30 can expire

	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "100").
		add("L2", ledger.TxEarned, "50").
		add("R1", ledger.TxRedeemed, "120").
		add("E2", ledger.TxExpired, "30", lot("L2"))

	state, err := ledger.Fold("acct-1", log.txs)
	require.NoError(t, err)

	assert.True(t, state.Available.IsZero())
	assert.True(t, state.LifetimeEarned.Equal(d("150")))
	assert.True(t, state.LifetimeExpired.Equal(d("30")))
	assert.True(t, state.LiveTotal().IsZero())
	assert.Empty(t, state.LiveLots())
}

func TestFold_ExpiryMoreThanRemaining_AttributionConflict(t *testing.T) {
	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "100").
		add("L2", ledger.TxEarned, "50").
		add("R1", ledger.TxRedeemed, "120").
		add("E2", ledger.TxExpired, "50", lot("L2"))

	_, err := ledger.Fold("acct-1", log.txs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrExpiryAttributionConflict)

	var attrErr *ledger.AttributionError
	require.ErrorAs(t, err, &attrErr)
	assert.Equal(t, ledger.TransactionID("E2"), attrErr.TransactionID)
	assert.True(t, attrErr.Unattributed.Equal(d("20")))
}

func TestFold_ExpiryTwice_AttributionConflict(t *testing.T) {
	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "10").
		add("L2", ledger.TxEarned, "10").
		add("E1", ledger.TxExpired, "10", lot("L1")).
		add("E1b", ledger.TxExpired, "10", lot("L1"))

	_, err := ledger.Fold("acct-1", log.txs)
	assert.ErrorIs(t, err, ledger.ErrExpiryAttributionConflict)
}

func TestFold_ExpiryOfUnknownLot_AttributionConflict(t *testing.T) {
	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "10").
		add("E1", ledger.TxExpired, "10", lot("nope"))

	_, err := ledger.Fold("acct-1", log.txs)
	assert.ErrorIs(t, err, ledger.ErrExpiryAttributionConflict)
}

// =============================================================================
// BUCKETS
// =============================================================================

func TestFold_DebitBelowZero_NegativeBalance(t *testing.T) {
	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "10").
		add("R1", ledger.TxRedeemed, "11")

	_, err := ledger.Fold("acct-1", log.txs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)

	var nb *ledger.NegativeBalanceError
	require.ErrorAs(t, err, &nb)
	assert.Equal(t, ledger.BucketAvailable, nb.Bucket)
	assert.True(t, nb.Balance.Equal(d("10")))
	assert.True(t, nb.Debit.Equal(d("11")))
}

func TestFold_LockThenUnlock(t *testing.T) {
	// GIVEN: two earned lots, each moved to locked
	// WHEN: the cumulative locked sum is unlocked
	// THEN: everything is available and the account is unlocked

	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "50").
		add("K1", ledger.TxLocked, "50").
		add("L2", ledger.TxEarned, "50").
		add("K2", ledger.TxLocked, "50")

	state, err := ledger.Fold("acct-1", log.txs)
	require.NoError(t, err)
	assert.True(t, state.Available.IsZero())
	assert.True(t, state.Locked.Equal(d("100")))
	assert.False(t, state.Unlocked)

	log.add("U1", ledger.TxUnlocked, "100")
	state, err = ledger.Fold("acct-1", log.txs)
	require.NoError(t, err)
	assert.True(t, state.Available.Equal(d("100")))
	assert.True(t, state.Locked.IsZero())
	assert.True(t, state.Unlocked)
}

func TestFold_ReversalFromLockedBucket(t *testing.T) {
	log := newLog("acct-1").
		add("L1", ledger.TxEarned, "50").
		add("K1", ledger.TxLocked, "50").
		add("R1", ledger.TxRedeemed, "20", fromLocked)

	state, err := ledger.Fold("acct-1", log.txs)
	require.NoError(t, err)
	assert.True(t, state.Locked.Equal(d("30")))
	assert.True(t, state.LiveTotal().Equal(d("30")))
}

func TestFold_SettledConsumesLots(t *testing.T) {
	log := newLog("agent-1").
		add("C1", ledger.TxEarned, "12.50").
		add("C2", ledger.TxEarned, "7.50").
		add("S1", ledger.TxSettled, "20")

	state, err := ledger.Fold("agent-1", log.txs)
	require.NoError(t, err)
	assert.True(t, state.Available.IsZero())
	assert.True(t, state.LiveTotal().IsZero())
	assert.True(t, state.LifetimeEarned.Equal(d("20")))
}

func TestReplay_KeepsNonBalanceFields(t *testing.T) {
	acct := ledger.Account{ID: "acct-1", Kind: ledger.KindReward, DeliveredOrders: 4, NeedsReview: true}
	log := newLog("acct-1").add("L1", ledger.TxEarned, "10")

	out, err := ledger.Replay(acct, log.txs)
	require.NoError(t, err)
	assert.True(t, out.Available.Equal(d("10")))
	assert.Equal(t, 4, out.DeliveredOrders)
	assert.True(t, out.NeedsReview)
}

func TestLot_DueAt(t *testing.T) {
	exp := t0.Add(24 * time.Hour)
	l := ledger.Lot{Amount: d("5"), Remaining: d("5"), ExpiresAt: &exp}

	assert.False(t, l.DueAt(t0))
	assert.True(t, l.DueAt(exp))
	assert.True(t, l.DueAt(exp.Add(time.Second)))

	l.Remaining = decimal.Zero
	assert.False(t, l.DueAt(exp), "consumed lots are not due")

	assert.False(t, ledger.Lot{Amount: d("5"), Remaining: d("5")}.DueAt(exp), "lots without horizon never expire")
}
