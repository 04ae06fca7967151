package expiry_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/expiry"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/ledger/store"
	"github.com/salonhub/ledger-engine/store/sqlite"
)

var (
	start = time.Date(2024, time.January, 10, 8, 0, 0, 0, time.UTC)
	ttl   = 90 * 24 * time.Hour
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	now    time.Time
	ledger *ledger.Ledger
	store  *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: start, store: store.NewMemory()}
	f.ledger = ledger.New(f.store, ledger.WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) open(t *testing.T, id ledger.AccountID) {
	t.Helper()
	_, err := f.ledger.OpenAccount(context.Background(), id, ledger.KindReward)
	require.NoError(t, err)
}

func (f *fixture) earn(t *testing.T, id ledger.AccountID, amount string) ledger.Transaction {
	t.Helper()
	exp := f.now.Add(ttl)
	tx, err := f.ledger.Append(context.Background(), id, ledger.AppendInput{
		Type: ledger.TxEarned, Amount: d(amount), ExpiresAt: &exp,
	})
	require.NoError(t, err)
	return tx
}

func TestSweeper_ExpiresOnlyRemainderOfDueLots(t *testing.T) {
	// GIVEN: L1 +100, L2 +50, then 120 redeemed (FIFO: L1 empty, L2 has 30)
	// WHEN: both lots pass their horizon and the sweeper runs
	// THEN: exactly 30 expires, attributed to L2

	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "salon-1")
	_, err := f.ledger.Append(ctx, "salon-1", ledger.AppendInput{Type: ledger.TxUnlocked, Amount: decimal.Zero})
	require.NoError(t, err)
	f.earn(t, "salon-1", "100")
	l2 := f.earn(t, "salon-1", "50")
	_, err = f.ledger.Redeem(ctx, "salon-1", d("120"), "checkout")
	require.NoError(t, err)

	f.now = start.Add(ttl + time.Hour)
	report, err := expiry.NewSweeper(f.ledger, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LotsExpired)
	assert.True(t, report.PointsExpired.Equal(d("30")))
	assert.False(t, report.Interrupted)

	txs, err := f.store.Transactions(ctx, "salon-1")
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, ledger.TxExpired, last.Type)
	assert.Equal(t, l2.ID, last.LotID)
	assert.True(t, last.Amount.Equal(d("30")))

	acct, err := f.ledger.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.IsZero())
	assert.True(t, acct.LifetimeExpired.Equal(d("30")))
}

func TestSweeper_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "salon-1")
	f.earn(t, "salon-1", "10")

	f.now = start.Add(ttl)
	sw := expiry.NewSweeper(f.ledger, nil)
	first, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LotsExpired)

	second, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LotsExpired, "a lot is never expired twice")
}

func TestSweeper_LeavesLotsBeforeHorizon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "salon-1")
	f.earn(t, "salon-1", "10")
	f.now = start.Add(10 * 24 * time.Hour)
	f.earn(t, "salon-1", "20")

	// only the first lot is due
	f.now = start.Add(ttl + time.Minute)
	report, err := expiry.NewSweeper(f.ledger, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.PointsExpired.Equal(d("10")))

	acct, err := f.ledger.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(d("20")))
}

func TestSweeper_LockedWalletExpiresFromLockedBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "salon-1")
	f.earn(t, "salon-1", "40")
	_, err := f.ledger.Append(ctx, "salon-1", ledger.AppendInput{Type: ledger.TxLocked, Amount: d("40")})
	require.NoError(t, err)

	f.now = start.Add(ttl)
	_, err = expiry.NewSweeper(f.ledger, nil).Run(ctx)
	require.NoError(t, err)

	acct, err := f.ledger.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Locked.IsZero())
	assert.True(t, acct.LifetimeExpired.Equal(d("40")))
}

func TestSweeper_ResumesFromCheckpoint(t *testing.T) {
	// GIVEN: a previous run stopped after salon-1
	// WHEN: the sweeper runs again
	// THEN: it starts at salon-2 and clears the checkpoint at the end

	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []ledger.AccountID{"salon-1", "salon-2", "salon-3"} {
		f.open(t, id)
		f.earn(t, id, "5")
	}
	require.NoError(t, f.store.SaveCheckpoint(ctx, expiry.CheckpointJob, "salon-1"))

	f.now = start.Add(ttl)
	report, err := expiry.NewSweeper(f.ledger, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("salon-1"), report.ResumedAfter)
	assert.Equal(t, 2, report.AccountsScanned)
	assert.Equal(t, 2, report.LotsExpired)

	acct, err := f.ledger.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(d("5")), "salon-1 was done before the restart")

	cur, err := f.store.GetCheckpoint(ctx, expiry.CheckpointJob)
	require.NoError(t, err)
	assert.Empty(t, cur)
}

func TestSweeper_CancelledContextStopsBetweenAccounts(t *testing.T) {
	f := newFixture(t)
	f.open(t, "salon-1")
	f.earn(t, "salon-1", "5")
	f.now = start.Add(ttl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := expiry.NewSweeper(f.ledger, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 0, report.AccountsScanned)

	acct, err := f.ledger.Snapshot(context.Background(), "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(d("5")))
}

func TestSweeper_SkipsCommissionAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.OpenAccount(ctx, "agent-1", ledger.KindCommission)
	require.NoError(t, err)
	f.earn(t, "agent-1", "5")

	f.now = start.Add(ttl)
	report, err := expiry.NewSweeper(f.ledger, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.AccountsScanned)
}

func TestSweeper_CancelDuringAccountCommitsItAndCheckpoint(t *testing.T) {
	// GIVEN: three due wallets on the SQL store
	// WHEN: ctx is cancelled while the first wallet is being expired
	// THEN: that wallet and its checkpoint commit, the run reports Interrupted,
	//       and the next run finishes the other two

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := start
	l := ledger.New(db,
		ledger.WithClock(func() time.Time { return now }),
		ledger.WithAppendHook(func(tx ledger.Transaction) {
			if tx.Type == ledger.TxExpired {
				cancel()
			}
		}))

	bg := context.Background()
	for _, id := range []ledger.AccountID{"salon-1", "salon-2", "salon-3"} {
		_, err := l.OpenAccount(bg, id, ledger.KindReward)
		require.NoError(t, err)
		exp := now.Add(ttl)
		_, err = l.Append(bg, id, ledger.AppendInput{Type: ledger.TxEarned, Amount: d("5"), ExpiresAt: &exp})
		require.NoError(t, err)
	}
	now = start.Add(ttl)

	sw := expiry.NewSweeper(l, nil)
	report, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.AccountsScanned)
	assert.Equal(t, 1, report.LotsExpired)
	assert.Empty(t, report.FailedAccountIDs)

	cur, err := db.GetCheckpoint(bg, expiry.CheckpointJob)
	require.NoError(t, err)
	assert.Equal(t, "salon-1", cur)

	rest, err := sw.Run(bg)
	require.NoError(t, err)
	assert.Equal(t, 2, rest.AccountsScanned)
	assert.Equal(t, 2, rest.LotsExpired)
}
