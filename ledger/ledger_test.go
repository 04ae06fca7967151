package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(mem,
		ledger.WithClock(func() time.Time { return t0 }),
		ledger.WithRetry(10, time.Millisecond),
	)
	return l, mem
}

func earn(amount string) ledger.AppendInput {
	return ledger.AppendInput{Type: ledger.TxEarned, Amount: d(amount)}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestLedger_OpenAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	reward, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)
	assert.False(t, reward.Unlocked, "reward accounts start locked")

	agent, err := l.OpenAccount(ctx, "agent-1", ledger.KindCommission)
	require.NoError(t, err)
	assert.True(t, agent.Unlocked, "commission accounts start unlocked")

	_, err = l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = l.OpenAccount(ctx, "x", "SAVINGS")
	assert.ErrorIs(t, err, ledger.ErrInvalidAccount)
	assert.True(t, ledger.IsClientError(err))
}

func TestLedger_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Append(context.Background(), "ghost", earn("10"))
	assert.ErrorIs(t, err, ledger.ErrUnknownAccount)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// APPEND + SNAPSHOT
// =============================================================================

func TestLedger_AppendUpdatesSnapshotAtomically(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)

	exp := t0.Add(30 * 24 * time.Hour)
	in := earn("50")
	in.ExpiresAt = &exp
	tx, err := l.Append(ctx, "salon-1", in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.Seq)
	assert.NotEmpty(t, tx.ID)
	require.NotNil(t, tx.ExpiresAt)
	assert.True(t, tx.ExpiresAt.Equal(exp))

	acct, err := l.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(d("50")))
	assert.True(t, acct.LifetimeEarned.Equal(d("50")))
	assert.Equal(t, int64(2), acct.Version)

	txs, err := mem.Transactions(ctx, "salon-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestLedger_RejectedAppendLeavesNoTrace(t *testing.T) {
	// GIVEN: an account holding 10
	// WHEN: a mutation appends an EARNED and then an overdraft
	// THEN: neither is written and the snapshot is unchanged

	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)
	_, err = l.Append(ctx, "salon-1", earn("10"))
	require.NoError(t, err)

	err = l.Mutate(ctx, []ledger.AccountID{"salon-1"}, func(s *ledger.Session) error {
		if _, err := s.Append("salon-1", earn("5")); err != nil {
			return err
		}
		_, err := s.Append("salon-1", ledger.AppendInput{Type: ledger.TxRedeemed, Amount: d("100")})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)

	acct, err := l.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(d("10")))

	txs, err := mem.Transactions(ctx, "salon-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestLedger_MutateTwoAccountsCommitsBoth(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)
	_, err = l.OpenAccount(ctx, "agent-1", ledger.KindCommission)
	require.NoError(t, err)

	err = l.Mutate(ctx, []ledger.AccountID{"salon-1", "agent-1"}, func(s *ledger.Session) error {
		if _, err := s.Append("salon-1", earn("50")); err != nil {
			return err
		}
		_, err := s.Append("agent-1", earn("25.50"))
		return err
	})
	require.NoError(t, err)

	salon, _ := l.Snapshot(ctx, "salon-1")
	agent, _ := l.Snapshot(ctx, "agent-1")
	assert.True(t, salon.Available.Equal(d("50")))
	assert.True(t, agent.Available.Equal(d("25.50")))
}

func TestLedger_SessionRefusesUnlockedAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)
	_, err = l.OpenAccount(ctx, "salon-2", ledger.KindReward)
	require.NoError(t, err)

	err = l.Mutate(ctx, []ledger.AccountID{"salon-1"}, func(s *ledger.Session) error {
		_, err := s.Append("salon-2", earn("1"))
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotLocked)
}

// =============================================================================
// REDEEM
// =============================================================================

func TestLedger_Redeem(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)
	_, err = l.Append(ctx, "salon-1", earn("100"))
	require.NoError(t, err)
	_, err = l.Append(ctx, "salon-1", earn("50"))
	require.NoError(t, err)

	_, err = l.Redeem(ctx, "salon-1", d("120"), "order-9")
	require.NoError(t, err)

	acct, _ := l.Snapshot(ctx, "salon-1")
	assert.True(t, acct.Available.Equal(d("30")))

	_, err = l.Redeem(ctx, "salon-1", d("31"), "order-10")
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.True(t, ib.Available.Equal(d("30")))
	assert.True(t, ledger.IsClientError(err))

	_, err = l.Redeem(ctx, "salon-1", decimal.Zero, "order-11")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestLedger_SnapshotEqualsReplay(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)

	for _, in := range []ledger.AppendInput{
		earn("100"),
		{Type: ledger.TxLocked, Amount: d("100")},
		earn("50"),
		{Type: ledger.TxLocked, Amount: d("50")},
		{Type: ledger.TxRedeemed, Amount: d("20"), Bucket: ledger.BucketLocked},
		{Type: ledger.TxUnlocked, Amount: d("130")},
		{Type: ledger.TxRedeemed, Amount: d("10")},
	} {
		_, err := l.Append(ctx, "salon-1", in)
		require.NoError(t, err)
	}

	before, err := l.Snapshot(ctx, "salon-1")
	require.NoError(t, err)

	txs, err := mem.Transactions(ctx, "salon-1")
	require.NoError(t, err)
	replayed, err := ledger.Replay(before, txs)
	require.NoError(t, err)
	assert.True(t, before.Available.Equal(replayed.Available))
	assert.True(t, before.Locked.Equal(replayed.Locked))

	after, err := l.Reconcile(ctx, "salon-1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version, "nothing to repair")
	assert.True(t, after.Available.Equal(d("120")))
	assert.True(t, after.Unlocked)
}

func TestLedger_ReconcileRepairsDrift(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "agent-1", ledger.KindCommission)
	require.NoError(t, err)
	_, err = l.Append(ctx, "agent-1", earn("40"))
	require.NoError(t, err)

	// corrupt the cached row behind the ledger's back
	acct, err := mem.GetAccount(ctx, "agent-1")
	require.NoError(t, err)
	bad := *acct
	bad.Available = d("999")
	bad.Version = acct.Version + 1
	require.NoError(t, mem.UpdateAccount(ctx, bad, acct.Version))

	fixed, err := l.Reconcile(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, fixed.Available.Equal(d("40")))
	assert.Equal(t, bad.Version+1, fixed.Version)

	stored, err := l.Snapshot(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, stored.Available.Equal(d("40")))
}

func TestLedger_ReconcileUnattributableLog(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)
	earned, err := l.Append(ctx, "salon-1", earn("10"))
	require.NoError(t, err)

	// a forged EXPIRED that over-expires the lot
	require.NoError(t, mem.AppendTransactions(ctx, []ledger.Transaction{{
		ID: "forged", AccountID: "salon-1", Seq: 2, Type: ledger.TxExpired,
		Amount: d("15"), LotID: earned.ID, CreatedAt: t0,
	}}))

	_, err = l.Reconcile(ctx, "salon-1")
	assert.ErrorIs(t, err, ledger.ErrExpiryAttributionConflict)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_ConcurrentAppendsNeverLoseUpdates(t *testing.T) {
	// GIVEN: one account
	// WHEN: 50 goroutines each credit 1 point
	// THEN: the balance is 50 and the sequence is dense

	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, "salon-1", earn("1")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	acct, err := l.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(d("50")), "got %s", acct.Available)

	txs, err := mem.Transactions(ctx, "salon-1")
	require.NoError(t, err)
	require.Len(t, txs, n)
	for i, tx := range txs {
		assert.Equal(t, int64(i+1), tx.Seq)
	}
}

// racingStore makes the first UpdateAccount lose the version race.
type racingStore struct {
	*store.Memory
	mu    sync.Mutex
	fired bool
}

func (r *racingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return r.Memory.WithTx(ctx, func(st ledger.Store) error {
		return fn(&racingView{Store: st, parent: r})
	})
}

type racingView struct {
	ledger.Store
	parent *racingStore
}

func (v *racingView) UpdateAccount(ctx context.Context, acct ledger.Account, expected int64) error {
	v.parent.mu.Lock()
	defer v.parent.mu.Unlock()
	if !v.parent.fired {
		v.parent.fired = true
		return ledger.ErrConcurrentModification
	}
	return v.Store.UpdateAccount(ctx, acct, expected)
}

func TestLedger_RetriesConcurrentModification(t *testing.T) {
	rs := &racingStore{Memory: store.NewMemory()}
	l := ledger.New(rs, ledger.WithRetry(3, time.Millisecond))
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)

	var appended []ledger.Transaction
	l2 := ledger.New(rs, ledger.WithRetry(3, time.Millisecond),
		ledger.WithAppendHook(func(tx ledger.Transaction) { appended = append(appended, tx) }))

	_, err = l2.Append(ctx, "salon-1", earn("7"))
	require.NoError(t, err)
	assert.True(t, rs.fired)
	assert.Len(t, appended, 1, "hook fires once per committed transaction")

	acct, err := l.Snapshot(ctx, "salon-1")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(d("7")))

	txs, err := rs.Transactions(ctx, "salon-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1, "the losing attempt was rolled back")
}

func TestLedger_NonRetryableErrorIsReturnedUnwrapped(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "salon-1", ledger.KindReward)
	require.NoError(t, err)

	boom := errors.New("boom")
	calls := 0
	err = l.Mutate(ctx, []ledger.AccountID{"salon-1"}, func(s *ledger.Session) error {
		calls++
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
}
