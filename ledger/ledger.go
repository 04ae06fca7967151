/*
ledger.go - The Ledger service: serialized, atomic appends

PURPOSE:
  All writes to an account go through Ledger.Mutate. Mutate
    1. locks every account involved (sorted, in-process),
    2. opens one store transaction,
    3. hands the callback a Session that validates each append against the
       replayed state,
    4. writes the appends and the new snapshot with a version check,
    5. retries with exponential backoff on ErrConcurrentModification.

  Either every append of a callback commits or none does. A concurrent
  reader never sees a transaction without the matching snapshot.

CORRECTIONS:
  Nothing is edited. Cancellations append REDEEMED, expiry appends EXPIRED,
  payouts append SETTLED. Reconcile rebuilds the snapshot from the log.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is safe for concurrent use.
type Ledger struct {
	store         Store
	locks         *locker
	now           func() time.Time
	logger        *zap.Logger
	maxTries      uint
	retryInterval time.Duration
	onAppend      func(Transaction)
}

type Option func(*Ledger)

// WithClock overrides time.Now (tests, replays).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithRetry bounds the ConcurrentModification retry loop.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(l *Ledger) {
		l.maxTries = maxTries
		l.retryInterval = initial
	}
}

// WithAppendHook is called once per committed transaction.
func WithAppendHook(fn func(Transaction)) Option {
	return func(l *Ledger) { l.onAppend = fn }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		locks:         newLocker(),
		now:           time.Now,
		logger:        zap.NewNop(),
		maxTries:      5,
		retryInterval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) Now() time.Time { return l.now().UTC() }

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates an empty account. Commission accounts start unlocked.
func (l *Ledger) OpenAccount(ctx context.Context, id AccountID, kind AccountKind) (Account, error) {
	if id == "" || !kind.Valid() {
		return Account{}, fmt.Errorf("%w: id %q kind %q", ErrInvalidAccount, id, kind)
	}
	now := l.Now()
	acct := Account{
		ID:              id,
		Kind:            kind,
		Available:       decimal.Zero,
		Locked:          decimal.Zero,
		LifetimeEarned:  decimal.Zero,
		LifetimeExpired: decimal.Zero,
		Unlocked:        kind == KindCommission,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return Account{}, err
	}
	l.logger.Info("account opened", zap.String("account_id", string(id)), zap.String("kind", string(kind)))
	return acct, nil
}

// Snapshot returns the cached account row.
func (l *Ledger) Snapshot(ctx context.Context, id AccountID) (Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return *acct, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Mutate runs fn with ids locked inside one store transaction.
// fn may run more than once when a concurrent writer wins the version race,
// so it must not have side effects outside the Session.
func (l *Ledger) Mutate(ctx context.Context, ids []AccountID, fn func(*Session) error) error {
	ids = uniqueSorted(ids)
	release := l.locks.acquire(ids)
	defer release()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		var committed []Transaction
		err := l.store.WithTx(ctx, func(st Store) error {
			sess := newSession(ctx, st, ids, l.Now())
			if err := fn(sess); err != nil {
				return err
			}
			var ferr error
			committed, ferr = sess.flush()
			return ferr
		})
		if err != nil {
			if IsRetryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		if l.onAppend != nil {
			for _, tx := range committed {
				l.onAppend(tx)
			}
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("ledger write conflict, retrying",
				zap.Any("accounts", ids), zap.Duration("backoff", next), zap.Error(err))
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil {
		l.logError("ledger mutation failed", ids, err)
	}
	return err
}

// Append is the single-transaction write: appendTransaction in the API docs.
func (l *Ledger) Append(ctx context.Context, id AccountID, in AppendInput) (Transaction, error) {
	var out Transaction
	err := l.Mutate(ctx, []AccountID{id}, func(s *Session) error {
		tx, err := s.Append(id, in)
		out = tx
		return err
	})
	return out, err
}

// Redeem spends available points at checkout. Unlike cancellation
// reversals it never clamps: the caller must have checked the balance.
func (l *Ledger) Redeem(ctx context.Context, id AccountID, amount decimal.Decimal, orderID string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: redeem %s", ErrInvalidAmount, amount)
	}
	var out Transaction
	err := l.Mutate(ctx, []AccountID{id}, func(s *Session) error {
		acct, err := s.Account(id)
		if err != nil {
			return err
		}
		if acct.Available.LessThan(amount) {
			return &InsufficientBalanceError{AccountID: id, Available: acct.Available, Requested: amount}
		}
		out, err = s.Append(id, AppendInput{
			Type:    TxRedeemed,
			Amount:  amount,
			Bucket:  BucketAvailable,
			OrderID: orderID,
			Reason:  "redeemed at checkout",
		})
		return err
	})
	return out, err
}

// =============================================================================
// RECONCILE
// =============================================================================

// Reconcile rebuilds the snapshot from the full log and persists it.
// Returns ErrExpiryAttributionConflict when the log cannot be attributed.
func (l *Ledger) Reconcile(ctx context.Context, id AccountID) (Account, error) {
	release := l.locks.acquire([]AccountID{id})
	defer release()

	var rebuilt Account
	err := l.store.WithTx(ctx, func(st Store) error {
		stored, err := st.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		txs, err := st.Transactions(ctx, id)
		if err != nil {
			return err
		}
		state, err := Fold(id, txs)
		if err != nil {
			return err
		}
		if live := state.LiveTotal(); !live.Equal(state.Available.Add(state.Locked)) {
			return &AttributionError{AccountID: id, Unattributed: live.Sub(state.Available.Add(state.Locked)).Abs(),
				Detail: "live lots do not match balances"}
		}

		rebuilt = *stored
		rebuilt.Unlocked = stored.Kind == KindCommission
		state.ApplyTo(&rebuilt)
		if stored.Kind == KindReward {
			n, err := st.CountDeliveredOrders(ctx, id)
			if err != nil {
				return err
			}
			rebuilt.DeliveredOrders = n
			// unlocking is one-way even if the log predates the UNLOCKED entry
			rebuilt.Unlocked = rebuilt.Unlocked || stored.Unlocked
		}

		if snapshotEqual(*stored, rebuilt) {
			return nil
		}
		l.logger.Warn("snapshot drift repaired",
			zap.String("account_id", string(id)),
			zap.String("stored_available", stored.Available.String()),
			zap.String("replayed_available", rebuilt.Available.String()),
			zap.String("stored_locked", stored.Locked.String()),
			zap.String("replayed_locked", rebuilt.Locked.String()))
		rebuilt.Version = stored.Version + 1
		rebuilt.UpdatedAt = l.Now()
		return st.UpdateAccount(ctx, rebuilt, stored.Version)
	})
	if err != nil {
		l.logError("reconcile failed", []AccountID{id}, err)
		return Account{}, err
	}
	return rebuilt, nil
}

func snapshotEqual(a, b Account) bool {
	return a.Available.Equal(b.Available) &&
		a.Locked.Equal(b.Locked) &&
		a.LifetimeEarned.Equal(b.LifetimeEarned) &&
		a.LifetimeExpired.Equal(b.LifetimeExpired) &&
		a.Unlocked == b.Unlocked &&
		a.DeliveredOrders == b.DeliveredOrders
}

func (l *Ledger) logError(msg string, ids []AccountID, err error) {
	fields := []zap.Field{zap.Any("accounts", ids), zap.Error(err)}
	var nb *NegativeBalanceError
	if errors.As(err, &nb) {
		fields = append(fields, zap.String("bucket", string(nb.Bucket)),
			zap.String("balance", nb.Balance.String()), zap.String("debit", nb.Debit.String()))
	}
	var ae *AttributionError
	if errors.As(err, &ae) {
		fields = append(fields, zap.String("tx_id", string(ae.TransactionID)),
			zap.String("unattributed", ae.Unattributed.String()))
	}
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrAccountNotLocked) {
		l.logger.Info(msg, fields...)
		return
	}
	l.logger.Error(msg, fields...)
}
