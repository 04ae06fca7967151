package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AppendInput describes one transaction to append.
type AppendInput struct {
	Type      TxType
	Amount    decimal.Decimal
	Bucket    Bucket
	OrderID   string
	LotID     TransactionID
	ExpiresAt *time.Time
	Reason    string
}

// Session is the transactional view handed to Ledger.Mutate callbacks.
// Every account it touches was locked by Mutate; appends are validated
// against the replayed state immediately and written on commit.
type Session struct {
	ctx      context.Context
	store    Store
	now      time.Time
	allowed  map[AccountID]bool
	accounts map[AccountID]*sessionAccount
	touched  []AccountID
}

type sessionAccount struct {
	acct    Account
	version int64
	state   *State
	txs     []Transaction
	pending []Transaction
	dirty   bool
}

func newSession(ctx context.Context, st Store, ids []AccountID, now time.Time) *Session {
	allowed := make(map[AccountID]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	return &Session{
		ctx:      ctx,
		store:    st,
		now:      now,
		allowed:  allowed,
		accounts: make(map[AccountID]*sessionAccount),
	}
}

// Context returns the context of the enclosing Mutate call.
func (s *Session) Context() context.Context { return s.ctx }

// Store is the transaction-scoped store. Writes through it commit or roll
// back together with the session's appends.
func (s *Session) Store() Store { return s.store }

// Now is the single timestamp used for everything written in this session.
func (s *Session) Now() time.Time { return s.now }

func (s *Session) load(id AccountID) (*sessionAccount, error) {
	if sa, ok := s.accounts[id]; ok {
		return sa, nil
	}
	if !s.allowed[id] {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotLocked, id)
	}
	acct, err := s.store.GetAccount(s.ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.Transactions(s.ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := Fold(id, txs)
	if err != nil {
		return nil, err
	}
	sa := &sessionAccount{acct: *acct, version: acct.Version, state: state, txs: txs}
	s.accounts[id] = sa
	s.touched = append(s.touched, id)
	return sa, nil
}

// Account returns the snapshot including appends made in this session.
func (s *Session) Account(id AccountID) (Account, error) {
	sa, err := s.load(id)
	if err != nil {
		return Account{}, err
	}
	return sa.acct, nil
}

// State returns the folded state including appends made in this session.
func (s *Session) State(id AccountID) (*State, error) {
	sa, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return sa.state, nil
}

// Transactions returns the stored log followed by pending appends.
func (s *Session) Transactions(id AccountID) ([]Transaction, error) {
	sa, err := s.load(id)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(sa.txs)+len(sa.pending))
	out = append(out, sa.txs...)
	return append(out, sa.pending...), nil
}

// Append validates and queues one transaction.
func (s *Session) Append(id AccountID, in AppendInput) (Transaction, error) {
	sa, err := s.load(id)
	if err != nil {
		return Transaction{}, err
	}
	if !in.Type.Valid() {
		return Transaction{}, fmt.Errorf("unknown transaction type %q", in.Type)
	}
	if in.Amount.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvalidAmount, in.Amount)
	}

	tx := Transaction{
		ID:        TransactionID(uuid.NewString()),
		AccountID: id,
		Seq:       int64(len(sa.txs) + len(sa.pending) + 1),
		Type:      in.Type,
		Amount:    in.Amount,
		OrderID:   in.OrderID,
		LotID:     in.LotID,
		Reason:    in.Reason,
		CreatedAt: s.now,
	}
	switch in.Type {
	case TxRedeemed, TxExpired:
		tx.Bucket = bucketOrDefault(in.Bucket)
	case TxSettled:
		tx.Bucket = BucketAvailable
	case TxEarned:
		tx.ExpiresAt = in.ExpiresAt
	}

	if err := sa.state.Apply(tx); err != nil {
		return Transaction{}, err
	}
	sa.state.ApplyTo(&sa.acct)
	sa.pending = append(sa.pending, tx)
	sa.dirty = true
	return tx, nil
}

// Update applies fn to the account's non-balance fields (delivered count,
// review flag, settlement time). Balances are owned by the log.
func (s *Session) Update(id AccountID, fn func(*Account)) error {
	sa, err := s.load(id)
	if err != nil {
		return err
	}
	fn(&sa.acct)
	sa.state.ApplyTo(&sa.acct)
	sa.dirty = true
	return nil
}

// flush writes pending appends and snapshots. It returns what was appended.
func (s *Session) flush() ([]Transaction, error) {
	var appended []Transaction
	for _, id := range s.touched {
		sa := s.accounts[id]
		if !sa.dirty {
			continue
		}
		if len(sa.pending) > 0 {
			if err := s.store.AppendTransactions(s.ctx, sa.pending); err != nil {
				return nil, err
			}
			appended = append(appended, sa.pending...)
		}
		sa.acct.Version = sa.version + 1
		sa.acct.UpdatedAt = s.now
		if err := s.store.UpdateAccount(s.ctx, sa.acct, sa.version); err != nil {
			return nil, err
		}
	}
	return appended, nil
}
