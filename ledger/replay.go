/*
replay.go - Folding the transaction log into balances and FIFO lots

PURPOSE:
  The log is the source of truth. Fold replays it in Seq order and yields
  the balances the account row must hold, plus the queue of EARNED lots
  with their unconsumed remainder.

REPLAY RULES:
  EARNED    available += a, lifetimeEarned += a, new lot
  LOCKED    available -= a, locked += a
  UNLOCKED  locked -= a, available += a, unlocked = true
  REDEEMED  bucket -= a, lots consumed oldest-first
  EXPIRED   bucket -= a, lifetimeExpired += a, referenced lot zeroed
  SETTLED   available -= a, lots consumed oldest-first

EXAMPLE (FIFO):
  L1 +100, L2 +50, REDEEMED 120
  -> L1 remaining 0, L2 remaining 30
  Expiring both afterwards expires 0 from L1 and 30 from L2.
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Lot is one EARNED transaction and what is left of it.
type Lot struct {
	TransactionID TransactionID
	OrderID       string
	Amount        decimal.Decimal
	Remaining     decimal.Decimal
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Expired       bool
}

// Live reports whether the lot still carries value.
func (l Lot) Live() bool { return !l.Expired && l.Remaining.IsPositive() }

// DueAt reports whether the lot has reached its expiry horizon at now.
func (l Lot) DueAt(now time.Time) bool {
	return l.Live() && l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// State is the result of folding a transaction log.
type State struct {
	AccountID       AccountID
	Available       decimal.Decimal
	Locked          decimal.Decimal
	LifetimeEarned  decimal.Decimal
	LifetimeExpired decimal.Decimal
	Unlocked        bool
	Lots            []Lot

	lotIndex map[TransactionID]int
}

// Fold replays txs (already in Seq order) from an empty state.
func Fold(accountID AccountID, txs []Transaction) (*State, error) {
	s := NewState(accountID)
	for _, tx := range txs {
		if err := s.Apply(tx); err != nil {
			return s, err
		}
	}
	return s, nil
}

func NewState(accountID AccountID) *State {
	return &State{
		AccountID:       accountID,
		Available:       decimal.Zero,
		Locked:          decimal.Zero,
		LifetimeEarned:  decimal.Zero,
		LifetimeExpired: decimal.Zero,
		lotIndex:        make(map[TransactionID]int),
	}
}

// LiveTotal is the sum of unconsumed, unexpired lots.
// For a consistent log it equals Available + Locked.
func (s *State) LiveTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lots {
		if l.Live() {
			total = total.Add(l.Remaining)
		}
	}
	return total
}

// LiveLots returns the lots still carrying value, oldest first.
func (s *State) LiveLots() []Lot {
	var out []Lot
	for _, l := range s.Lots {
		if l.Live() {
			out = append(out, l)
		}
	}
	return out
}

// Apply folds one transaction into the state. On error the state must be
// discarded; callers roll back the surrounding store transaction.
func (s *State) Apply(tx Transaction) error {
	a := tx.Amount
	if a.IsNegative() {
		return fmt.Errorf("%w: %s %s on %s", ErrInvalidAmount, tx.Type, a, tx.AccountID)
	}

	switch tx.Type {
	case TxEarned:
		s.Available = s.Available.Add(a)
		s.LifetimeEarned = s.LifetimeEarned.Add(a)
		s.lotIndex[tx.ID] = len(s.Lots)
		s.Lots = append(s.Lots, Lot{
			TransactionID: tx.ID,
			OrderID:       tx.OrderID,
			Amount:        a,
			Remaining:     a,
			CreatedAt:     tx.CreatedAt,
			ExpiresAt:     tx.ExpiresAt,
		})

	case TxLocked:
		if err := s.debit(BucketAvailable, a); err != nil {
			return err
		}
		s.Locked = s.Locked.Add(a)

	case TxUnlocked:
		if err := s.debit(BucketLocked, a); err != nil {
			return err
		}
		s.Available = s.Available.Add(a)
		s.Unlocked = true

	case TxRedeemed:
		if err := s.debit(bucketOrDefault(tx.Bucket), a); err != nil {
			return err
		}
		return s.consumeFIFO(tx, a)

	case TxSettled:
		if err := s.debit(BucketAvailable, a); err != nil {
			return err
		}
		return s.consumeFIFO(tx, a)

	case TxExpired:
		i, ok := s.lotIndex[tx.LotID]
		if !ok {
			return &AttributionError{AccountID: s.AccountID, TransactionID: tx.ID, Unattributed: a,
				Detail: fmt.Sprintf("lot %s not found", tx.LotID)}
		}
		lot := &s.Lots[i]
		if lot.Expired {
			return &AttributionError{AccountID: s.AccountID, TransactionID: tx.ID, Unattributed: a,
				Detail: fmt.Sprintf("lot %s already expired", tx.LotID)}
		}
		if !lot.Remaining.Equal(a) {
			return &AttributionError{AccountID: s.AccountID, TransactionID: tx.ID,
				Unattributed: a.Sub(lot.Remaining).Abs(),
				Detail:       fmt.Sprintf("lot %s remaining %s", tx.LotID, lot.Remaining)}
		}
		if err := s.debit(bucketOrDefault(tx.Bucket), a); err != nil {
			return err
		}
		lot.Remaining = decimal.Zero
		lot.Expired = true
		s.LifetimeExpired = s.LifetimeExpired.Add(a)

	default:
		return fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	return nil
}

func (s *State) debit(b Bucket, a decimal.Decimal) error {
	bal := s.Available
	if b == BucketLocked {
		bal = s.Locked
	}
	if bal.LessThan(a) {
		return &NegativeBalanceError{AccountID: s.AccountID, Bucket: b, Balance: bal, Debit: a}
	}
	if b == BucketLocked {
		s.Locked = bal.Sub(a)
	} else {
		s.Available = bal.Sub(a)
	}
	return nil
}

// consumeFIFO depletes the oldest live lots first.
func (s *State) consumeFIFO(tx Transaction, a decimal.Decimal) error {
	left := a
	for i := range s.Lots {
		if !left.IsPositive() {
			break
		}
		lot := &s.Lots[i]
		if !lot.Live() {
			continue
		}
		take := decimal.Min(lot.Remaining, left)
		lot.Remaining = lot.Remaining.Sub(take)
		left = left.Sub(take)
	}
	if left.IsPositive() {
		return &AttributionError{AccountID: s.AccountID, TransactionID: tx.ID, Unattributed: left,
			Detail: "debit exceeds live lots"}
	}
	return nil
}

// Lots returns the FIFO lot queue of a log, expired and consumed lots
// included.
func Lots(txs []Transaction) ([]Lot, error) {
	var id AccountID
	if len(txs) > 0 {
		id = txs[0].AccountID
	}
	s, err := Fold(id, txs)
	if err != nil {
		return nil, err
	}
	return s.Lots, nil
}

// Replay recomputes acct's balances from txs. Non-balance fields are kept.
func Replay(acct Account, txs []Transaction) (Account, error) {
	s, err := Fold(acct.ID, txs)
	if err != nil {
		return acct, err
	}
	s.ApplyTo(&acct)
	return acct, nil
}

// ApplyTo copies the folded balances onto acct.
func (s *State) ApplyTo(acct *Account) {
	acct.Available = s.Available
	acct.Locked = s.Locked
	acct.LifetimeEarned = s.LifetimeEarned
	acct.LifetimeExpired = s.LifetimeExpired
	if s.Unlocked {
		acct.Unlocked = true
	}
}

func bucketOrDefault(b Bucket) Bucket {
	if b == "" {
		return BucketAvailable
	}
	return b
}
