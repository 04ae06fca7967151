/*
Package expiry removes points whose lot has passed its horizon.

PURPOSE:
  Every EARNED lot carries ExpiresAt. The sweeper walks reward accounts in
  ID order and, per account inside one Ledger.Mutate, appends one EXPIRED
  entry per due lot for exactly the lot's remaining amount. Lots already
  consumed by redemptions expire nothing, and a lot is never expired twice.

RESUMABILITY:
  The last finished account is saved as the "expiry" checkpoint. A run that
  is cancelled or crashes resumes after it; a full pass clears it.

BUCKETS:
  Points of a wallet that is still locked expire from the locked bucket,
  otherwise from available.
*/
package expiry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/salonhub/ledger-engine/ledger"
)

// CheckpointJob is the checkpoint key of the sweeper.
const CheckpointJob = "expiry"

const pageSize = 100

// Report summarizes one run.
type Report struct {
	StartedAt        time.Time
	AccountsScanned  int
	LotsExpired      int
	PointsExpired    decimal.Decimal
	FailedAccountIDs []ledger.AccountID
	Interrupted      bool
	ResumedAfter     ledger.AccountID
}

type Sweeper struct {
	ledger *ledger.Ledger
	kinds  []ledger.AccountKind
	logger *zap.Logger
}

func NewSweeper(l *ledger.Ledger, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		ledger: l,
		kinds:  []ledger.AccountKind{ledger.KindReward},
		logger: logger,
	}
}

// Run sweeps every account once. ctx is checked between accounts only:
// store calls run under a context that cancellation does not reach, so an
// account in progress and its checkpoint always commit.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	work := context.WithoutCancel(ctx)
	st := s.ledger.Store()
	report := Report{StartedAt: s.ledger.Now(), PointsExpired: decimal.Zero}

	cursor, err := st.GetCheckpoint(work, CheckpointJob)
	if err != nil {
		return report, err
	}
	report.ResumedAfter = ledger.AccountID(cursor)
	after := ledger.AccountID(cursor)

	interrupted := func() bool {
		if ctx.Err() == nil {
			return false
		}
		report.Interrupted = true
		s.logger.Info("expiry sweep interrupted",
			zap.String("checkpoint", string(after)),
			zap.Int("accounts_scanned", report.AccountsScanned))
		return true
	}

	for {
		if interrupted() {
			return report, nil
		}
		accounts, err := st.ListAccounts(work, ledger.AccountFilter{
			Kinds:   s.kinds,
			AfterID: after,
			Limit:   pageSize,
		})
		if err != nil {
			return report, err
		}

		for _, acct := range accounts {
			if interrupted() {
				return report, nil
			}

			lots, amount, err := s.sweepAccount(work, acct.ID)
			report.AccountsScanned++
			if err != nil {
				report.FailedAccountIDs = append(report.FailedAccountIDs, acct.ID)
				s.logger.Error("expiry failed for account",
					zap.String("account_id", string(acct.ID)), zap.Error(err))
			} else {
				report.LotsExpired += lots
				report.PointsExpired = report.PointsExpired.Add(amount)
			}

			after = acct.ID
			if err := st.SaveCheckpoint(work, CheckpointJob, string(after)); err != nil {
				return report, err
			}
		}

		if len(accounts) < pageSize {
			break
		}
	}

	if err := st.SaveCheckpoint(work, CheckpointJob, ""); err != nil {
		return report, err
	}
	s.logger.Info("expiry sweep finished",
		zap.Int("accounts_scanned", report.AccountsScanned),
		zap.Int("lots_expired", report.LotsExpired),
		zap.String("points_expired", report.PointsExpired.String()),
		zap.Int("failed", len(report.FailedAccountIDs)))
	return report, nil
}

func (s *Sweeper) sweepAccount(ctx context.Context, id ledger.AccountID) (int, decimal.Decimal, error) {
	var (
		count  int
		amount decimal.Decimal
	)
	err := s.ledger.Mutate(ctx, []ledger.AccountID{id}, func(sess *ledger.Session) error {
		count, amount = 0, decimal.Zero

		acct, err := sess.Account(id)
		if err != nil {
			return err
		}
		state, err := sess.State(id)
		if err != nil {
			return err
		}

		bucket := ledger.BucketAvailable
		if !acct.Unlocked {
			bucket = ledger.BucketLocked
		}

		now := sess.Now()
		for _, lot := range state.LiveLots() {
			if !lot.DueAt(now) {
				continue
			}
			if _, err := sess.Append(id, ledger.AppendInput{
				Type:    ledger.TxExpired,
				Amount:  lot.Remaining,
				Bucket:  bucket,
				OrderID: lot.OrderID,
				LotID:   lot.TransactionID,
				Reason:  "points expired",
			}); err != nil {
				return err
			}
			count++
			amount = amount.Add(lot.Remaining)
		}
		return nil
	})
	if err != nil {
		return 0, decimal.Zero, err
	}
	if count > 0 {
		s.logger.Info("points expired",
			zap.String("account_id", string(id)),
			zap.Int("lots", count),
			zap.String("amount", amount.String()))
	}
	return count, amount, nil
}
