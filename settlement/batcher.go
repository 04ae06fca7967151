/*
Package settlement pays out available balances once per period.

PURPOSE:
  Batcher.Trigger settles every eligible account of the configured kinds for
  one period key ("2024-06"). Each account is settled in its own
  Ledger.Mutate: the settlement row, the SETTLED entry, the stamping of the
  account's unsettled transactions and LastSettlementAt commit together.

IDEMPOTENCY:
  Settlements are unique per (account, period). Triggering the same period
  again skips every account already settled and settles only the rest, so a
  batch that failed half way can simply be re-run.

FAILURE ISOLATION:
  A failing account is reported in FailedAccountIDs; the batch continues.
  Notifier errors are logged and never undo a committed settlement.
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/salonhub/ledger-engine/ledger"
)

// PeriodLayout is the time layout of a period key.
const PeriodLayout = "2006-01"

var ErrInvalidPeriod = errors.New("invalid period key")

// Report summarizes one batch.
type Report struct {
	PeriodKey        string
	SettledCount     int
	TotalAmount      decimal.Decimal
	SkippedCount     int
	IneligibleCount  int
	FailedAccountIDs []ledger.AccountID
	Interrupted      bool
}

// Options configures a Batcher. Zero values fall back to defaults.
type Options struct {
	Kinds    []ledger.AccountKind // default: COMMISSION
	Workers  int                  // default: 4
	Notifier Notifier             // default: none
}

type Batcher struct {
	ledger   *ledger.Ledger
	kinds    []ledger.AccountKind
	workers  int
	notifier Notifier
	logger   *zap.Logger
}

func NewBatcher(l *ledger.Ledger, opts Options, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = []ledger.AccountKind{ledger.KindCommission}
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Batcher{
		ledger:   l,
		kinds:    opts.Kinds,
		workers:  opts.Workers,
		notifier: opts.Notifier,
		logger:   logger,
	}
}

// ValidatePeriod checks the YYYY-MM format.
func ValidatePeriod(key string) error {
	t, err := time.Parse(PeriodLayout, key)
	if err != nil || t.Format(PeriodLayout) != key {
		return fmt.Errorf("%w: %q (want YYYY-MM)", ErrInvalidPeriod, key)
	}
	return nil
}

// PreviousPeriod returns the period key of the month before now.
func PreviousPeriod(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, -1, 0).Format(PeriodLayout)
}

type outcome int

const (
	settled outcome = iota
	skipped
	ineligible
)

// Trigger settles periodKey. Cancelling ctx stops scheduling new accounts.
// Accounts already in flight run under a context cancellation does not
// reach, so they commit and are notified.
func (b *Batcher) Trigger(ctx context.Context, periodKey string) (Report, error) {
	report := Report{PeriodKey: periodKey, TotalAmount: decimal.Zero}
	if err := ValidatePeriod(periodKey); err != nil {
		return report, err
	}

	work := context.WithoutCancel(ctx)
	accounts, err := b.ledger.Store().ListAccounts(work, ledger.AccountFilter{Kinds: b.kinds})
	if err != nil {
		return report, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(b.workers)

	for _, acct := range accounts {
		if ctx.Err() != nil {
			mu.Lock()
			report.Interrupted = true
			mu.Unlock()
			break
		}
		id := acct.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				// Cancelled while this account waited for a worker slot.
				mu.Lock()
				report.Interrupted = true
				mu.Unlock()
				return nil
			}
			res, s, err := b.settleAccount(work, id, periodKey)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.FailedAccountIDs = append(report.FailedAccountIDs, id)
				b.logger.Error("settlement failed for account",
					zap.String("account_id", string(id)),
					zap.String("period", periodKey),
					zap.Error(err))
				return nil
			}
			switch res {
			case settled:
				report.SettledCount++
				report.TotalAmount = report.TotalAmount.Add(s.Amount)
			case skipped:
				report.SkippedCount++
			case ineligible:
				report.IneligibleCount++
			}
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Info("settlement batch finished",
		zap.String("period", periodKey),
		zap.Int("settled", report.SettledCount),
		zap.String("total_amount", report.TotalAmount.String()),
		zap.Int("skipped", report.SkippedCount),
		zap.Int("ineligible", report.IneligibleCount),
		zap.Int("failed", len(report.FailedAccountIDs)),
		zap.Bool("interrupted", report.Interrupted))
	return report, nil
}

func (b *Batcher) settleAccount(ctx context.Context, id ledger.AccountID, periodKey string) (outcome, ledger.Settlement, error) {
	var (
		res outcome
		out ledger.Settlement
	)
	err := b.ledger.Mutate(ctx, []ledger.AccountID{id}, func(s *ledger.Session) error {
		var err error
		res, out, err = b.settle(s, id, periodKey)
		return err
	})
	if errors.Is(err, ledger.ErrDuplicateSettlement) {
		// Another batch committed the same period first.
		return skipped, ledger.Settlement{}, nil
	}
	if err != nil {
		return 0, ledger.Settlement{}, err
	}
	if res == settled {
		b.notify(ctx, out)
	}
	return res, out, nil
}

func (b *Batcher) settle(s *ledger.Session, id ledger.AccountID, periodKey string) (outcome, ledger.Settlement, error) {
	ctx := s.Context()
	st := s.Store()

	existing, err := st.GetSettlement(ctx, id, periodKey)
	if err != nil {
		return 0, ledger.Settlement{}, err
	}
	if existing != nil {
		return skipped, ledger.Settlement{}, nil
	}

	acct, err := s.Account(id)
	if err != nil {
		return 0, ledger.Settlement{}, err
	}
	if !acct.Unlocked || !acct.Available.IsPositive() {
		return ineligible, ledger.Settlement{}, nil
	}

	txs, err := s.Transactions(id)
	if err != nil {
		return 0, ledger.Settlement{}, err
	}
	var (
		unstamped []ledger.TransactionID
		earned    int
		orders    = make(map[string]struct{})
	)
	for _, tx := range txs {
		if tx.SettlementID != "" {
			continue
		}
		unstamped = append(unstamped, tx.ID)
		if tx.Type != ledger.TxEarned {
			continue
		}
		earned++
		if tx.OrderID != "" {
			orders[tx.OrderID] = struct{}{}
		}
	}

	settlement := ledger.Settlement{
		ID:               ledger.SettlementID(uuid.NewString()),
		AccountID:        id,
		PeriodKey:        periodKey,
		Amount:           acct.Available,
		TransactionCount: earned,
		OrderCount:       len(orders),
		SettledAt:        s.Now(),
	}
	if err := st.InsertSettlement(ctx, settlement); err != nil {
		return 0, ledger.Settlement{}, err
	}
	if _, err := s.Append(id, ledger.AppendInput{
		Type:   ledger.TxSettled,
		Amount: settlement.Amount,
		Reason: "settlement " + periodKey,
	}); err != nil {
		return 0, ledger.Settlement{}, err
	}
	if len(unstamped) > 0 {
		if err := st.StampSettlement(ctx, id, settlement.ID, unstamped); err != nil {
			return 0, ledger.Settlement{}, err
		}
	}
	now := s.Now()
	if err := s.Update(id, func(a *ledger.Account) { a.LastSettlementAt = &now }); err != nil {
		return 0, ledger.Settlement{}, err
	}
	return settled, settlement, nil
}

func (b *Batcher) notify(ctx context.Context, s ledger.Settlement) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, s); err != nil {
		b.logger.Warn("payout notification failed",
			zap.String("account_id", string(s.AccountID)),
			zap.String("settlement_id", string(s.ID)),
			zap.Error(err))
	}
}
