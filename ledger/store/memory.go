// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.Mutex
	d  *data
}

type data struct {
	accounts    map[ledger.AccountID]ledger.Account
	txs         map[ledger.AccountID][]ledger.Transaction
	settlements map[settlementKey]ledger.Settlement
	orders      map[string]ledger.Order
	flags       []ledger.ReviewFlag
	tiers       []ledger.CommissionTier
	checkpoints map[string]string
}

type settlementKey struct {
	AccountID ledger.AccountID
	PeriodKey string
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

func newData() *data {
	return &data{
		accounts:    make(map[ledger.AccountID]ledger.Account),
		txs:         make(map[ledger.AccountID][]ledger.Transaction),
		settlements: make(map[settlementKey]ledger.Settlement),
		orders:      make(map[string]ledger.Order),
		checkpoints: make(map[string]string),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.txs {
		c.txs[k] = append([]ledger.Transaction(nil), v...)
	}
	for k, v := range d.settlements {
		c.settlements[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	c.flags = append([]ledger.ReviewFlag(nil), d.flags...)
	c.tiers = append([]ledger.CommissionTier(nil), d.tiers...)
	for k, v := range d.checkpoints {
		c.checkpoints[k] = v
	}
	return c
}

var _ ledger.Store = (*Memory)(nil)

// WithTx executes fn under the store lock.
// Simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(&view{d: m.d}); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

// locked runs fn against the live data under the store lock.
func (m *Memory) locked(fn func(v *view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{d: m.d})
}

func (m *Memory) CreateAccount(ctx context.Context, acct ledger.Account) error {
	return m.locked(func(v *view) error { return v.CreateAccount(ctx, acct) })
}

func (m *Memory) GetAccount(ctx context.Context, id ledger.AccountID) (acct *ledger.Account, err error) {
	err = m.locked(func(v *view) error { acct, err = v.GetAccount(ctx, id); return err })
	return acct, err
}

func (m *Memory) UpdateAccount(ctx context.Context, acct ledger.Account, expectedVersion int64) error {
	return m.locked(func(v *view) error { return v.UpdateAccount(ctx, acct, expectedVersion) })
}

func (m *Memory) ListAccounts(ctx context.Context, filter ledger.AccountFilter) (out []ledger.Account, err error) {
	err = m.locked(func(v *view) error { out, err = v.ListAccounts(ctx, filter); return err })
	return out, err
}

func (m *Memory) AppendTransactions(ctx context.Context, txs []ledger.Transaction) error {
	return m.WithTx(ctx, func(s ledger.Store) error { return s.AppendTransactions(ctx, txs) })
}

func (m *Memory) Transactions(ctx context.Context, id ledger.AccountID) (out []ledger.Transaction, err error) {
	err = m.locked(func(v *view) error { out, err = v.Transactions(ctx, id); return err })
	return out, err
}

func (m *Memory) TransactionsPage(ctx context.Context, id ledger.AccountID, offset, limit int) (out []ledger.Transaction, total int, err error) {
	err = m.locked(func(v *view) error { out, total, err = v.TransactionsPage(ctx, id, offset, limit); return err })
	return out, total, err
}

func (m *Memory) StampSettlement(ctx context.Context, id ledger.AccountID, sid ledger.SettlementID, txIDs []ledger.TransactionID) error {
	return m.locked(func(v *view) error { return v.StampSettlement(ctx, id, sid, txIDs) })
}

func (m *Memory) InsertSettlement(ctx context.Context, s ledger.Settlement) error {
	return m.locked(func(v *view) error { return v.InsertSettlement(ctx, s) })
}

func (m *Memory) GetSettlement(ctx context.Context, id ledger.AccountID, periodKey string) (out *ledger.Settlement, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetSettlement(ctx, id, periodKey); return err })
	return out, err
}

func (m *Memory) ListSettlements(ctx context.Context, periodKey string) (out []ledger.Settlement, err error) {
	err = m.locked(func(v *view) error { out, err = v.ListSettlements(ctx, periodKey); return err })
	return out, err
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (out *ledger.Order, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetOrder(ctx, orderID); return err })
	return out, err
}

func (m *Memory) SaveOrder(ctx context.Context, o ledger.Order) error {
	return m.locked(func(v *view) error { return v.SaveOrder(ctx, o) })
}

func (m *Memory) CountDeliveredOrders(ctx context.Context, id ledger.AccountID) (n int, err error) {
	err = m.locked(func(v *view) error { n, err = v.CountDeliveredOrders(ctx, id); return err })
	return n, err
}

func (m *Memory) AgentSales(ctx context.Context, agentID ledger.AccountID, since time.Time) (out decimal.Decimal, err error) {
	err = m.locked(func(v *view) error { out, err = v.AgentSales(ctx, agentID, since); return err })
	return out, err
}

func (m *Memory) ListTiers(ctx context.Context) (out []ledger.CommissionTier, err error) {
	err = m.locked(func(v *view) error { out, err = v.ListTiers(ctx); return err })
	return out, err
}

func (m *Memory) ReplaceTiers(ctx context.Context, tiers []ledger.CommissionTier) error {
	return m.locked(func(v *view) error { return v.ReplaceTiers(ctx, tiers) })
}

func (m *Memory) SaveReviewFlag(ctx context.Context, f ledger.ReviewFlag) error {
	return m.locked(func(v *view) error { return v.SaveReviewFlag(ctx, f) })
}

func (m *Memory) ListReviewFlags(ctx context.Context) (out []ledger.ReviewFlag, err error) {
	err = m.locked(func(v *view) error { out, err = v.ListReviewFlags(ctx); return err })
	return out, err
}

func (m *Memory) GetCheckpoint(ctx context.Context, job string) (out string, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetCheckpoint(ctx, job); return err })
	return out, err
}

func (m *Memory) SaveCheckpoint(ctx context.Context, job, cursor string) error {
	return m.locked(func(v *view) error { return v.SaveCheckpoint(ctx, job, cursor) })
}

// =============================================================================
// VIEW - lock-free operations on data; the caller holds Memory.mu
// =============================================================================

type view struct {
	d *data
}

var _ ledger.Store = (*view)(nil)

func (v *view) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(v)
}

func (v *view) CreateAccount(_ context.Context, acct ledger.Account) error {
	if _, ok := v.d.accounts[acct.ID]; ok {
		return ledger.ErrAccountExists
	}
	v.d.accounts[acct.ID] = acct
	return nil
}

func (v *view) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	acct, ok := v.d.accounts[id]
	if !ok {
		return nil, ledger.ErrUnknownAccount
	}
	return &acct, nil
}

func (v *view) UpdateAccount(_ context.Context, acct ledger.Account, expectedVersion int64) error {
	cur, ok := v.d.accounts[acct.ID]
	if !ok {
		return ledger.ErrUnknownAccount
	}
	if cur.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	v.d.accounts[acct.ID] = acct
	return nil
}

func (v *view) ListAccounts(_ context.Context, filter ledger.AccountFilter) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range v.d.accounts {
		if filter.AfterID != "" && a.ID <= filter.AfterID {
			continue
		}
		if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, a.Kind) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) AppendTransactions(_ context.Context, txs []ledger.Transaction) error {
	for _, tx := range txs {
		cur := v.d.txs[tx.AccountID]
		if tx.Seq != int64(len(cur)+1) {
			return ledger.ErrConcurrentModification
		}
		v.d.txs[tx.AccountID] = append(cur, tx)
	}
	return nil
}

func (v *view) Transactions(_ context.Context, id ledger.AccountID) ([]ledger.Transaction, error) {
	return append([]ledger.Transaction(nil), v.d.txs[id]...), nil
}

func (v *view) TransactionsPage(_ context.Context, id ledger.AccountID, offset, limit int) ([]ledger.Transaction, int, error) {
	all := v.d.txs[id]
	total := len(all)
	var out []ledger.Transaction
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, total, nil
}

func (v *view) StampSettlement(_ context.Context, id ledger.AccountID, sid ledger.SettlementID, txIDs []ledger.TransactionID) error {
	want := make(map[ledger.TransactionID]bool, len(txIDs))
	for _, t := range txIDs {
		want[t] = true
	}
	txs := v.d.txs[id]
	for i := range txs {
		if want[txs[i].ID] && txs[i].SettlementID == "" {
			txs[i].SettlementID = sid
		}
	}
	return nil
}

func (v *view) InsertSettlement(_ context.Context, s ledger.Settlement) error {
	k := settlementKey{AccountID: s.AccountID, PeriodKey: s.PeriodKey}
	if _, ok := v.d.settlements[k]; ok {
		return ledger.ErrDuplicateSettlement
	}
	v.d.settlements[k] = s
	return nil
}

func (v *view) GetSettlement(_ context.Context, id ledger.AccountID, periodKey string) (*ledger.Settlement, error) {
	s, ok := v.d.settlements[settlementKey{AccountID: id, PeriodKey: periodKey}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (v *view) ListSettlements(_ context.Context, periodKey string) ([]ledger.Settlement, error) {
	var out []ledger.Settlement
	for k, s := range v.d.settlements {
		if periodKey == "" || k.PeriodKey == periodKey {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodKey != out[j].PeriodKey {
			return out[i].PeriodKey > out[j].PeriodKey
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (v *view) GetOrder(_ context.Context, orderID string) (*ledger.Order, error) {
	o, ok := v.d.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (v *view) SaveOrder(_ context.Context, o ledger.Order) error {
	v.d.orders[o.OrderID] = o
	return nil
}

func (v *view) CountDeliveredOrders(_ context.Context, id ledger.AccountID) (int, error) {
	n := 0
	for _, o := range v.d.orders {
		if o.AccountID == id && o.Delivered() {
			n++
		}
	}
	return n, nil
}

func (v *view) AgentSales(_ context.Context, agentID ledger.AccountID, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, o := range v.d.orders {
		if o.AgentID == agentID && o.Delivered() && !o.DeliveredAt.Before(since) {
			total = total.Add(o.Total)
		}
	}
	return total, nil
}

func (v *view) ListTiers(_ context.Context) ([]ledger.CommissionTier, error) {
	out := append([]ledger.CommissionTier(nil), v.d.tiers...)
	sort.Slice(out, func(i, j int) bool { return out[i].MinSales.LessThan(out[j].MinSales) })
	return out, nil
}

func (v *view) ReplaceTiers(_ context.Context, tiers []ledger.CommissionTier) error {
	v.d.tiers = append([]ledger.CommissionTier(nil), tiers...)
	return nil
}

func (v *view) SaveReviewFlag(_ context.Context, f ledger.ReviewFlag) error {
	v.d.flags = append(v.d.flags, f)
	return nil
}

func (v *view) ListReviewFlags(_ context.Context) ([]ledger.ReviewFlag, error) {
	return append([]ledger.ReviewFlag(nil), v.d.flags...), nil
}

func (v *view) GetCheckpoint(_ context.Context, job string) (string, error) {
	return v.d.checkpoints[job], nil
}

func (v *view) SaveCheckpoint(_ context.Context, job, cursor string) error {
	if cursor == "" {
		delete(v.d.checkpoints, job)
		return nil
	}
	v.d.checkpoints[job] = cursor
	return nil
}

func containsKind(kinds []ledger.AccountKind, k ledger.AccountKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
