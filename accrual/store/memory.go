// Package store provides TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearbook/accrual-engine/accrual"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	obligors     map[accrual.ObligorID]*accrual.Obligor
	transactions map[accrual.TransactionID]*accrual.PaymentTransaction
	audit        []*accrual.AuditRecord
}

func NewMemory() *Memory {
	return &Memory{
		obligors:     make(map[accrual.ObligorID]*accrual.Obligor),
		transactions: make(map[accrual.TransactionID]*accrual.PaymentTransaction),
	}
}

func (m *Memory) GetObligor(_ context.Context, id accrual.ObligorID) (*accrual.Obligor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.obligors[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) InsertObligor(_ context.Context, o *accrual.Obligor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.obligors[o.ID]; ok {
		return fmt.Errorf("obligor %s already exists", o.ID)
	}
	cp := *o
	m.obligors[o.ID] = &cp
	return nil
}

func (m *Memory) UpdateTerms(_ context.Context, id accrual.ObligorID, terms accrual.BillingTerms) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obligors[id]
	if !ok {
		return accrual.ErrAccessDenied
	}
	o.StartDate, o.Cadence, o.Rate = terms.StartDate, terms.Cadence, terms.Rate
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateSnapshot(_ context.Context, id accrual.ObligorID, snap accrual.BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obligors[id]
	if !ok {
		return accrual.ErrAccessDenied
	}
	o.Snapshot = snap
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ArchiveObligor(_ context.Context, id accrual.ObligorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obligors[id]
	if !ok {
		return accrual.ErrAccessDenied
	}
	now := time.Now().UTC()
	o.ArchivedAt = &now
	return nil
}

func (m *Memory) ListObligors(_ context.Context, tenantID accrual.TenantID) ([]*accrual.Obligor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*accrual.Obligor
	for _, o := range m.obligors {
		if o.TenantID == tenantID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetTransaction(_ context.Context, id accrual.TransactionID) (*accrual.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

func (m *Memory) InsertTransaction(_ context.Context, tx *accrual.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *Memory) UpdateTransaction(_ context.Context, tx *accrual.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.ID]; !ok {
		return accrual.ErrTransactionNotFound
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *Memory) DeleteTransaction(_ context.Context, id accrual.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[id]; !ok {
		return accrual.ErrTransactionNotFound
	}
	delete(m.transactions, id)
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, obligorID accrual.ObligorID) ([]*accrual.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*accrual.PaymentTransaction
	for _, tx := range m.transactions {
		if tx.ObligorID == obligorID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EffectiveDate.Equal(result[j].EffectiveDate) {
			return result[i].EffectiveDate.Before(result[j].EffectiveDate)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) SumPayments(_ context.Context, obligorID accrual.ObligorID, category accrual.Category) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range m.transactions {
		if tx.ObligorID == obligorID && tx.Category == category {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

func (m *Memory) AppendAudit(_ context.Context, rec *accrual.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, tenantID accrual.TenantID, obligorID accrual.ObligorID) ([]*accrual.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*accrual.AuditRecord
	for _, rec := range m.audit {
		if rec.TenantID == tenantID && rec.ObligorID == obligorID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	// newest first
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with unit-of-work support, simulated with a full
// snapshot taken before fn runs and restored when fn fails. Writes inside
// fn go straight to the store, which gives read-your-writes for free.
type TxMemory struct {
	*Memory
	txMu sync.Mutex
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(ctx context.Context, fn func(accrual.Store) error) error {
	tm.txMu.Lock()
	defer tm.txMu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(tm.Memory); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	obligors := make(map[accrual.ObligorID]*accrual.Obligor, len(tm.obligors))
	for k, v := range tm.obligors {
		cp := *v
		obligors[k] = &cp
	}
	transactions := make(map[accrual.TransactionID]*accrual.PaymentTransaction, len(tm.transactions))
	for k, v := range tm.transactions {
		cp := *v
		transactions[k] = &cp
	}
	audit := make([]*accrual.AuditRecord, len(tm.audit))
	copy(audit, tm.audit)

	return memorySnapshot{obligors: obligors, transactions: transactions, audit: audit}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.obligors = s.obligors
	tm.transactions = s.transactions
	tm.audit = s.audit
}

type memorySnapshot struct {
	obligors     map[accrual.ObligorID]*accrual.Obligor
	transactions map[accrual.TransactionID]*accrual.PaymentTransaction
	audit        []*accrual.AuditRecord
}
