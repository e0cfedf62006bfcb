/*
engine.go - Reconciliation engine

PURPOSE:
  The single writer of balance snapshot fields. Every mutation that can
  affect an obligor's expected or paid amount flows through here: the
  mutation and the reconciliation it triggers share one atomic unit of
  work, so a payment is never visible with a stale balance.

UNIT OF WORK:
  1. Acquire the obligor's lock (bounded wait -> ErrConcurrencyConflict)
  2. Open a store transaction (TxStore.WithTx)
  3. Apply the triggering mutation, if any
  4. Re-resolve the obligor, compute expected (calculator) and paid
     (ledger reader) against the same transaction, derive the snapshot
  5. Verify remaining == expected - paid; a mismatch aborts everything
  6. Skip all writes when the snapshot is unchanged (idempotence)
  7. Persist the snapshot, then append the audit diff; an audit failure
     alone is soft - logged, the commit proceeds

CONCURRENCY:
  Reconciliations for the same obligor are totally ordered by the lock
  table; different obligors never contend. An in-flight unit of work runs
  to completion or rolls back - it is never partially cancelled.

AS-OF DATE:
  The engine's Today function is the injected "current date". Pure
  computations never read a global clock; tests pin Today to a fixed date.

SEE ALSO:
  - calculator.go, ledger.go, deriver.go: The three pure stages
  - backfill.go: Drives Reconcile for every obligor in a tenant
*/
package accrual

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultLockTimeout bounds how long a reconciliation waits for another
// unit of work on the same obligor before surfacing a conflict.
const DefaultLockTimeout = 5 * time.Second

// Engine orchestrates calculator, ledger reader, and deriver inside one
// atomic unit of work per mutation.
type Engine struct {
	store  TxStore
	logger *zap.Logger
	locks  *lockTable

	// LockTimeout bounds per-obligor lock acquisition.
	LockTimeout time.Duration

	// Today supplies the as-of date for accrual. Injected so tests are
	// deterministic; defaults to the current UTC day.
	Today func() Date

	// OnAuditFailure, when set, is invoked once per soft-failed audit
	// append. Used to feed the audit failure metric.
	OnAuditFailure func()
}

// NewEngine creates an engine over the given store.
func NewEngine(store TxStore, logger *zap.Logger) *Engine {
	return &Engine{
		store:       store,
		logger:      logger,
		locks:       newLockTable(),
		LockTimeout: DefaultLockTimeout,
		Today:       func() Date { return DateOf(time.Now()) },
	}
}

// =============================================================================
// OBLIGOR LIFECYCLE
// =============================================================================

// ObligorInput carries the fields needed to onboard an obligor.
type ObligorInput struct {
	ID        ObligorID // optional; generated when empty
	Name      string
	StartDate Date
	Cadence   Cadence
	Rate      decimal.Decimal
	Category  Category
}

// CreateObligor onboards an obligor and populates its initial snapshot in
// the same unit of work.
func (e *Engine) CreateObligor(ctx context.Context, scope Scope, in ObligorInput) (*Obligor, error) {
	if err := validateTerms(BillingTerms{StartDate: in.StartDate, Cadence: in.Cadence, Rate: in.Rate}); err != nil {
		return nil, err
	}
	if in.Category == "" {
		return nil, &ValidationError{Field: "category", Reason: "is required"}
	}

	id := in.ID
	if id == "" {
		id = ObligorID(uuid.NewString())
	}

	now := time.Now().UTC()
	o := &Obligor{
		ID:        id,
		TenantID:  scope.TenantID,
		Name:      in.Name,
		StartDate: in.StartDate,
		Cadence:   in.Cadence,
		Rate:      in.Rate,
		Category:  in.Category,
		Snapshot:  zeroSnapshot(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock, err := e.locks.Acquire(ctx, id, e.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = e.store.WithTx(ctx, func(s Store) error {
		// An explicit ID must not collide with any existing obligor, own
		// tenant or not: inserting over a foreign row would hand that
		// record to the caller's tenant. The error is the same in both
		// cases so the check reveals nothing about other tenants.
		existing, err := s.GetObligor(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return &ValidationError{Field: "id", Reason: "already in use"}
		}

		if err := s.InsertObligor(ctx, o); err != nil {
			return err
		}
		snap, err := e.reconcileInTx(ctx, s, scope, o)
		if err != nil {
			return err
		}
		o.Snapshot = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateBillingTerms changes start date, cadence, or rate and reconciles.
func (e *Engine) UpdateBillingTerms(ctx context.Context, scope Scope, id ObligorID, terms BillingTerms) (BalanceSnapshot, error) {
	if err := validateTerms(terms); err != nil {
		return BalanceSnapshot{}, err
	}

	unlock, err := e.locks.Acquire(ctx, id, e.LockTimeout)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	defer unlock()

	var snap BalanceSnapshot
	err = e.store.WithTx(ctx, func(s Store) error {
		o, err := resolveObligor(ctx, s, scope, id)
		if err != nil {
			return err
		}
		if err := s.UpdateTerms(ctx, id, terms); err != nil {
			return err
		}
		o.StartDate, o.Cadence, o.Rate = terms.StartDate, terms.Cadence, terms.Rate

		snap, err = e.reconcileInTx(ctx, s, scope, o)
		return err
	})
	return snap, err
}

// ArchiveObligor soft-archives. Payments stay; the snapshot is frozen at
// its last reconciled values until a manual refresh.
func (e *Engine) ArchiveObligor(ctx context.Context, scope Scope, id ObligorID) error {
	unlock, err := e.locks.Acquire(ctx, id, e.LockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	return e.store.WithTx(ctx, func(s Store) error {
		if _, err := resolveObligor(ctx, s, scope, id); err != nil {
			return err
		}
		return s.ArchiveObligor(ctx, id)
	})
}

// =============================================================================
// PAYMENT MUTATIONS - each reconciles before commit
// =============================================================================

// PaymentInput carries the fields of a recorded payment.
type PaymentInput struct {
	Amount        decimal.Decimal
	EffectiveDate Date
	Category      Category
	Method        string
}

func (in PaymentInput) validate() error {
	if !in.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if in.EffectiveDate.IsZero() {
		return &ValidationError{Field: "effective_date", Reason: "is required"}
	}
	if in.Category == "" {
		return &ValidationError{Field: "category", Reason: "is required"}
	}
	return nil
}

// RecordPayment inserts a payment and reconciles in the same unit of work.
// The new payment is visible to the paid total before commit.
func (e *Engine) RecordPayment(ctx context.Context, scope Scope, obligorID ObligorID, in PaymentInput) (*PaymentTransaction, BalanceSnapshot, error) {
	if err := in.validate(); err != nil {
		return nil, BalanceSnapshot{}, err
	}

	unlock, err := e.locks.Acquire(ctx, obligorID, e.LockTimeout)
	if err != nil {
		return nil, BalanceSnapshot{}, err
	}
	defer unlock()

	var (
		tx   *PaymentTransaction
		snap BalanceSnapshot
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		o, err := resolveObligor(ctx, s, scope, obligorID)
		if err != nil {
			return err
		}
		if o.Archived() {
			return ErrObligorArchived
		}

		tx = &PaymentTransaction{
			ID:            TransactionID(uuid.NewString()),
			ObligorID:     obligorID,
			TenantID:      scope.TenantID,
			Amount:        in.Amount,
			EffectiveDate: in.EffectiveDate,
			Category:      in.Category,
			Method:        in.Method,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.InsertTransaction(ctx, tx); err != nil {
			return err
		}

		snap, err = e.reconcileInTx(ctx, s, scope, o)
		return err
	})
	if err != nil {
		return nil, BalanceSnapshot{}, err
	}
	return tx, snap, nil
}

// AmendPayment corrects a recorded payment and reconciles.
func (e *Engine) AmendPayment(ctx context.Context, scope Scope, id TransactionID, in PaymentInput) (*PaymentTransaction, BalanceSnapshot, error) {
	if err := in.validate(); err != nil {
		return nil, BalanceSnapshot{}, err
	}

	// The obligor is only known after loading the payment, so resolve it
	// outside the lock, then lock and re-resolve inside the unit of work.
	existing, err := resolveTransaction(ctx, e.store, scope, id)
	if err != nil {
		return nil, BalanceSnapshot{}, err
	}

	unlock, err := e.locks.Acquire(ctx, existing.ObligorID, e.LockTimeout)
	if err != nil {
		return nil, BalanceSnapshot{}, err
	}
	defer unlock()

	var (
		tx   *PaymentTransaction
		snap BalanceSnapshot
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		cur, err := resolveTransaction(ctx, s, scope, id)
		if err != nil {
			return err
		}
		o, err := resolveObligor(ctx, s, scope, cur.ObligorID)
		if err != nil {
			return err
		}

		cur.Amount = in.Amount
		cur.EffectiveDate = in.EffectiveDate
		cur.Category = in.Category
		if in.Method != "" {
			cur.Method = in.Method
		}
		if err := s.UpdateTransaction(ctx, cur); err != nil {
			return err
		}
		tx = cur

		snap, err = e.reconcileInTx(ctx, s, scope, o)
		return err
	})
	if err != nil {
		return nil, BalanceSnapshot{}, err
	}
	return tx, snap, nil
}

// VoidPayment deletes a recorded payment and reconciles.
func (e *Engine) VoidPayment(ctx context.Context, scope Scope, id TransactionID) (BalanceSnapshot, error) {
	existing, err := resolveTransaction(ctx, e.store, scope, id)
	if err != nil {
		return BalanceSnapshot{}, err
	}

	unlock, err := e.locks.Acquire(ctx, existing.ObligorID, e.LockTimeout)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	defer unlock()

	var snap BalanceSnapshot
	err = e.store.WithTx(ctx, func(s Store) error {
		cur, err := resolveTransaction(ctx, s, scope, id)
		if err != nil {
			return err
		}
		o, err := resolveObligor(ctx, s, scope, cur.ObligorID)
		if err != nil {
			return err
		}
		if err := s.DeleteTransaction(ctx, id); err != nil {
			return err
		}

		snap, err = e.reconcileInTx(ctx, s, scope, o)
		return err
	})
	return snap, err
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile recomputes and persists the snapshot for one obligor with no
// triggering mutation (manual refresh, backfill). Calling it twice in a row
// yields identical snapshots and no second audit record.
func (e *Engine) Reconcile(ctx context.Context, scope Scope, id ObligorID) (BalanceSnapshot, error) {
	unlock, err := e.locks.Acquire(ctx, id, e.LockTimeout)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	defer unlock()

	var snap BalanceSnapshot
	err = e.store.WithTx(ctx, func(s Store) error {
		o, err := resolveObligor(ctx, s, scope, id)
		if err != nil {
			return err
		}
		snap, err = e.reconcileInTx(ctx, s, scope, o)
		return err
	})
	return snap, err
}

// reconcileInTx is the shared tail of every unit of work: compute, verify,
// persist, audit. Callers hold the obligor lock and the store transaction.
func (e *Engine) reconcileInTx(ctx context.Context, s Store, scope Scope, o *Obligor) (BalanceSnapshot, error) {
	asOf := e.Today()

	expected, err := ExpectedAmount(o.StartDate, o.Cadence, o.Rate, asOf)
	if err != nil {
		return BalanceSnapshot{}, err
	}

	paid, err := TotalPaid(ctx, s, o.ID, o.Category)
	if err != nil {
		return BalanceSnapshot{}, err
	}

	snap := deriveSnapshot(expected, paid)

	// remaining == expected - paid is a hard invariant. deriveSnapshot
	// establishes it by construction; verify anyway so a future regression
	// aborts the unit of work instead of persisting drift.
	if !snap.Remaining.Equal(expected.Sub(paid)) {
		return BalanceSnapshot{}, &ConsistencyError{
			ObligorID: o.ID,
			Expected:  expected,
			Paid:      paid,
			Remaining: snap.Remaining,
		}
	}

	old := o.Snapshot
	if snap.Equal(old) {
		// Nothing changed: skip both writes so a repeated reconcile is a
		// true no-op and never duplicates audit records.
		return snap, nil
	}

	if err := s.UpdateSnapshot(ctx, o.ID, snap); err != nil {
		return BalanceSnapshot{}, err
	}
	o.Snapshot = snap

	if rec := NewAuditRecord(o.TenantID, o.ID, scope.ActorID, old, snap); rec != nil {
		if err := s.AppendAudit(ctx, rec); err != nil {
			// Soft failure: audit completeness is desirable, balance
			// consistency is the hard invariant. Log and commit.
			e.logger.Warn("audit write failed",
				zap.String("obligor_id", string(o.ID)),
				zap.String("tenant_id", string(o.TenantID)),
				zap.Error(err))
			if e.OnAuditFailure != nil {
				e.OnAuditFailure()
			}
		}
	}

	e.logger.Debug("reconciled obligor",
		zap.String("obligor_id", string(o.ID)),
		zap.String("tenant_id", string(o.TenantID)),
		zap.String("expected", snap.Expected.StringFixed(2)),
		zap.String("paid", snap.Paid.StringFixed(2)),
		zap.String("remaining", snap.Remaining.StringFixed(2)),
		zap.String("status", string(snap.Status)))

	return snap, nil
}

// =============================================================================
// READS
// =============================================================================

// GetObligor returns a tenant-scoped obligor with its persisted snapshot.
// Readers consume the snapshot fields as-is; they never re-derive them.
func (e *Engine) GetObligor(ctx context.Context, scope Scope, id ObligorID) (*Obligor, error) {
	return resolveObligor(ctx, e.store, scope, id)
}

// ListObligors returns all obligors in the caller's tenant.
func (e *Engine) ListObligors(ctx context.Context, scope Scope) ([]*Obligor, error) {
	return e.store.ListObligors(ctx, scope.TenantID)
}

// ListPayments returns an obligor's payments, tenant-scoped.
func (e *Engine) ListPayments(ctx context.Context, scope Scope, id ObligorID) ([]*PaymentTransaction, error) {
	if _, err := resolveObligor(ctx, e.store, scope, id); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, id)
}

// ListAudit returns an obligor's audit trail, tenant-scoped, newest first.
func (e *Engine) ListAudit(ctx context.Context, scope Scope, id ObligorID) ([]*AuditRecord, error) {
	if _, err := resolveObligor(ctx, e.store, scope, id); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, scope.TenantID, id)
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateTerms(terms BillingTerms) error {
	if terms.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "is required"}
	}
	if !terms.Cadence.Valid() {
		return &ValidationError{Field: "cadence", Reason: "must be monthly or annual"}
	}
	if terms.Rate.IsNegative() {
		return &ValidationError{Field: "rate", Reason: "must be non-negative"}
	}
	return nil
}
