/*
store.go - Persistence interfaces for obligors, payments, and audit records

PURPOSE:
  Defines the contract between the engine and the database. Different
  implementations can use SQLite or in-memory storage; the engine only ever
  talks to these interfaces.

KEY INTERFACES:
  Store:    Obligor, payment, snapshot, and audit persistence
  TxStore:  Store plus WithTx for atomic units of work

UNIT-OF-WORK CONTRACT:
  Every reconciliation runs inside WithTx. The Store passed to the closure
  must see writes made earlier in the same unit of work (read-your-writes):
  a payment inserted by the closure is visible to SumPayments in the same
  closure. If the closure returns an error, nothing is persisted.

SNAPSHOT DISCIPLINE:
  UpdateSnapshot is the only way snapshot fields change. CRUD paths never
  call it directly; only the reconciliation engine does.

AUDIT CONTRACT:
  AppendAudit is append-only. No update or delete operation exists for
  audit records, here or in any implementation.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - accrual/store/memory.go: In-memory for testing
*/
package accrual

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetObligor returns the obligor or nil when it does not exist.
	// Callers apply tenant scoping; the store itself is scope-agnostic.
	GetObligor(ctx context.Context, id ObligorID) (*Obligor, error)

	// InsertObligor persists a new obligor including its initial snapshot.
	InsertObligor(ctx context.Context, o *Obligor) error

	// UpdateTerms rewrites the billing terms (start date, cadence, rate).
	UpdateTerms(ctx context.Context, id ObligorID, terms BillingTerms) error

	// UpdateSnapshot rewrites the snapshot fields. Engine-only.
	UpdateSnapshot(ctx context.Context, id ObligorID, snap BalanceSnapshot) error

	// ArchiveObligor soft-archives; the obligor stays readable.
	ArchiveObligor(ctx context.Context, id ObligorID) error

	// ListObligors returns all obligors in a tenant, archived included.
	ListObligors(ctx context.Context, tenantID TenantID) ([]*Obligor, error)

	// GetTransaction returns the payment or nil when it does not exist.
	GetTransaction(ctx context.Context, id TransactionID) (*PaymentTransaction, error)

	// InsertTransaction records a payment.
	InsertTransaction(ctx context.Context, tx *PaymentTransaction) error

	// UpdateTransaction rewrites amount, effective date, and category.
	UpdateTransaction(ctx context.Context, tx *PaymentTransaction) error

	// DeleteTransaction removes a payment (correction path).
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// ListTransactions returns an obligor's payments, oldest first.
	ListTransactions(ctx context.Context, obligorID ObligorID) ([]*PaymentTransaction, error)

	// SumPayments totals payment amounts for one obligor, restricted to an
	// exact category match. Zero (never an error) when nothing matches.
	// Within WithTx it must reflect writes made earlier in the same unit
	// of work.
	SumPayments(ctx context.Context, obligorID ObligorID, category Category) (decimal.Decimal, error)

	// AppendAudit persists an audit record. Append-only.
	AppendAudit(ctx context.Context, rec *AuditRecord) error

	// ListAudit returns audit records for one obligor, newest first.
	ListAudit(ctx context.Context, tenantID TenantID, obligorID ObligorID) ([]*AuditRecord, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with atomic units of work.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
