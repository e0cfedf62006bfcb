/*
Package accrual provides the accrual and reconciliation engine.

PURPOSE:
  This package contains the types and algorithms for keeping an obligor's
  financial snapshot consistent with its source of truth. Whether tracking a
  student's tuition or a staff member's salary, the same engine computes the
  amount expected to have accrued, aggregates recorded payments, derives a
  settlement status, and persists the result atomically.

KEY CONCEPTS IN THIS FILE (types.go):
  - Obligor: A party with a recurring financial obligation
  - PaymentTransaction: A recorded payment against one obligor
  - BalanceSnapshot: The derived {expected, paid, remaining, status} cache
  - AuditRecord: An immutable record of what a reconciliation changed
  - Tenant/Obligor/Transaction IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Single writer: Only the reconciliation engine mutates snapshot fields
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Derived, not authored: The snapshot is a cache of a pure computation;
     the source of truth is (start date, cadence, rate, as-of date, payments)
  4. Tenant isolation: Every read and write is scoped to one tenant

SEE ALSO:
  - calculator.go: Expected-amount computation
  - deriver.go: Remaining balance and settlement status
  - engine.go: The reconciliation unit of work
*/
package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type ObligorID string
type TransactionID string

// =============================================================================
// MONEY - Single-currency decimal amounts
// =============================================================================

// MustMoney parses a decimal string, returning zero on failure.
// For literals in tests and fixtures.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// roundMoney rounds to the smallest currency unit (2 decimal places),
// half-up. Applied once at the end of a computation, never on
// intermediate values.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// =============================================================================
// CADENCE - Billing frequency
// =============================================================================

type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceAnnual  Cadence = "annual"
)

// Valid reports whether the cadence is one of the known values.
func (c Cadence) Valid() bool {
	return c == CadenceMonthly || c == CadenceAnnual
}

// =============================================================================
// CATEGORY - Obligation type tag
// =============================================================================

// Category distinguishes what a payment is meant to satisfy. A payment
// tagged for an unrelated category never counts toward an obligation's
// balance (e.g. an exam-fee payment against a tuition obligation).
type Category string

const (
	CategoryTuition Category = "tuition"
	CategorySalary  Category = "salary"
)

// =============================================================================
// SETTLEMENT STATUS
// =============================================================================

type SettlementStatus string

const (
	StatusPending  SettlementStatus = "pending"  // nothing paid yet
	StatusPartial  SettlementStatus = "partial"  // 0 < paid < expected
	StatusPaid     SettlementStatus = "paid"     // paid == expected exactly
	StatusAdvanced SettlementStatus = "advanced" // paid > expected (overpayment)
)

// =============================================================================
// OBLIGOR - Party with a financial obligation
// =============================================================================

// Obligor is a tuition-paying student or a salaried staff member. Billing
// terms (StartDate, Cadence, Rate) plus the payment set are the source of
// truth; the Snapshot fields are a cache maintained by the engine.
type Obligor struct {
	ID        ObligorID
	TenantID  TenantID
	Name      string
	StartDate Date    // enrollment or hire date
	Cadence   Cadence // monthly | annual
	Rate      decimal.Decimal
	Category  Category

	// Snapshot fields. Written only by the reconciliation engine.
	Snapshot BalanceSnapshot

	ArchivedAt *time.Time // soft archive; never hard-deleted while payments reference it
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Archived reports whether the obligor has been soft-archived.
func (o *Obligor) Archived() bool { return o.ArchivedAt != nil }

// BillingTerms is the mutable subset of an obligor that affects accrual.
type BillingTerms struct {
	StartDate Date
	Cadence   Cadence
	Rate      decimal.Decimal
}

// =============================================================================
// PAYMENT TRANSACTION
// =============================================================================

// PaymentTransaction is a single recorded payment or disbursement against
// one obligor. Immutable in principle once audit-logged; corrections via
// amend/void re-trigger reconciliation.
type PaymentTransaction struct {
	ID            TransactionID
	ObligorID     ObligorID
	TenantID      TenantID
	Amount        decimal.Decimal // positive
	EffectiveDate Date
	Category      Category
	Method        string // cash, transfer, ... Never copied into audit records.
	CreatedAt     time.Time
}

// =============================================================================
// BALANCE SNAPSHOT - Derived settlement state
// =============================================================================

// BalanceSnapshot is the persisted result of a reconciliation.
// Invariant after every reconciliation: Remaining == Expected - Paid.
// Remaining may be negative (overpayment).
type BalanceSnapshot struct {
	Expected  decimal.Decimal
	Paid      decimal.Decimal
	Remaining decimal.Decimal
	Status    SettlementStatus
}

// Equal reports byte-identical snapshots: same amounts (including scale-
// insensitive decimal equality) and same status. Used for the idempotence
// check that suppresses duplicate writes.
func (s BalanceSnapshot) Equal(other BalanceSnapshot) bool {
	return s.Expected.Equal(other.Expected) &&
		s.Paid.Equal(other.Paid) &&
		s.Remaining.Equal(other.Remaining) &&
		s.Status == other.Status
}

// zeroSnapshot is the snapshot of an obligor with no accrual and no payments.
func zeroSnapshot() BalanceSnapshot {
	return BalanceSnapshot{
		Expected:  decimal.Zero,
		Paid:      decimal.Zero,
		Remaining: decimal.Zero,
		Status:    StatusPending,
	}
}

// =============================================================================
// AUDIT RECORD - Immutable append-only change log
// =============================================================================

// FieldChange holds the before/after values of one snapshot field.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// AuditRecord is written only by the reconciliation engine and the backfill
// job, never by CRUD handlers. It is never updated or deleted.
type AuditRecord struct {
	ID        string
	TenantID  TenantID
	ObligorID ObligorID
	ActorID   *string // nil for system jobs
	Changes   []FieldChange
	CreatedAt time.Time
}
