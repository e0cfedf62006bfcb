/*
deriver.go - Balance deriver

PURPOSE:
  Combines the accrual output and the paid total into the remaining balance
  and a settlement status. Pure, stateless mapping - the status is never a
  stored workflow, only a function of (paid, expected).

STATUS STATE MACHINE:
  paid == 0              -> pending
  0 < paid < expected    -> partial
  paid == expected       -> paid
  paid > expected        -> advanced

EDGE CASE:
  expected == 0 && paid == 0 -> pending, not paid. A not-yet-accruing
  obligor has not settled anything.
*/
package accrual

import (
	"github.com/shopspring/decimal"
)

// Derive returns the remaining balance (may be negative on overpayment)
// and the settlement status for the given expected/paid pair.
func Derive(expected, paid decimal.Decimal) (decimal.Decimal, SettlementStatus) {
	remaining := expected.Sub(paid)

	var status SettlementStatus
	switch {
	case paid.IsZero():
		status = StatusPending
	case paid.LessThan(expected):
		status = StatusPartial
	case paid.Equal(expected):
		status = StatusPaid
	default:
		status = StatusAdvanced
	}

	return remaining, status
}

// deriveSnapshot assembles the full snapshot from its two inputs, enforcing
// the remaining == expected - paid invariant by construction.
func deriveSnapshot(expected, paid decimal.Decimal) BalanceSnapshot {
	remaining, status := Derive(expected, paid)
	return BalanceSnapshot{
		Expected:  expected,
		Paid:      paid,
		Remaining: remaining,
		Status:    status,
	}
}
