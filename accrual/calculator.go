/*
calculator.go - Accrual calculator

PURPOSE:
  Computes the amount expected to have accrued for an obligor as of a given
  date. Pure function of (start date, cadence, rate, as-of date): no I/O,
  no clock access, fully deterministic, trivially unit-testable.

MONTHLY CADENCE:
  expected = rate * months elapsed, where months are counted with the
  inclusive anniversary rule in date.go (a partial month in progress counts
  as one full unit - bill at start of period).

ANNUAL CADENCE:
  The same elapsed-months figure, with the partial year prorated linearly:
  expected = rate * floor(months/12) + rate * (months mod 12)/12.
  Linear proration is a policy decision; see DESIGN.md.

ROUNDING:
  Half-up to 2 decimal places, once, at the end. Intermediate values stay
  at full precision so a 4-month accrual of 33.333../month never drifts.

SEE ALSO:
  - date.go: MonthsElapsed
  - deriver.go: Consumes the result together with the paid total
*/
package accrual

import (
	"github.com/shopspring/decimal"
)

var monthsPerYear = decimal.NewFromInt(12)

// ExpectedAmount returns the amount expected to have accrued between the
// obligor's start date and asOf.
//
// Preconditions: rate >= 0 and a known cadence, else ErrValidation.
// A start date after asOf accrues nothing (no negative accrual).
func ExpectedAmount(start Date, cadence Cadence, rate decimal.Decimal, asOf Date) (decimal.Decimal, error) {
	if rate.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "rate", Reason: "must be non-negative"}
	}
	if !cadence.Valid() {
		return decimal.Zero, &ValidationError{Field: "cadence", Reason: "must be monthly or annual"}
	}

	months := MonthsElapsed(start, asOf)
	if months == 0 {
		return decimal.Zero, nil
	}

	m := decimal.NewFromInt(int64(months))

	var expected decimal.Decimal
	switch cadence {
	case CadenceMonthly:
		expected = rate.Mul(m)
	case CadenceAnnual:
		wholeYears := decimal.NewFromInt(int64(months / 12))
		partialMonths := decimal.NewFromInt(int64(months % 12))
		expected = rate.Mul(wholeYears).Add(rate.Mul(partialMonths).Div(monthsPerYear))
	}

	return roundMoney(expected), nil
}
