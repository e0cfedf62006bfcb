/*
ledger.go - Transaction ledger reader

PURPOSE:
  Aggregates recorded payments for one obligor into a total-paid figure,
  filtered by obligation category. Cross-category payments (an exam fee
  against a tuition obligation) are excluded by the store-level filter.

READ-YOUR-WRITES:
  TotalPaid takes the Store of the surrounding unit of work, so a payment
  written earlier in the same WithTx closure is included in the total.
*/
package accrual

import (
	"context"

	"github.com/shopspring/decimal"
)

// TotalPaid sums all payments for the obligor whose category exactly
// matches the obligation's category. Returns zero, never an error, when no
// matching payments exist.
func TotalPaid(ctx context.Context, s Store, obligorID ObligorID, category Category) (decimal.Decimal, error) {
	total, err := s.SumPayments(ctx, obligorID, category)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}
