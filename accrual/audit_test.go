package accrual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(expected, paid string, status SettlementStatus) BalanceSnapshot {
	e, p := MustMoney(expected), MustMoney(paid)
	return BalanceSnapshot{
		Expected:  e,
		Paid:      p,
		Remaining: e.Sub(p),
		Status:    status,
	}
}

func TestNewAuditRecord_RecordsOnlyChangedFields(t *testing.T) {
	// GIVEN: Only the paid amount (and hence remaining/status) moved
	// WHEN: Diffing old against new
	// THEN: expected_amount is absent from the record

	actor := "actor-1"
	old := snap("400.00", "0", StatusPending)
	new := snap("400.00", "250.00", StatusPartial)

	rec := NewAuditRecord("tenant-1", "obl-1", &actor, old, new)
	require.NotNil(t, rec)

	fields := make(map[string]FieldChange)
	for _, c := range rec.Changes {
		fields[c.Field] = c
	}

	assert.NotContains(t, fields, "expected_amount")
	assert.Equal(t, "0.00", fields["paid_amount"].Old)
	assert.Equal(t, "250.00", fields["paid_amount"].New)
	assert.Equal(t, "400.00", fields["remaining_amount"].Old)
	assert.Equal(t, "150.00", fields["remaining_amount"].New)
	assert.Equal(t, "pending", fields["status"].Old)
	assert.Equal(t, "partial", fields["status"].New)

	require.NotNil(t, rec.ActorID)
	assert.Equal(t, "actor-1", *rec.ActorID)
}

func TestNewAuditRecord_NoChange_ReturnsNil(t *testing.T) {
	s := snap("400.00", "250.00", StatusPartial)
	assert.Nil(t, NewAuditRecord("tenant-1", "obl-1", nil, s, s))
}

func TestNewAuditRecord_SystemActorIsNil(t *testing.T) {
	old := snap("400.00", "0", StatusPending)
	new := snap("500.00", "0", StatusPending)

	rec := NewAuditRecord("tenant-1", "obl-1", nil, old, new)
	require.NotNil(t, rec)
	assert.Nil(t, rec.ActorID)
}

func TestRedactSensitive_StripsPaymentAndCredentialFields(t *testing.T) {
	meta := map[string]string{
		"note":           "late payment",
		"payment_method": "visa",
		"CardNumber":     "4111111111111111",
		"api_token":      "tok_abc",
		"bank_account_number": "12345",
	}

	clean := redactSensitive(meta)

	assert.Equal(t, map[string]string{"note": "late payment"}, clean)
}

func TestRedactSensitive_EmptyMapPassesThrough(t *testing.T) {
	assert.Empty(t, redactSensitive(nil))
}
