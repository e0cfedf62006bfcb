/*
audit.go - Audit recorder

PURPOSE:
  Builds the immutable record of what a reconciliation changed. Only the
  fields that differ between the old and new snapshot are recorded (never
  the full row - storage growth stays proportional to actual change), and
  only by the reconciliation engine or the backfill job, never by a CRUD
  handler.

REDACTION:
  Payment-method and credential-like fields from upstream must never leak
  into the audit trail. The recorder only ever serializes snapshot fields,
  and redactSensitive guards any future metadata passthrough.
*/
package accrual

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// sensitiveFields are upstream field names that must never appear in an
// audit record, matched case-insensitively as substrings.
var sensitiveFields = []string{
	"payment_method",
	"card",
	"account_number",
	"credential",
	"secret",
	"token",
}

// NewAuditRecord diffs two snapshots and returns a record holding only the
// changed fields, or nil when nothing changed (no record is ever written
// for a no-op reconciliation).
func NewAuditRecord(tenantID TenantID, obligorID ObligorID, actorID *string, old, new BalanceSnapshot) *AuditRecord {
	changes := diffSnapshots(old, new)
	if len(changes) == 0 {
		return nil
	}
	return &AuditRecord{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ObligorID: obligorID,
		ActorID:   actorID,
		Changes:   changes,
		CreatedAt: time.Now().UTC(),
	}
}

func diffSnapshots(old, new BalanceSnapshot) []FieldChange {
	var changes []FieldChange

	if !old.Expected.Equal(new.Expected) {
		changes = append(changes, FieldChange{Field: "expected_amount", Old: old.Expected.StringFixed(2), New: new.Expected.StringFixed(2)})
	}
	if !old.Paid.Equal(new.Paid) {
		changes = append(changes, FieldChange{Field: "paid_amount", Old: old.Paid.StringFixed(2), New: new.Paid.StringFixed(2)})
	}
	if !old.Remaining.Equal(new.Remaining) {
		changes = append(changes, FieldChange{Field: "remaining_amount", Old: old.Remaining.StringFixed(2), New: new.Remaining.StringFixed(2)})
	}
	if old.Status != new.Status {
		changes = append(changes, FieldChange{Field: "status", Old: string(old.Status), New: string(new.Status)})
	}

	return changes
}

// redactSensitive strips keys that look like payment-method or credential
// fields from a metadata map before it can reach an audit record.
func redactSensitive(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return meta
	}
	clean := make(map[string]string, len(meta))
	for k, v := range meta {
		if isSensitiveField(k) {
			continue
		}
		clean[k] = v
	}
	return clean
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
