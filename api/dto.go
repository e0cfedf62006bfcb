/*
dto.go - Request/response data structures

PURPOSE:
  JSON shapes exchanged with API clients. Kept separate from the domain
  types so wire format changes never leak into the engine.

CONVENTIONS:
  - Dates are "YYYY-MM-DD" strings
  - Timestamps are RFC3339
  - Money is a decimal string with two fraction digits ("400.00"), never
    a JSON float

SEE ALSO:
  - handlers.go: Where these are populated
*/
package api

// =============================================================================
// REQUESTS
// =============================================================================

// CreateObligorRequest onboards an obligor under the caller's tenant.
type CreateObligorRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	Cadence   string `json:"cadence"`
	Rate      string `json:"rate"`
	Category  string `json:"category"`
}

// UpdateTermsRequest changes billing terms; the balance is recomputed in
// the same unit of work.
type UpdateTermsRequest struct {
	StartDate string `json:"start_date"`
	Cadence   string `json:"cadence"`
	Rate      string `json:"rate"`
}

// PaymentRequest records or amends a payment.
type PaymentRequest struct {
	Amount        string `json:"amount"`
	EffectiveDate string `json:"effective_date"`
	Category      string `json:"category"`
	Method        string `json:"method,omitempty"`
}

// RecomputeRequest starts a tenant-wide recompute job.
type RecomputeRequest struct {
	TenantID string `json:"tenant_id,omitempty"` // defaults to caller's tenant
}

// =============================================================================
// RESPONSES
// =============================================================================

// ObligorDTO is the client view of an obligor and its current snapshot.
type ObligorDTO struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	StartDate string     `json:"start_date"`
	Cadence   string     `json:"cadence"`
	Rate      string     `json:"rate"`
	Category  string     `json:"category"`
	Balance   BalanceDTO `json:"balance"`
	Archived  bool       `json:"archived"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
}

// BalanceDTO is the persisted snapshot, never re-derived at read time.
type BalanceDTO struct {
	Expected  string `json:"expected_amount"`
	Paid      string `json:"paid_amount"`
	Remaining string `json:"remaining_amount"`
	Status    string `json:"status"`
}

// PaymentDTO is the client view of one ledger entry.
type PaymentDTO struct {
	ID            string `json:"id"`
	ObligorID     string `json:"obligor_id"`
	Amount        string `json:"amount"`
	EffectiveDate string `json:"effective_date"`
	Category      string `json:"category"`
	Method        string `json:"method,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// PaymentResponse pairs a mutated payment with the resulting balance.
type PaymentResponse struct {
	Payment PaymentDTO `json:"payment"`
	Balance BalanceDTO `json:"balance"`
}

// AuditChangeDTO is one changed field inside an audit record.
type AuditChangeDTO struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// AuditRecordDTO is one reconciliation change entry.
type AuditRecordDTO struct {
	ID        string           `json:"id"`
	ObligorID string           `json:"obligor_id"`
	ActorID   *string          `json:"actor_id"` // null for system jobs
	Changes   []AuditChangeDTO `json:"changes"`
	CreatedAt string           `json:"created_at"`
}

// RecomputeJobDTO is returned when a recompute job is started or polled.
type RecomputeJobDTO struct {
	JobID     string   `json:"job_id"`
	TenantID  string   `json:"tenant_id"`
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Failed    []string `json:"failed"`
	Done      bool     `json:"done"`
	Cancelled bool     `json:"cancelled"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
