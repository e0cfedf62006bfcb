/*
handlers.go - HTTP API handlers for the accrual & reconciliation engine

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, tenant scoping, and delegates to
  domain logic.

ENDPOINTS:
  Obligors:
    POST   /api/obligors                    Create obligor (initial reconcile)
    GET    /api/obligors                    List tenant obligors
    GET    /api/obligors/{id}               Obligor + snapshot
    PUT    /api/obligors/{id}/terms         Change billing terms (reconciles)
    POST   /api/obligors/{id}/archive       Soft archive
    GET    /api/obligors/{id}/balance       Snapshot fields only

  Payments:
    POST   /api/obligors/{id}/payments      Record payment (reconciles)
    GET    /api/obligors/{id}/payments      List payments
    PUT    /api/payments/{id}               Amend payment (reconciles)
    DELETE /api/payments/{id}               Void payment (reconciles)

  Reconciliation:
    POST   /api/obligors/{id}/reconcile     Manual refresh
    GET    /api/obligors/{id}/audit         Audit trail

  Admin:
    POST   /api/admin/recompute             Start tenant recompute job
    GET    /api/admin/recompute/{jobID}     Poll job progress
    DELETE /api/admin/recompute/{jobID}     Cancel a running job

TENANT SCOPING:
  Every /api request carries X-Tenant-ID (required) and X-Actor-ID
  (optional; absent for system callers). Authentication of those headers
  is a gateway concern and out of scope here.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, mutations against archived obligors
  - 404: Unknown obligor/payment - including ones owned by another tenant,
         which must be indistinguishable from missing
  - 409: Per-obligor lock still contended after bounded retries with
         backoff (transient; the client may retry)
  - 500: Consistency violations and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - jobs.go: Recompute job registry
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearbook/accrual-engine/accrual"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *accrual.Engine
	Backfill *accrual.Backfill
	Jobs     *jobRegistry
	Logger   *zap.Logger
	Metrics  *Metrics
}

// NewHandler wires the engine and its recompute job into HTTP handlers.
func NewHandler(engine *accrual.Engine, backfill *accrual.Backfill, logger *zap.Logger, metrics *Metrics) *Handler {
	engine.OnAuditFailure = func() { metrics.AuditWriteFailures.Inc() }
	return &Handler{
		Engine:   engine,
		Backfill: backfill,
		Jobs:     newJobRegistry(),
		Logger:   logger,
		Metrics:  metrics,
	}
}

// Lock conflicts are transient: the obligor was just busy. Handlers retry
// a bounded number of times with linear backoff before surfacing 409.
const (
	conflictRetries = 3
	conflictBackoff = 50 * time.Millisecond
)

func retryOnConflict(ctx context.Context, fn func() error) error {
	err := fn()
	for attempt := 1; attempt < conflictRetries && accrual.IsRetryable(err); attempt++ {
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * conflictBackoff):
		}
		err = fn()
	}
	return err
}

// scopeFrom builds the caller's scope from the tenant/actor headers.
func scopeFrom(r *http.Request) (accrual.Scope, bool) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		return accrual.Scope{}, false
	}
	if actorID := r.Header.Get("X-Actor-ID"); actorID != "" {
		return accrual.UserScope(accrual.TenantID(tenantID), actorID), true
	}
	return accrual.SystemScope(accrual.TenantID(tenantID)), true
}

// =============================================================================
// OBLIGOR HANDLERS
// =============================================================================

// CreateObligor onboards an obligor; its first snapshot is computed in the
// same unit of work, so the response never shows an empty balance for an
// already-accruing start date.
func (h *Handler) CreateObligor(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	var req CreateObligorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in, err := parseObligorInput(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var o *accrual.Obligor
	err = retryOnConflict(r.Context(), func() (e error) {
		o, e = h.Engine.CreateObligor(r.Context(), scope, in)
		return e
	})
	h.Metrics.observeOutcome(err)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toObligorDTO(o))
}

// ListObligors returns all obligors in the caller's tenant.
func (h *Handler) ListObligors(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	obligors, err := h.Engine.ListObligors(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligors", err)
		return
	}

	dtos := make([]ObligorDTO, len(obligors))
	for i, o := range obligors {
		dtos[i] = toObligorDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetObligor returns one obligor with its persisted snapshot.
func (h *Handler) GetObligor(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	o, err := h.Engine.GetObligor(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toObligorDTO(o))
}

// UpdateTerms changes billing terms and returns the reconciled balance.
func (h *Handler) UpdateTerms(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	var req UpdateTermsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	terms, err := parseTerms(req.StartDate, req.Cadence, req.Rate)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var snap accrual.BalanceSnapshot
	err = retryOnConflict(r.Context(), func() (e error) {
		snap, e = h.Engine.UpdateBillingTerms(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")), terms)
		return e
	})
	h.Metrics.observeOutcome(err)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(snap))
}

// ArchiveObligor soft-archives an obligor. The snapshot freezes at its
// last reconciled values.
func (h *Handler) ArchiveObligor(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	err := retryOnConflict(r.Context(), func() error {
		return h.Engine.ArchiveObligor(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")))
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBalance returns the persisted snapshot fields, never re-derived.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	o, err := h.Engine.GetObligor(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(o.Snapshot))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment inserts a payment; the response carries the balance the
// same unit of work produced.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	in, err := decodePayment(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var (
		tx   *accrual.PaymentTransaction
		snap accrual.BalanceSnapshot
	)
	err = retryOnConflict(r.Context(), func() (e error) {
		tx, snap, e = h.Engine.RecordPayment(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")), in)
		return e
	})
	h.Metrics.observeOutcome(err)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, PaymentResponse{
		Payment: toPaymentDTO(tx),
		Balance: toBalanceDTO(snap),
	})
}

// ListPayments returns an obligor's payments ordered by effective date.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	payments, err := h.Engine.ListPayments(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, tx := range payments {
		dtos[i] = toPaymentDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AmendPayment replaces a payment's amount, date, category, or method.
func (h *Handler) AmendPayment(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	in, err := decodePayment(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var (
		tx   *accrual.PaymentTransaction
		snap accrual.BalanceSnapshot
	)
	err = retryOnConflict(r.Context(), func() (e error) {
		tx, snap, e = h.Engine.AmendPayment(r.Context(), scope, accrual.TransactionID(chi.URLParam(r, "id")), in)
		return e
	})
	h.Metrics.observeOutcome(err)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PaymentResponse{
		Payment: toPaymentDTO(tx),
		Balance: toBalanceDTO(snap),
	})
}

// VoidPayment removes a payment and returns the corrected balance.
func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	var snap accrual.BalanceSnapshot
	err := retryOnConflict(r.Context(), func() (e error) {
		snap, e = h.Engine.VoidPayment(r.Context(), scope, accrual.TransactionID(chi.URLParam(r, "id")))
		return e
	})
	h.Metrics.observeOutcome(err)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(snap))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// Reconcile refreshes an obligor's snapshot against today's accrual.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	var snap accrual.BalanceSnapshot
	err := retryOnConflict(r.Context(), func() (e error) {
		snap, e = h.Engine.Reconcile(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")))
		return e
	})
	h.Metrics.observeOutcome(err)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(snap))
}

// ListAudit returns the obligor's reconciliation change history, newest
// first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	records, err := h.Engine.ListAudit(r.Context(), scope, accrual.ObligorID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]AuditRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toAuditDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// StartRecompute launches a tenant-wide recompute job and returns its ID.
func (h *Handler) StartRecompute(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	var req RecomputeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	tenantID := scope.TenantID
	if req.TenantID != "" && req.TenantID != string(tenantID) {
		// Recompute is tenant-scoped like everything else.
		writeError(w, http.StatusNotFound, "obligor not found", nil)
		return
	}

	h.Metrics.RecomputeRunning.Inc()
	job := h.Jobs.start(h.Backfill, tenantID, func() {
		h.Metrics.RecomputeRunning.Dec()
	})

	h.Logger.Info("recompute job started",
		zap.String("job_id", job.id),
		zap.String("tenant_id", string(tenantID)))

	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

// GetRecomputeJob polls a recompute job's progress and failures.
func (h *Handler) GetRecomputeJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	job := h.Jobs.get(chi.URLParam(r, "jobID"), scope.TenantID)
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toJobDTO(job))
}

// CancelRecompute requests cooperative cancellation of a running job. The
// in-flight obligor finishes or rolls back whole; the job stops before the
// next one.
func (h *Handler) CancelRecompute(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
		return
	}

	job := h.Jobs.get(chi.URLParam(r, "jobID"), scope.TenantID)
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}

	job.cancel()
	h.Logger.Info("recompute job cancellation requested",
		zap.String("job_id", job.id),
		zap.String("tenant_id", string(scope.TenantID)))

	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PARSING
// =============================================================================

func parseObligorInput(req CreateObligorRequest) (accrual.ObligorInput, error) {
	terms, err := parseTerms(req.StartDate, req.Cadence, req.Rate)
	if err != nil {
		return accrual.ObligorInput{}, err
	}
	return accrual.ObligorInput{
		ID:        accrual.ObligorID(req.ID),
		Name:      req.Name,
		StartDate: terms.StartDate,
		Cadence:   terms.Cadence,
		Rate:      terms.Rate,
		Category:  accrual.Category(req.Category),
	}, nil
}

func parseTerms(startDate, cadence, rate string) (accrual.BillingTerms, error) {
	start, err := accrual.ParseDate(startDate)
	if err != nil {
		return accrual.BillingTerms{}, &accrual.ValidationError{Field: "start_date", Reason: "must be YYYY-MM-DD"}
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return accrual.BillingTerms{}, &accrual.ValidationError{Field: "rate", Reason: "must be a decimal string"}
	}
	return accrual.BillingTerms{
		StartDate: start,
		Cadence:   accrual.Cadence(cadence),
		Rate:      r,
	}, nil
}

func decodePayment(r *http.Request) (accrual.PaymentInput, error) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return accrual.PaymentInput{}, &accrual.ValidationError{Field: "body", Reason: "invalid JSON"}
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return accrual.PaymentInput{}, &accrual.ValidationError{Field: "amount", Reason: "must be a decimal string"}
	}
	effective, err := accrual.ParseDate(req.EffectiveDate)
	if err != nil {
		return accrual.PaymentInput{}, &accrual.ValidationError{Field: "effective_date", Reason: "must be YYYY-MM-DD"}
	}

	return accrual.PaymentInput{
		Amount:        amount,
		EffectiveDate: effective,
		Category:      accrual.Category(req.Category),
		Method:        req.Method,
	}, nil
}

// =============================================================================
// DTO MAPPING
// =============================================================================

func toObligorDTO(o *accrual.Obligor) ObligorDTO {
	return ObligorDTO{
		ID:        string(o.ID),
		TenantID:  string(o.TenantID),
		Name:      o.Name,
		StartDate: o.StartDate.String(),
		Cadence:   string(o.Cadence),
		Rate:      o.Rate.StringFixed(2),
		Category:  string(o.Category),
		Balance:   toBalanceDTO(o.Snapshot),
		Archived:  o.Archived(),
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		UpdatedAt: o.UpdatedAt.Format(time.RFC3339),
	}
}

func toBalanceDTO(snap accrual.BalanceSnapshot) BalanceDTO {
	return BalanceDTO{
		Expected:  snap.Expected.StringFixed(2),
		Paid:      snap.Paid.StringFixed(2),
		Remaining: snap.Remaining.StringFixed(2),
		Status:    string(snap.Status),
	}
}

func toPaymentDTO(tx *accrual.PaymentTransaction) PaymentDTO {
	return PaymentDTO{
		ID:            string(tx.ID),
		ObligorID:     string(tx.ObligorID),
		Amount:        tx.Amount.StringFixed(2),
		EffectiveDate: tx.EffectiveDate.String(),
		Category:      string(tx.Category),
		Method:        tx.Method,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
}

func toAuditDTO(rec *accrual.AuditRecord) AuditRecordDTO {
	changes := make([]AuditChangeDTO, len(rec.Changes))
	for i, c := range rec.Changes {
		changes[i] = AuditChangeDTO{Field: c.Field, Old: c.Old, New: c.New}
	}
	return AuditRecordDTO{
		ID:        string(rec.ID),
		ObligorID: string(rec.ObligorID),
		ActorID:   rec.ActorID,
		Changes:   changes,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}
}

func toJobDTO(job *recomputeJob) RecomputeJobDTO {
	p := job.report.Progress()
	failed := make([]string, len(p.Failed))
	for i, id := range p.Failed {
		failed[i] = string(id)
	}
	return RecomputeJobDTO{
		JobID:     job.id,
		TenantID:  string(job.tenantID),
		Total:     p.Total,
		Processed: p.Processed,
		Failed:    failed,
		Done:      p.Done,
		Cancelled: p.Cancelled,
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// writeEngineError maps domain errors onto HTTP statuses. Cross-tenant and
// missing obligors produce the same 404 body.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case accrual.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case accrual.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case accrual.IsRetryable(err):
		writeError(w, http.StatusConflict, "Obligor is busy, retry later", err)
	case errors.Is(err, accrual.ErrConsistencyViolation):
		writeError(w, http.StatusInternalServerError, "Balance consistency violation", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func classifyOutcome(err error) string {
	switch {
	case accrual.IsRetryable(err):
		return outcomeConflict
	case accrual.IsClientError(err) || accrual.IsNotFound(err):
		return outcomeRejected
	default:
		return outcomeError
	}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusLabel buckets a status code for the request counter.
func statusLabel(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
