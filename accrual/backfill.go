/*
backfill.go - Batch recomputation job

PURPOSE:
  Drives the reconciliation engine over every obligor in a tenant. Used for
  corrective recomputation after a bug fix, data migration, and tenant
  onboarding. Each obligor reconciles independently: one failure is
  collected and the batch continues, and re-running an unchanged tenant is
  a no-op (no new audit records, identical snapshots).

CANCELLATION:
  Cooperative, between obligors. An in-flight single-obligor reconciliation
  runs to completion or rolls back; it is never cut mid-transaction.

CONCURRENCY:
  Safe to run alongside live mutations - the per-obligor lock serializes
  each reconciliation against any concurrent unit of work.
*/
package accrual

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// BackfillReport is the progress and outcome of one recompute run. Safe for
// concurrent polling while the run is in flight.
type BackfillReport struct {
	mu sync.Mutex

	TenantID  TenantID
	Total     int
	Processed int
	Failed    []ObligorID
	Done      bool
	Cancelled bool
}

// Progress returns a consistent copy for pollers.
func (r *BackfillReport) Progress() BackfillProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := make([]ObligorID, len(r.Failed))
	copy(failed, r.Failed)
	return BackfillProgress{
		TenantID:  r.TenantID,
		Total:     r.Total,
		Processed: r.Processed,
		Failed:    failed,
		Done:      r.Done,
		Cancelled: r.Cancelled,
	}
}

// BackfillProgress is an immutable snapshot of a report.
type BackfillProgress struct {
	TenantID  TenantID    `json:"tenant_id"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Failed    []ObligorID `json:"failed"`
	Done      bool        `json:"done"`
	Cancelled bool        `json:"cancelled"`
}

// Backfill batch-invokes the engine per obligor.
type Backfill struct {
	engine *Engine
	logger *zap.Logger
}

func NewBackfill(engine *Engine, logger *zap.Logger) *Backfill {
	return &Backfill{engine: engine, logger: logger}
}

// Run reconciles every non-archived obligor in the tenant, one at a time,
// updating report as it goes. A per-obligor failure never aborts the batch.
func (b *Backfill) Run(ctx context.Context, tenantID TenantID, report *BackfillReport) error {
	scope := SystemScope(tenantID)

	obligors, err := b.engine.ListObligors(ctx, scope)
	if err != nil {
		return err
	}

	report.mu.Lock()
	report.TenantID = tenantID
	report.Total = len(obligors)
	report.mu.Unlock()

	b.logger.Info("backfill started",
		zap.String("tenant_id", string(tenantID)),
		zap.Int("obligors", len(obligors)))

	for _, o := range obligors {
		// Cancellation is checked between obligors only; a started
		// reconciliation commits or rolls back whole.
		if err := ctx.Err(); err != nil {
			report.mu.Lock()
			report.Cancelled = true
			report.Done = true
			report.mu.Unlock()
			b.logger.Info("backfill cancelled",
				zap.String("tenant_id", string(tenantID)),
				zap.Int("processed", report.Processed))
			return err
		}

		if o.Archived() {
			continue
		}

		if _, err := b.engine.Reconcile(ctx, scope, o.ID); err != nil {
			report.mu.Lock()
			report.Failed = append(report.Failed, o.ID)
			report.mu.Unlock()
			b.logger.Error("backfill obligor failed",
				zap.String("tenant_id", string(tenantID)),
				zap.String("obligor_id", string(o.ID)),
				zap.Error(err))
			continue
		}

		report.mu.Lock()
		report.Processed++
		report.mu.Unlock()
	}

	report.mu.Lock()
	report.Done = true
	processed, failed := report.Processed, len(report.Failed)
	report.mu.Unlock()

	b.logger.Info("backfill finished",
		zap.String("tenant_id", string(tenantID)),
		zap.Int("processed", processed),
		zap.Int("failed", failed))
	return nil
}
