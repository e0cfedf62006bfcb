/*
jobs.go - Recompute job registry

PURPOSE:
  Tracks in-flight and finished tenant recompute runs so clients can start
  a job and poll its progress. Jobs run in a goroutine; the registry only
  holds bookkeeping, the work itself is accrual.Backfill.

LIFECYCLE:
  start -> running (poll shows processed/total) -> done or cancelled.
  Finished jobs stay in memory for polling; a restart forgets them, which
  is acceptable since recompute is idempotent and can simply be started
  again.
*/
package api

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/clearbook/accrual-engine/accrual"
)

// recomputeJob pairs a report with its cancel function.
type recomputeJob struct {
	id       string
	tenantID accrual.TenantID
	report   *accrual.BackfillReport
	cancel   context.CancelFunc
}

// jobRegistry is a tenant-scoped map of recompute jobs.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*recomputeJob
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*recomputeJob)}
}

// start launches a recompute run for the tenant and returns its job ID.
func (r *jobRegistry) start(backfill *accrual.Backfill, tenantID accrual.TenantID, onDone func()) *recomputeJob {
	ctx, cancel := context.WithCancel(context.Background())

	job := &recomputeJob{
		id:       uuid.NewString(),
		tenantID: tenantID,
		report:   &accrual.BackfillReport{},
		cancel:   cancel,
	}

	r.mu.Lock()
	r.jobs[job.id] = job
	r.mu.Unlock()

	go func() {
		defer cancel()
		defer onDone()
		// Errors are recorded on the report; pollers read them there.
		_ = backfill.Run(ctx, tenantID, job.report)
	}()

	return job
}

// get returns the job only if it belongs to the caller's tenant. A foreign
// tenant's job ID behaves exactly like an unknown one.
func (r *jobRegistry) get(id string, tenantID accrual.TenantID) *recomputeJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.tenantID != tenantID {
		return nil
	}
	return job
}
