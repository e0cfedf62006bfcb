package accrual_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clearbook/accrual-engine/accrual"
	"github.com/clearbook/accrual-engine/accrual/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestEngine pins Today to 2024-04-15 so accrual amounts are stable.
func newTestEngine(t *testing.T) (*accrual.Engine, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	engine := accrual.NewEngine(mem, zap.NewNop())
	engine.Today = func() accrual.Date { return date(2024, time.April, 15) }
	return engine, mem
}

func tenantScope() accrual.Scope {
	return accrual.UserScope("tenant-1", "actor-1")
}

// tuitionObligor accrues 100.00/month since 2024-01-01: expected 400.00 as
// of the pinned Today.
func tuitionObligor(t *testing.T, engine *accrual.Engine) *accrual.Obligor {
	t.Helper()
	o, err := engine.CreateObligor(context.Background(), tenantScope(), accrual.ObligorInput{
		Name:      "Ada School",
		StartDate: date(2024, time.January, 1),
		Cadence:   accrual.CadenceMonthly,
		Rate:      accrual.MustMoney("100.00"),
		Category:  accrual.CategoryTuition,
	})
	require.NoError(t, err)
	return o
}

func payment(amount string) accrual.PaymentInput {
	return accrual.PaymentInput{
		Amount:        accrual.MustMoney(amount),
		EffectiveDate: date(2024, time.March, 1),
		Category:      accrual.CategoryTuition,
		Method:        "bank_transfer",
	}
}

// =============================================================================
// OBLIGOR LIFECYCLE
// =============================================================================

func TestCreateObligor_InitialSnapshotComputedAtomically(t *testing.T) {
	// GIVEN: A new obligor whose start date is already four months back
	// WHEN: Onboarding it
	// THEN: The returned snapshot already shows the accrued expectation

	engine, _ := newTestEngine(t)
	o := tuitionObligor(t, engine)

	assert.Equal(t, "400.00", o.Snapshot.Expected.StringFixed(2))
	assert.Equal(t, "0.00", o.Snapshot.Paid.StringFixed(2))
	assert.Equal(t, "400.00", o.Snapshot.Remaining.StringFixed(2))
	assert.Equal(t, accrual.StatusPending, o.Snapshot.Status)
}

func TestCreateObligor_WritesInitialAuditRecord(t *testing.T) {
	engine, _ := newTestEngine(t)
	o := tuitionObligor(t, engine)

	records, err := engine.ListAudit(context.Background(), tenantScope(), o.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// The diff records only what changed from the zero snapshot.
	fields := make(map[string]string)
	for _, c := range records[0].Changes {
		fields[c.Field] = c.New
	}
	assert.Equal(t, "400.00", fields["expected_amount"])
	assert.Equal(t, "400.00", fields["remaining_amount"])
	assert.NotContains(t, fields, "paid_amount", "unchanged fields are not recorded")
	assert.NotContains(t, fields, "status")

	require.NotNil(t, records[0].ActorID)
	assert.Equal(t, "actor-1", *records[0].ActorID)
}

func TestCreateObligor_RejectsInvalidTerms(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.CreateObligor(context.Background(), tenantScope(), accrual.ObligorInput{
		Name:      "Bad",
		StartDate: date(2024, time.January, 1),
		Cadence:   accrual.Cadence("weekly"),
		Rate:      accrual.MustMoney("100.00"),
		Category:  accrual.CategoryTuition,
	})

	assert.ErrorIs(t, err, accrual.ErrValidation)
}

func TestCreateObligor_ExplicitIDMustBeUnused(t *testing.T) {
	engine, _ := newTestEngine(t)

	in := accrual.ObligorInput{
		ID:        "obl-fixed",
		Name:      "Ada School",
		StartDate: date(2024, time.January, 1),
		Cadence:   accrual.CadenceMonthly,
		Rate:      accrual.MustMoney("100.00"),
		Category:  accrual.CategoryTuition,
	}
	_, err := engine.CreateObligor(context.Background(), tenantScope(), in)
	require.NoError(t, err)

	_, err = engine.CreateObligor(context.Background(), tenantScope(), in)
	assert.ErrorIs(t, err, accrual.ErrValidation)
}

func TestCreateObligor_CannotClaimForeignObligorID(t *testing.T) {
	// GIVEN: tenant-1 owns an obligor with a known ID
	// WHEN: tenant-2 onboards an obligor reusing that ID
	// THEN: The create is rejected and tenant-1's record is untouched

	engine, _ := newTestEngine(t)
	victim, err := engine.CreateObligor(context.Background(), tenantScope(), accrual.ObligorInput{
		ID:        "obl-victim",
		Name:      "Ada School",
		StartDate: date(2024, time.January, 1),
		Cadence:   accrual.CadenceMonthly,
		Rate:      accrual.MustMoney("100.00"),
		Category:  accrual.CategoryTuition,
	})
	require.NoError(t, err)

	rival := accrual.UserScope("tenant-2", "actor-2")
	_, err = engine.CreateObligor(context.Background(), rival, accrual.ObligorInput{
		ID:        victim.ID,
		Name:      "Impostor",
		StartDate: date(2024, time.February, 1),
		Cadence:   accrual.CadenceMonthly,
		Rate:      accrual.MustMoney("1.00"),
		Category:  accrual.CategoryTuition,
	})
	assert.ErrorIs(t, err, accrual.ErrValidation)

	// Ownership is unchanged: tenant-1 still reads its record, tenant-2
	// still cannot.
	kept, err := engine.GetObligor(context.Background(), tenantScope(), victim.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada School", kept.Name)
	assert.Equal(t, accrual.TenantID("tenant-1"), kept.TenantID)

	_, err = engine.GetObligor(context.Background(), rival, victim.ID)
	assert.ErrorIs(t, err, accrual.ErrAccessDenied)
}

func TestUpdateBillingTerms_Reconciles(t *testing.T) {
	// GIVEN: An obligor accruing 100.00/month
	// WHEN: The rate changes to 150.00/month
	// THEN: The snapshot reflects the new terms immediately

	engine, _ := newTestEngine(t)
	o := tuitionObligor(t, engine)

	snap, err := engine.UpdateBillingTerms(context.Background(), tenantScope(), o.ID, accrual.BillingTerms{
		StartDate: date(2024, time.January, 1),
		Cadence:   accrual.CadenceMonthly,
		Rate:      accrual.MustMoney("150.00"),
	})

	require.NoError(t, err)
	assert.Equal(t, "600.00", snap.Expected.StringFixed(2))
}

// =============================================================================
// PAYMENT SETTLEMENT SCENARIOS
// =============================================================================

func TestRecordPayment_SettlementProgression(t *testing.T) {
	// GIVEN: 400.00 expected
	// WHEN: Paying 250.00, then 150.00, then 50.00 more
	// THEN: Status walks pending -> partial -> paid -> advanced

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	_, snap, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("250.00"))
	require.NoError(t, err)
	assert.Equal(t, "150.00", snap.Remaining.StringFixed(2))
	assert.Equal(t, accrual.StatusPartial, snap.Status)

	_, snap, err = engine.RecordPayment(ctx, tenantScope(), o.ID, payment("150.00"))
	require.NoError(t, err)
	assert.Equal(t, "0.00", snap.Remaining.StringFixed(2))
	assert.Equal(t, accrual.StatusPaid, snap.Status)

	_, snap, err = engine.RecordPayment(ctx, tenantScope(), o.ID, payment("50.00"))
	require.NoError(t, err)
	assert.Equal(t, "-50.00", snap.Remaining.StringFixed(2))
	assert.Equal(t, accrual.StatusAdvanced, snap.Status)
}

func TestRecordPayment_PersistedSnapshotMatchesResponse(t *testing.T) {
	// The snapshot a mutation returns is the one it committed, never a
	// recomputation at read time.

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	_, snap, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("250.00"))
	require.NoError(t, err)

	stored, err := engine.GetObligor(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Snapshot.Equal(snap))
}

func TestRecordPayment_OtherCategoryDoesNotCount(t *testing.T) {
	// GIVEN: A tuition obligor
	// WHEN: A salary-tagged payment lands on its ledger
	// THEN: The tuition paid total ignores it

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	in := payment("250.00")
	in.Category = accrual.CategorySalary
	_, snap, err := engine.RecordPayment(ctx, tenantScope(), o.ID, in)
	require.NoError(t, err)

	assert.Equal(t, "0.00", snap.Paid.StringFixed(2))
	assert.Equal(t, accrual.StatusPending, snap.Status)
}

func TestRecordPayment_RejectsNonPositiveAmount(t *testing.T) {
	engine, _ := newTestEngine(t)
	o := tuitionObligor(t, engine)

	_, _, err := engine.RecordPayment(context.Background(), tenantScope(), o.ID, payment("0"))
	assert.ErrorIs(t, err, accrual.ErrValidation)

	_, _, err = engine.RecordPayment(context.Background(), tenantScope(), o.ID, payment("-10.00"))
	assert.ErrorIs(t, err, accrual.ErrValidation)
}

func TestRecordPayment_ArchivedObligorRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	require.NoError(t, engine.ArchiveObligor(ctx, tenantScope(), o.ID))

	_, _, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("100.00"))
	assert.ErrorIs(t, err, accrual.ErrObligorArchived)
}

func TestArchivedObligor_SnapshotFrozenUntilManualRefresh(t *testing.T) {
	// GIVEN: An archived obligor whose terms would now accrue more
	// WHEN: Reading it later vs. reconciling it explicitly
	// THEN: Reads show the frozen snapshot; a manual refresh recomputes

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)
	require.NoError(t, engine.ArchiveObligor(ctx, tenantScope(), o.ID))

	// Time moves on a month.
	engine.Today = func() accrual.Date { return date(2024, time.May, 15) }

	stored, err := engine.GetObligor(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "400.00", stored.Snapshot.Expected.StringFixed(2), "reads never re-derive")

	snap, err := engine.Reconcile(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "500.00", snap.Expected.StringFixed(2), "manual refresh recomputes")
}

// =============================================================================
// AMEND / VOID
// =============================================================================

func TestAmendPayment_CorrectsBalance(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	tx, _, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("250.00"))
	require.NoError(t, err)

	_, snap, err := engine.AmendPayment(ctx, tenantScope(), tx.ID, payment("400.00"))
	require.NoError(t, err)

	assert.Equal(t, "400.00", snap.Paid.StringFixed(2))
	assert.Equal(t, accrual.StatusPaid, snap.Status)
}

func TestVoidPayment_RestoresBalance(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	tx, _, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("250.00"))
	require.NoError(t, err)

	snap, err := engine.VoidPayment(ctx, tenantScope(), tx.ID)
	require.NoError(t, err)

	assert.Equal(t, "0.00", snap.Paid.StringFixed(2))
	assert.Equal(t, accrual.StatusPending, snap.Status)

	_, err = engine.ListPayments(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
}

func TestVoidPayment_UnknownTransaction(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.VoidPayment(context.Background(), tenantScope(), "no-such-tx")
	assert.ErrorIs(t, err, accrual.ErrTransactionNotFound)
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestReconcile_RepeatedRunIsNoOp(t *testing.T) {
	// GIVEN: An already-reconciled obligor and an unchanged ledger
	// WHEN: Reconciling again
	// THEN: Identical snapshot, no new audit record

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	first, err := engine.Reconcile(ctx, tenantScope(), o.ID)
	require.NoError(t, err)

	before, err := engine.ListAudit(ctx, tenantScope(), o.ID)
	require.NoError(t, err)

	second, err := engine.Reconcile(ctx, tenantScope(), o.ID)
	require.NoError(t, err)

	after, err := engine.ListAudit(ctx, tenantScope(), o.ID)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Len(t, after, len(before), "no-op reconcile must not append audit records")
}

// =============================================================================
// TENANT ISOLATION
// =============================================================================

func TestTenantIsolation_ForeignObligorLooksMissing(t *testing.T) {
	// GIVEN: An obligor in tenant-1
	// WHEN: Tenant-2 reads or mutates it
	// THEN: Every operation fails exactly like a missing obligor

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	foreign := accrual.UserScope("tenant-2", "intruder")

	_, err := engine.GetObligor(ctx, foreign, o.ID)
	assert.ErrorIs(t, err, accrual.ErrAccessDenied)
	assert.EqualError(t, err, "obligor not found", "must not reveal existence")

	_, _, err = engine.RecordPayment(ctx, foreign, o.ID, payment("100.00"))
	assert.ErrorIs(t, err, accrual.ErrAccessDenied)

	_, err = engine.Reconcile(ctx, foreign, o.ID)
	assert.ErrorIs(t, err, accrual.ErrAccessDenied)

	_, err = engine.ListAudit(ctx, foreign, o.ID)
	assert.ErrorIs(t, err, accrual.ErrAccessDenied)
}

func TestTenantIsolation_ForeignPaymentLooksMissing(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	tx, _, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("100.00"))
	require.NoError(t, err)

	foreign := accrual.UserScope("tenant-2", "intruder")
	_, _, err = engine.AmendPayment(ctx, foreign, tx.ID, payment("1.00"))
	assert.ErrorIs(t, err, accrual.ErrTransactionNotFound)
}

// =============================================================================
// FAILURE ATOMICITY
// =============================================================================

// faultStore wraps a Store, failing selected writes.
type faultStore struct {
	accrual.Store
	failSnapshot bool
	failAudit    bool
}

func (f *faultStore) UpdateSnapshot(ctx context.Context, id accrual.ObligorID, snap accrual.BalanceSnapshot) error {
	if f.failSnapshot {
		return errors.New("disk full")
	}
	return f.Store.UpdateSnapshot(ctx, id, snap)
}

func (f *faultStore) AppendAudit(ctx context.Context, rec *accrual.AuditRecord) error {
	if f.failAudit {
		return errors.New("audit sink unavailable")
	}
	return f.Store.AppendAudit(ctx, rec)
}

// faultTxStore injects the fault inside every unit of work.
type faultTxStore struct {
	*store.TxMemory
	failSnapshot bool
	failAudit    bool
}

func (f *faultTxStore) WithTx(ctx context.Context, fn func(accrual.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s accrual.Store) error {
		return fn(&faultStore{Store: s, failSnapshot: f.failSnapshot, failAudit: f.failAudit})
	})
}

func TestRecordPayment_SnapshotWriteFailureRollsBackPayment(t *testing.T) {
	// GIVEN: A store whose snapshot write fails
	// WHEN: Recording a payment
	// THEN: The whole unit of work rolls back - the payment is gone too

	mem := store.NewTxMemory()
	faulty := &faultTxStore{TxMemory: mem}
	engine := accrual.NewEngine(faulty, zap.NewNop())
	engine.Today = func() accrual.Date { return date(2024, time.April, 15) }
	ctx := context.Background()

	o, err := engine.CreateObligor(ctx, tenantScope(), accrual.ObligorInput{
		Name:      "Ada School",
		StartDate: date(2024, time.January, 1),
		Cadence:   accrual.CadenceMonthly,
		Rate:      accrual.MustMoney("100.00"),
		Category:  accrual.CategoryTuition,
	})
	require.NoError(t, err)

	faulty.failSnapshot = true
	_, _, err = engine.RecordPayment(ctx, tenantScope(), o.ID, payment("250.00"))
	require.Error(t, err)

	faulty.failSnapshot = false
	payments, err := engine.ListPayments(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, payments, "rolled-back payment must not be visible")

	stored, err := engine.GetObligor(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", stored.Snapshot.Paid.StringFixed(2))
}

func TestRecordPayment_AuditWriteFailureIsSoft(t *testing.T) {
	// GIVEN: A store whose audit append fails
	// WHEN: Recording a payment
	// THEN: The payment and snapshot still commit; the failure hook fires

	mem := store.NewTxMemory()
	faulty := &faultTxStore{TxMemory: mem, failAudit: true}
	engine := accrual.NewEngine(faulty, zap.NewNop())
	engine.Today = func() accrual.Date { return date(2024, time.April, 15) }

	var auditFailures int
	engine.OnAuditFailure = func() { auditFailures++ }

	ctx := context.Background()
	o, err := engine.CreateObligor(ctx, tenantScope(), accrual.ObligorInput{
		Name:      "Ada School",
		StartDate: date(2024, time.January, 1),
		Cadence:   accrual.CadenceMonthly,
		Rate:      accrual.MustMoney("100.00"),
		Category:  accrual.CategoryTuition,
	})
	require.NoError(t, err)

	_, snap, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("250.00"))
	require.NoError(t, err, "audit failure alone must not abort the commit")
	assert.Equal(t, "250.00", snap.Paid.StringFixed(2))
	assert.Equal(t, 2, auditFailures, "create + payment both soft-failed")

	records, err := engine.ListAudit(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRecordPayment_ConcurrentPaymentsAllCounted(t *testing.T) {
	// GIVEN: 20 goroutines paying 10.00 each against one obligor
	// WHEN: They race
	// THEN: The final paid total is exactly 200.00

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	o := tuitionObligor(t, engine)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := engine.RecordPayment(ctx, tenantScope(), o.ID, payment("10.00"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := engine.GetObligor(ctx, tenantScope(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "200.00", stored.Snapshot.Paid.StringFixed(2))
	assert.True(t, stored.Snapshot.Remaining.Equal(
		stored.Snapshot.Expected.Sub(stored.Snapshot.Paid)))
}

// blockingTxStore holds every unit of work open until released.
type blockingTxStore struct {
	*store.TxMemory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTxStore) WithTx(ctx context.Context, fn func(accrual.Store) error) error {
	return b.TxMemory.WithTx(ctx, func(s accrual.Store) error {
		b.entered <- struct{}{}
		<-b.release
		return fn(s)
	})
}

func TestReconcile_LockWaitExceeded_SurfacesConflict(t *testing.T) {
	// GIVEN: One reconciliation holding the obligor's lock
	// WHEN: A second one waits longer than the lock timeout
	// THEN: It fails with a retryable concurrency conflict

	mem := store.NewTxMemory()
	engine := accrual.NewEngine(mem, zap.NewNop())
	engine.Today = func() accrual.Date { return date(2024, time.April, 15) }
	ctx := context.Background()

	o := tuitionObligor(t, engine)

	blocking := &blockingTxStore{
		TxMemory: mem,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	slow := accrual.NewEngine(blocking, zap.NewNop())
	slow.Today = engine.Today
	slow.LockTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := slow.Reconcile(ctx, tenantScope(), o.ID)
		done <- err
	}()
	<-blocking.entered // first unit of work is now holding the lock

	_, err := slow.Reconcile(ctx, tenantScope(), o.ID)
	assert.ErrorIs(t, err, accrual.ErrConcurrencyConflict)
	assert.True(t, accrual.IsRetryable(err))

	var lockErr *accrual.LockTimeoutError
	assert.ErrorAs(t, err, &lockErr)
	assert.Equal(t, o.ID, lockErr.ObligorID)

	close(blocking.release)
	require.NoError(t, <-done)
}
