/*
locks.go - Per-obligor lock table

PURPOSE:
  Serializes reconciliations for the same obligor while letting different
  obligors proceed fully in parallel. Acquisition is bounded: a caller that
  cannot get the lock within the timeout surfaces ErrConcurrencyConflict
  instead of queueing forever behind a stuck unit of work.

IMPLEMENTATION:
  One buffered channel of capacity 1 per obligor, created lazily. The
  channel doubles as the lock: a successful send acquires it, a receive
  releases it. Entries are reference-counted and removed when the last
  holder or waiter leaves, so the table does not grow with tenant size.
*/
package accrual

import (
	"context"
	"sync"
	"time"
)

type lockTable struct {
	mu    sync.Mutex
	locks map[ObligorID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[ObligorID]*lockEntry)}
}

// Acquire blocks until the obligor's lock is held, the timeout elapses, or
// ctx is done. On success the returned func releases the lock.
func (lt *lockTable) Acquire(ctx context.Context, id ObligorID, timeout time.Duration) (func(), error) {
	lt.mu.Lock()
	entry, ok := lt.locks[id]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		lt.locks[id] = entry
	}
	entry.refs++
	lt.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			lt.release(id, entry)
		}, nil
	case <-timer.C:
		lt.release(id, entry)
		return nil, &LockTimeoutError{ObligorID: id}
	case <-ctx.Done():
		lt.release(id, entry)
		return nil, ctx.Err()
	}
}

func (lt *lockTable) release(id ObligorID, entry *lockEntry) {
	lt.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(lt.locks, id)
	}
	lt.mu.Unlock()
}
