// Package queue is the durable buffer for provisionally-accepted offline
// payments. Enqueue persists before acknowledging: provisional acceptance is
// a promise the merchant is relying on.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nutpos/nutpos/types"
)

// Queue wraps a Store with per-entry processing locks and FIFO listing.
// Entries are removed exactly once resolved; transient failures only defer
// them.
type Queue struct {
	store Store

	mu     sync.Mutex
	locked map[string]bool
}

func New(store Store) *Queue {
	return &Queue{store: store, locked: make(map[string]bool)}
}

// Enqueue durably persists an entry. The write completes before success is
// returned to the caller.
func (q *Queue) Enqueue(ctx context.Context, entry types.QueueEntry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	return q.store.Put(ctx, entry)
}

// Get returns the stored entry, or nil when absent.
func (q *Queue) Get(ctx context.Context, paymentID string) (*types.QueueEntry, error) {
	return q.store.Get(ctx, paymentID)
}

// Pending lists all entries FIFO by enqueue time.
func (q *Queue) Pending(ctx context.Context) ([]types.QueueEntry, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, nil
}

// TryLock claims an entry for processing. Overlapping reconciliation runs
// skip entries they cannot claim, making repeated triggers idempotent.
func (q *Queue) TryLock(paymentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locked[paymentID] {
		return false
	}
	q.locked[paymentID] = true
	return true
}

// Unlock releases a processing claim.
func (q *Queue) Unlock(paymentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.locked, paymentID)
}

// Resolve removes an entry whose outcome is settled, success or permanent
// failure alike.
func (q *Queue) Resolve(ctx context.Context, paymentID string) error {
	return q.store.Delete(ctx, paymentID)
}

// Defer records a transient failure: the entry stays queued with an
// incremented retry count and a next-attempt time.
func (q *Queue) Defer(ctx context.Context, entry types.QueueEntry, cause error, nextAttempt time.Time) error {
	entry.RetryCount++
	entry.LastError = cause.Error()
	entry.NextAttemptAt = nextAttempt
	return q.store.Put(ctx, entry)
}

// Len reports the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
