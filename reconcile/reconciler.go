// Package reconcile drains the offline queue once connectivity returns,
// replaying the same validate -> checkstate -> swap pipeline the online path
// runs. Entries are processed FIFO by enqueue time, sequentially per mint,
// and under per-entry locks so overlapping runs never double-process.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nutpos/nutpos/logger"
	"github.com/nutpos/nutpos/metrics"
	"github.com/nutpos/nutpos/mint"
	"github.com/nutpos/nutpos/queue"
	"github.com/nutpos/nutpos/token"
	"github.com/nutpos/nutpos/types"
)

// Registry receives the settled outcome of a queued payment. The engine
// implements it to move the corresponding Payment to its terminal state.
type Registry interface {
	ReconcileCompleted(paymentID, transactionID string)
	ReconcileFailed(paymentID string, err error)
}

// Reconciler is the background settlement process for offline-accepted
// payments.
type Reconciler struct {
	cfg      *types.Config
	queue    *queue.Queue
	client   mint.Client
	registry Registry
	emit     types.Sink
	log      logger.Logger
	rec      metrics.Recorder

	kick chan struct{}
}

func New(cfg *types.Config, q *queue.Queue, client mint.Client, registry Registry, emit types.Sink, log logger.Logger, rec metrics.Recorder) *Reconciler {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Reconciler{
		cfg:      cfg,
		queue:    q,
		client:   client,
		registry: registry,
		emit:     emit,
		log:      log,
		rec:      rec,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an immediate reconciliation pass, typically on connectivity
// restoration. Safe to call concurrently; redundant kicks coalesce.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run reconciles on the configured interval and on every Kick until ctx is
// done.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.Reconcile(ctx); err != nil {
			r.log.Error("reconcile pass failed", map[string]any{"error": err.Error()})
		}
	}
}

// Reconcile processes every due entry once. One entry's failure never aborts
// the rest of the queue.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	entries, err := r.queue.Pending(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	r.emit.Emit(types.Event{Type: types.EventReconcileStarted})

	// Group FIFO per mint: never two concurrent swaps against the same mint
	// from this terminal, but independent mints drain in parallel.
	byMint := make(map[string][]types.QueueEntry)
	var order []string
	for _, entry := range entries {
		if _, seen := byMint[entry.Mint]; !seen {
			order = append(order, entry.Mint)
		}
		byMint[entry.Mint] = append(byMint[entry.Mint], entry)
	}

	var wg sync.WaitGroup
	for _, mintURL := range order {
		group := byMint[mintURL]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, entry := range group {
				select {
				case <-ctx.Done():
					return
				default:
				}
				r.process(ctx, entry)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (r *Reconciler) process(ctx context.Context, entry types.QueueEntry) {
	now := time.Now()
	if !entry.NextAttemptAt.IsZero() && now.Before(entry.NextAttemptAt) {
		return
	}
	if !r.queue.TryLock(entry.PaymentID) {
		return
	}
	defer r.queue.Unlock(entry.PaymentID)

	// Re-read under the lock: a concurrent run may have resolved it between
	// listing and locking.
	current, err := r.queue.Get(ctx, entry.PaymentID)
	if err != nil || current == nil {
		return
	}
	entry = *current

	txID, err := r.settle(ctx, entry)
	switch {
	case err == nil:
		if rerr := r.queue.Resolve(ctx, entry.PaymentID); rerr != nil {
			r.log.Error("failed to remove settled entry", map[string]any{
				"payment": entry.PaymentID, "error": rerr.Error(),
			})
			return
		}
		r.registry.ReconcileCompleted(entry.PaymentID, txID)
		r.rec.IncCounter("reconcile_completed", map[string]string{"mint": entry.Mint})
		r.emit.Emit(types.Event{Type: types.EventReconcileResolved})
		r.log.Info("queued payment settled", map[string]any{
			"payment": entry.PaymentID, "mint": entry.Mint, "transaction": txID,
		})

	case retryable(err):
		delay := r.nextDelay(entry.RetryCount)
		if derr := r.queue.Defer(ctx, entry, err, time.Now().Add(delay)); derr != nil {
			r.log.Error("failed to defer entry", map[string]any{
				"payment": entry.PaymentID, "error": derr.Error(),
			})
			return
		}
		r.rec.IncCounter("reconcile_deferred", map[string]string{"mint": entry.Mint})
		r.emit.Emit(types.Event{Type: types.EventReconcileDeferred, Error: err.Error()})
		r.log.Warn("queued payment deferred", map[string]any{
			"payment": entry.PaymentID, "mint": entry.Mint,
			"retries": entry.RetryCount + 1, "next_in": delay.String(), "error": err.Error(),
		})

	default:
		// Permanent failure: the accepted business risk of offline mode.
		// The entry is removed exactly once, never retried.
		if rerr := r.queue.Resolve(ctx, entry.PaymentID); rerr != nil {
			r.log.Error("failed to remove dead entry", map[string]any{
				"payment": entry.PaymentID, "error": rerr.Error(),
			})
			return
		}
		r.registry.ReconcileFailed(entry.PaymentID, err)
		r.rec.IncCounter("reconcile_failed", map[string]string{"mint": entry.Mint})
		r.emit.Emit(types.Event{Type: types.EventReconcileResolved, Error: err.Error()})
		r.log.Warn("queued payment permanently failed", map[string]any{
			"payment": entry.PaymentID, "mint": entry.Mint, "error": err.Error(),
		})
	}
}

// settle replays the online pipeline for one entry. Overpayment is always a
// tip here: the customer is long gone, change cannot be issued after the
// fact.
func (r *Reconciler) settle(ctx context.Context, entry types.QueueEntry) (string, error) {
	tok, err := token.Decode(entry.RawToken)
	if err != nil {
		return "", err
	}
	if _, err := r.client.Validate(ctx, tok, entry.TrustedMints); err != nil {
		return "", err
	}
	states, err := r.client.CheckState(ctx, tok.Mint, tok.Proofs)
	if err != nil {
		return "", err
	}
	for _, st := range states {
		switch st {
		case types.ProofStateSpent:
			return "", types.NewError(types.ErrAlreadySpent, "proof spent before reconciliation")
		case types.ProofStatePending:
			// Reserved by another in-flight transaction. That transaction may
			// still fail and release the proofs, so stay queued.
			return "", types.NewError(types.ErrStatusUnknown, "proof reserved by an in-flight transaction")
		}
	}
	if _, err := r.client.Swap(ctx, tok.Mint, tok.Proofs); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// retryable: network failures and ambiguous swap outcomes stay queued; a
// later pass observes the settled state via checkstate.
func retryable(err error) bool {
	if types.IsRetryable(err) {
		return true
	}
	return types.IsCode(err, types.ErrStatusUnknown)
}

// nextDelay walks the exponential backoff schedule to the given retry count.
func (r *Reconciler) nextDelay(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitialInterval
	b.MaxInterval = r.cfg.RetryMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= retry; i++ {
		d = b.NextBackOff()
	}
	return d
}
