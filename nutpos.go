// Package nutpos is a payment processing engine for point-of-sale terminals
// accepting bearer ecash tokens. It validates a presented token against the
// requested amount, redeems it with the issuing mint, resolves overpayment
// as tip or change, and, while offline, provisionally accepts tokens into a
// durable queue reconciled once connectivity returns.
package nutpos

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nutpos/nutpos/logger"
	"github.com/nutpos/nutpos/metrics"
	"github.com/nutpos/nutpos/mint"
	"github.com/nutpos/nutpos/queue"
	"github.com/nutpos/nutpos/reconcile"
	"github.com/nutpos/nutpos/session"
	"github.com/nutpos/nutpos/types"
)

// Connectivity reports whether a mint is reachable. The default
// implementation probes the mint's info endpoint.
type Connectivity interface {
	Online(ctx context.Context, mintURL string) bool
}

// TokenSource is re-exported for embedders wiring hardware readers.
type TokenSource = session.TokenSource

// Engine is the terminal's payment orchestrator. At most one payment is
// in flight at a time; StartPayment while one is active fails SESSION_BUSY.
type Engine struct {
	cfg    types.Config
	client mint.Client
	store  queue.Store
	queue  *queue.Queue
	recon  *reconcile.Reconciler
	conn   Connectivity
	prompt func(amount uint64) types.OverpaymentHandling
	log    logger.Logger
	rec    metrics.Recorder

	bus *eventBus

	mu       sync.Mutex
	active   *session.Session
	payments map[string]*types.Payment // offline-queued payments awaiting reconciliation
	redeemed types.Proofs              // merchant-held proofs pending wallet hand-off

	cancelRun context.CancelFunc
}

// New validates the configuration and assembles an engine. Collaborators
// not overridden by options get production defaults: an HTTP mint client,
// the file-backed queue store (or memory when no path is configured), and a
// connectivity probe against the token's mint.
func New(cfg types.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      logger.NoopLogger{},
		rec:      metrics.NoopRecorder{},
		bus:      newEventBus(),
		payments: make(map[string]*types.Payment),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		e.client = mint.NewHTTPClient(cfg.RequestTimeout,
			mint.WithClientLogger(e.log), mint.WithClientMetrics(e.rec))
	}
	if e.store == nil {
		if cfg.QueuePath != "" {
			fs, err := queue.NewFileStore(cfg.QueuePath)
			if err != nil {
				return nil, err
			}
			e.store = fs
		} else {
			e.store = queue.NewMemoryStore()
		}
	}
	if e.conn == nil {
		e.conn = pingConnectivity{client: e.client}
	}

	e.queue = queue.New(e.store)
	e.recon = reconcile.New(&e.cfg, e.queue, e.client, e, e.bus.publish, e.log, e.rec)

	// Anything still queued from a previous run belongs to payments we no
	// longer hold in memory; rebuild placeholder records so reconciliation
	// outcomes have something to resolve against.
	if err := e.restoreQueued(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) restoreQueued() error {
	entries, err := e.queue.Pending(context.Background())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		requested := entry.RequestedAmount
		if requested == 0 {
			// Entry written before requested amounts were persisted.
			requested = entry.Amount
		}
		p := &types.Payment{
			ID:              entry.PaymentID,
			State:           types.StatePendingVerification,
			RequestedAmount: requested,
			Unit:            e.cfg.Unit,
			ReceivedAmount:  entry.Amount,
			Mint:            entry.Mint,
			OfflineQueued:   true,
			CreatedAt:       entry.EnqueuedAt,
		}
		if entry.Amount > requested {
			p.Overpayment = &types.OverpaymentInfo{
				Amount:   entry.Amount - requested,
				Handling: types.HandlingTip,
			}
		}
		e.payments[entry.PaymentID] = p
	}
	return nil
}

// StartPayment opens a payment for the requested amount. currency and rate
// capture the fiat quote shown to the customer at request time.
func (e *Engine) StartPayment(requestedAmount uint64, currency string, rate decimal.Decimal) (types.Payment, error) {
	if requestedAmount == 0 {
		return types.Payment{}, types.NewError(types.ErrInsufficientAmount, "requested amount must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		active := e.active.Payment()
		if !active.State.Terminal() && active.State != types.StatePendingVerification {
			return types.Payment{}, types.Errorf(types.ErrSessionBusy,
				"payment %s is already in progress", active.ID)
		}
	}

	p := &types.Payment{
		ID:              uuid.NewString(),
		State:           types.StatePending,
		RequestedAmount: requestedAmount,
		Unit:            e.cfg.Unit,
		Currency:        currency,
		ExchangeRate:    rate,
		CreatedAt:       time.Now(),
	}
	e.active = session.New(p, session.Deps{
		Config:  &e.cfg,
		Client:  e.client,
		Queue:   e.queue,
		Online:  e.conn.Online,
		Prompt:  e.prompt,
		Redeem:  e.keepProofs,
		Emit:    e.bus.publish,
		Logger:  e.log,
		Metrics: e.rec,
	})

	e.log.Info("payment started", map[string]any{
		"payment": p.ID, "amount": requestedAmount, "currency": currency,
	})
	snapshot := *p
	e.bus.publish(types.Event{Type: types.EventStateChanged, Payment: &snapshot, At: time.Now()})
	return snapshot, nil
}

func (e *Engine) activeSession() (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil, types.NewError(types.ErrSessionState, "no active payment")
	}
	return e.active, nil
}

// ProcessToken runs the active payment against a raw token string.
func (e *Engine) ProcessToken(ctx context.Context, raw string) (types.Payment, error) {
	s, err := e.activeSession()
	if err != nil {
		return types.Payment{}, err
	}
	p, err := s.ProcessToken(ctx, raw)
	e.finishSession(p)
	return p, err
}

// ProcessFromSource reads a token from hardware and processes it.
func (e *Engine) ProcessFromSource(ctx context.Context, src TokenSource) (types.Payment, error) {
	s, err := e.activeSession()
	if err != nil {
		return types.Payment{}, err
	}
	p, err := s.ReadFrom(ctx, src)
	e.finishSession(p)
	return p, err
}

// CancelPayment aborts the active payment if it has not passed the point of
// no return.
func (e *Engine) CancelPayment() error {
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	if err := s.Cancel(); err != nil {
		return err
	}
	e.finishSession(s.Payment())
	return nil
}

// finishSession releases the single-payment slot once the payment left the
// live path, and tracks offline-queued payments for the reconciler.
func (e *Engine) finishSession(p types.Payment) {
	if !p.State.Terminal() && p.State != types.StatePendingVerification {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.State == types.StatePendingVerification {
		snapshot := p
		e.payments[p.ID] = &snapshot
	}
	e.active = nil
}

// CurrentPayment returns the active payment, if any.
func (e *Engine) CurrentPayment() (types.Payment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return types.Payment{}, false
	}
	return e.active.Payment(), true
}

// Payment looks up an offline-queued payment by ID.
func (e *Engine) Payment(id string) (types.Payment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.payments[id]
	if !ok {
		return types.Payment{}, false
	}
	return *p, true
}

// keepProofs buffers redeemed proofs for the merchant wallet. Draining them
// is the embedder's responsibility via RedeemedProofs.
func (e *Engine) keepProofs(proofs types.Proofs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redeemed = append(e.redeemed, proofs...)
}

// RedeemedProofs drains and returns the proofs redeemed so far.
func (e *Engine) RedeemedProofs() types.Proofs {
	e.mu.Lock()
	defer e.mu.Unlock()
	proofs := e.redeemed
	e.redeemed = nil
	return proofs
}

// ReconcileCompleted implements reconcile.Registry.
func (e *Engine) ReconcileCompleted(paymentID, transactionID string) {
	e.mu.Lock()
	p, ok := e.payments[paymentID]
	if !ok {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	p.State = types.StateCompleted
	p.TransactionID = transactionID
	p.CompletedAt = &now
	snapshot := *p
	delete(e.payments, paymentID)
	e.mu.Unlock()

	e.rec.IncCounter("payment_completed", map[string]string{"mint": snapshot.Mint})
	e.bus.publish(types.Event{
		Type:    types.EventPaymentCompleted,
		Payment: &snapshot,
		Record:  snapshot.Record(),
		At:      now,
	})
}

// ReconcileFailed implements reconcile.Registry.
func (e *Engine) ReconcileFailed(paymentID string, cause error) {
	e.mu.Lock()
	p, ok := e.payments[paymentID]
	if !ok {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	p.State = types.StateFailed
	p.ErrorCode = types.CodeOf(cause)
	p.ErrorMessage = cause.Error()
	p.CompletedAt = &now
	snapshot := *p
	delete(e.payments, paymentID)
	e.mu.Unlock()

	e.rec.IncCounter("payment_failed", map[string]string{"mint": snapshot.Mint})
	e.bus.publish(types.Event{
		Type:    types.EventPaymentFailed,
		Payment: &snapshot,
		Error:   snapshot.ErrorMessage,
		At:      now,
	})
}

// Reconcile runs one reconciliation pass synchronously.
func (e *Engine) Reconcile(ctx context.Context) error {
	return e.recon.Reconcile(ctx)
}

// StartReconciler launches the background reconciliation loop. Call Kick
// when connectivity is restored to trigger an immediate pass.
func (e *Engine) StartReconciler(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelRun = cancel
	e.mu.Unlock()
	go e.recon.Run(runCtx)
}

// Kick requests an immediate reconciliation pass.
func (e *Engine) Kick() {
	e.recon.Kick()
}

// Subscribe returns a channel receiving every engine event. Slow consumers
// drop events rather than block payment processing.
func (e *Engine) Subscribe() <-chan types.Event {
	return e.bus.subscribe()
}

// Unsubscribe removes and closes a subscription channel.
func (e *Engine) Unsubscribe(ch <-chan types.Event) {
	e.bus.unsubscribe(ch)
}

// Close stops the reconciler loop and closes all subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancelRun
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.bus.close()
}

// pingConnectivity probes the mint's info endpoint with the client's own
// request timeout.
type pingConnectivity struct {
	client mint.Client
}

func (p pingConnectivity) Online(ctx context.Context, mintURL string) bool {
	return p.client.Ping(ctx, mintURL) == nil
}

var _ reconcile.Registry = (*Engine)(nil)
