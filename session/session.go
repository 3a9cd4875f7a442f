// Package session drives one payment through its state machine:
// pending -> token_received -> validating -> processing ->
// {completed | pending_verification | failed}, with cancellation allowed
// from any pre-swap state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nutpos/nutpos/logger"
	"github.com/nutpos/nutpos/metrics"
	"github.com/nutpos/nutpos/mint"
	"github.com/nutpos/nutpos/overpay"
	"github.com/nutpos/nutpos/queue"
	"github.com/nutpos/nutpos/token"
	"github.com/nutpos/nutpos/types"
)

// TokenSource is the hardware token acquisition boundary (NFC, QR). Read
// blocks until a token string is produced, an error occurs, or ctx is
// cancelled.
type TokenSource interface {
	Read(ctx context.Context) (string, error)
}

// Deps are the collaborators a session needs. Config, Client and Queue are
// required; the rest default to no-ops.
type Deps struct {
	Config *types.Config
	Client mint.Client
	Queue  *queue.Queue

	// Online reports whether the given mint is reachable right now.
	Online func(ctx context.Context, mintURL string) bool

	// Prompt resolves an overpayment the policy classified as "prompt".
	// Nil defaults the resolution to tip.
	Prompt func(amount uint64) types.OverpaymentHandling

	// Redeem receives the fresh proofs a successful swap produced. This is
	// the hand-off to the merchant's wallet storage.
	Redeem func(proofs types.Proofs)

	Emit    types.Sink
	Logger  logger.Logger
	Metrics metrics.Recorder
}

// Session owns one Payment. All mutations go through the session; once the
// payment reaches a terminal state it is immutable.
type Session struct {
	deps Deps

	mu         sync.Mutex
	payment    *types.Payment
	swapping   bool
	readCancel context.CancelFunc
	procCancel context.CancelFunc
}

// New wraps a freshly created payment. The payment must be in state pending.
func New(payment *types.Payment, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = logger.NoopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	return &Session{deps: deps, payment: payment}
}

// Payment returns a snapshot of the owned payment.
func (s *Session) Payment() types.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payment
}

func (s *Session) state() types.PaymentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payment.State
}

// setState advances the payment unless it already reached a terminal state
// (a concurrent cancel wins).
func (s *Session) setState(state types.PaymentState) bool {
	s.mu.Lock()
	if s.payment.State.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.payment.State = state
	snapshot := *s.payment
	s.mu.Unlock()

	s.deps.Emit.Emit(types.Event{Type: types.EventStateChanged, Payment: &snapshot})
	return true
}

// fail moves the payment to failed with the error's code. No-op when the
// payment is already terminal.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.payment.State.Terminal() {
		s.mu.Unlock()
		return err
	}
	now := time.Now()
	s.payment.State = types.StateFailed
	s.payment.ErrorCode = types.CodeOf(err)
	s.payment.ErrorMessage = err.Error()
	s.payment.CompletedAt = &now
	snapshot := *s.payment
	s.mu.Unlock()

	s.deps.Logger.Warn("payment failed", map[string]any{
		"payment": snapshot.ID, "code": snapshot.ErrorCode, "error": snapshot.ErrorMessage,
	})
	s.deps.Metrics.IncCounter("payment_failed", map[string]string{"mint": snapshot.Mint})
	s.deps.Emit.Emit(types.Event{Type: types.EventPaymentFailed, Payment: &snapshot, Error: snapshot.ErrorMessage})
	return err
}

// failed records the failure before snapshotting, so callers always observe
// the terminal state and error code on the returned payment.
func (s *Session) failed(err error) (types.Payment, error) {
	err = s.fail(err)
	return s.Payment(), err
}

// ReadFrom acquires a token from the hardware source and processes it. A
// read failure leaves the payment pending so the read can be retried.
func (s *Session) ReadFrom(ctx context.Context, src TokenSource) (types.Payment, error) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.payment.State != types.StatePending {
		s.mu.Unlock()
		return s.Payment(), types.Errorf(types.ErrSessionState, "payment is %s, not awaiting a token", s.payment.State)
	}
	s.readCancel = cancel
	s.mu.Unlock()

	raw, err := src.Read(readCtx)

	s.mu.Lock()
	s.readCancel = nil
	cancelled := s.payment.State == types.StateCancelled
	s.mu.Unlock()

	if cancelled {
		return s.Payment(), nil
	}
	if err != nil {
		return s.Payment(), err
	}
	return s.ProcessToken(ctx, raw)
}

// ProcessToken validates and settles a presented token. Invoking it again on
// a session that already left pending never triggers another swap.
func (s *Session) ProcessToken(ctx context.Context, raw string) (types.Payment, error) {
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.payment.State != types.StatePending {
		state := s.payment.State
		s.mu.Unlock()
		return s.Payment(), types.Errorf(types.ErrSessionState, "payment is %s, token already processed", state)
	}
	s.procCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.procCancel = nil
		s.mu.Unlock()
	}()

	if !s.setState(types.StateTokenReceived) {
		return s.Payment(), nil
	}

	tok, err := token.Decode(raw)
	if err != nil {
		return s.failed(err)
	}

	s.mu.Lock()
	s.payment.Mint = tok.Mint
	requested := s.payment.RequestedAmount
	s.mu.Unlock()

	received := tok.Amount()
	if received < requested {
		return s.failed(types.Errorf(types.ErrInsufficientAmount,
			"token worth %d, requested %d", received, requested))
	}

	if !s.setState(types.StateValidating) {
		return s.Payment(), nil
	}

	online := true
	if s.deps.Online != nil {
		online = s.deps.Online(procCtx, tok.Mint)
	}
	if !online {
		return s.acceptOffline(procCtx, raw, tok, received, requested)
	}
	return s.settleOnline(procCtx, tok, received, requested)
}

// acceptOffline provisionally accepts the token: durable enqueue first, then
// pending_verification. No mint call is made; any overpayment is a tip since
// no change can be produced without the mint.
func (s *Session) acceptOffline(ctx context.Context, raw string, tok *types.Token, received, requested uint64) (types.Payment, error) {
	cfg := s.deps.Config
	if !cfg.OfflineEnabled {
		return s.failed(types.NewError(types.ErrOfflineDisabled,
			"mint unreachable and offline acceptance is disabled"))
	}
	if received > cfg.OfflineMaxAmount {
		return s.failed(types.Errorf(types.ErrOfflineCeilingExceeded,
			"token worth %d exceeds offline ceiling %d", received, cfg.OfflineMaxAmount))
	}

	s.mu.Lock()
	paymentID := s.payment.ID
	s.mu.Unlock()

	entry := types.QueueEntry{
		PaymentID:       paymentID,
		RawToken:        raw,
		Mint:            tok.Mint,
		Amount:          received,
		RequestedAmount: requested,
		TrustedMints:    append([]string(nil), cfg.TrustedMints...),
		EnqueuedAt:      time.Now(),
	}
	if err := s.deps.Queue.Enqueue(ctx, entry); err != nil {
		return s.failed(err)
	}

	s.mu.Lock()
	if s.payment.State.Terminal() {
		s.mu.Unlock()
		return s.Payment(), nil
	}
	s.payment.State = types.StatePendingVerification
	s.payment.OfflineQueued = true
	s.payment.ReceivedAmount = received
	if received > requested {
		s.payment.Overpayment = &types.OverpaymentInfo{
			Amount:   received - requested,
			Handling: types.HandlingTip,
		}
	}
	snapshot := *s.payment
	s.mu.Unlock()

	s.deps.Logger.Info("payment queued offline", map[string]any{
		"payment": snapshot.ID, "mint": snapshot.Mint, "amount": received,
	})
	s.deps.Metrics.IncCounter("offline_queued", map[string]string{"mint": snapshot.Mint})
	s.deps.Emit.Emit(types.Event{Type: types.EventOfflineQueued, Payment: &snapshot})
	return snapshot, nil
}

// settleOnline runs the strict validate -> checkstate -> swap pipeline.
func (s *Session) settleOnline(ctx context.Context, tok *types.Token, received, requested uint64) (types.Payment, error) {
	cfg := s.deps.Config

	if _, err := s.deps.Client.Validate(ctx, tok, cfg.TrustedMints); err != nil {
		return s.failed(err)
	}
	if s.state() == types.StateCancelled {
		return s.Payment(), nil
	}

	states, err := s.deps.Client.CheckState(ctx, tok.Mint, tok.Proofs)
	if err != nil {
		return s.failed(err)
	}
	for _, st := range states {
		switch st {
		case types.ProofStateSpent:
			return s.failed(types.NewError(types.ErrAlreadySpent, "proof already spent"))
		case types.ProofStatePending:
			return s.failed(types.NewError(types.ErrAlreadySpent,
				"proof reserved by an in-flight transaction"))
		}
	}

	if !s.setState(types.StateProcessing) {
		return s.Payment(), nil
	}

	over := received - requested
	handling := types.OverpaymentHandling("")
	if over > 0 {
		handling = overpay.Classify(over, cfg)
		if handling == types.HandlingPrompt {
			snapshot := s.Payment()
			s.deps.Emit.Emit(types.Event{Type: types.EventOverpaymentPrompt, Payment: &snapshot})
			if s.deps.Prompt != nil {
				handling = s.deps.Prompt(over)
			} else {
				handling = types.HandlingTip
			}
		}
	}

	// Point of no return. Refuse cancellation from here on: the swap either
	// completes or fails, it cannot be aborted mid-flight.
	s.mu.Lock()
	if s.payment.State.Terminal() {
		s.mu.Unlock()
		return s.Payment(), nil
	}
	s.swapping = true
	s.mu.Unlock()

	var overInfo *types.OverpaymentInfo
	var redeemed types.Proofs

	if handling == types.HandlingChange {
		keep, send, err := s.deps.Client.Split(ctx, tok.Mint, tok.Proofs, requested)
		if err != nil {
			return s.failed(swapFailure(err))
		}
		redeemed, err = s.deps.Client.Swap(ctx, tok.Mint, keep)
		if err != nil {
			return s.failed(swapFailure(err))
		}
		changeToken, err := token.Encode(tok.Mint, send, tok.Unit, "change")
		if err != nil {
			return s.failed(swapFailure(err))
		}
		overInfo = &types.OverpaymentInfo{Amount: over, Handling: types.HandlingChange, ChangeToken: changeToken}
	} else {
		redeemed, err = s.deps.Client.Swap(ctx, tok.Mint, tok.Proofs)
		if err != nil {
			return s.failed(swapFailure(err))
		}
		if over > 0 {
			overInfo = &types.OverpaymentInfo{Amount: over, Handling: types.HandlingTip}
		}
	}

	if s.deps.Redeem != nil {
		s.deps.Redeem(redeemed)
	}

	now := time.Now()
	s.mu.Lock()
	s.payment.State = types.StateCompleted
	s.payment.ReceivedAmount = received
	s.payment.Overpayment = overInfo
	s.payment.TransactionID = uuid.NewString()
	s.payment.CompletedAt = &now
	snapshot := *s.payment
	s.mu.Unlock()

	s.deps.Logger.Info("payment completed", map[string]any{
		"payment": snapshot.ID, "mint": snapshot.Mint,
		"amount": received, "transaction": snapshot.TransactionID,
	})
	s.deps.Metrics.IncCounter("payment_completed", map[string]string{"mint": snapshot.Mint})
	s.deps.Emit.Emit(types.Event{
		Type:    types.EventPaymentCompleted,
		Payment: &snapshot,
		Record:  snapshot.Record(),
	})
	return snapshot, nil
}

// Cancel aborts the payment from any pre-swap, non-terminal state. It also
// cancels an in-flight hardware read. Once a swap is in flight cancellation
// is refused: the mint's state would be indeterminate.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.payment.State.Terminal() || s.payment.State == types.StatePendingVerification {
		state := s.payment.State
		s.mu.Unlock()
		return types.Errorf(types.ErrSessionState, "cannot cancel payment in state %s", state)
	}
	if s.swapping {
		s.mu.Unlock()
		return types.NewError(types.ErrSessionState, "swap in flight, cancellation refused")
	}
	if s.readCancel != nil {
		s.readCancel()
	}
	if s.procCancel != nil {
		s.procCancel()
	}
	now := time.Now()
	s.payment.State = types.StateCancelled
	s.payment.CompletedAt = &now
	snapshot := *s.payment
	s.mu.Unlock()

	s.deps.Logger.Info("payment cancelled", map[string]any{"payment": snapshot.ID})
	s.deps.Emit.Emit(types.Event{Type: types.EventPaymentCancelled, Payment: &snapshot})
	return nil
}

// swapFailure maps a swap-stage error. A timeout or ambiguous protocol
// failure after validation succeeded means the mint may have consumed the
// proofs; that is a distinct status-unknown condition, never a clean
// failure. A refused connection means the request was never delivered and
// keeps its own code.
func swapFailure(err error) error {
	switch types.CodeOf(err) {
	case types.ErrNetworkTimeout, types.ErrStatusUnknown:
		return types.Errorf(types.ErrStatusUnknown, "swap outcome unknown: %v", err)
	}
	return err
}
