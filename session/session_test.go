package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nutpos/nutpos/mint"
	"github.com/nutpos/nutpos/queue"
	"github.com/nutpos/nutpos/token"
	"github.com/nutpos/nutpos/types"
)

const mintURL = "https://mint.example.com"

var secretSeq int

// rawToken encodes a token worth amount, one proof per power-of-two part.
func rawToken(t *testing.T, amount uint64) string {
	t.Helper()
	var proofs types.Proofs
	for remaining, pos := amount, uint(0); remaining > 0; pos++ {
		if remaining&1 == 1 {
			secretSeq++
			proofs = append(proofs, types.Proof{
				Amount: 1 << pos,
				ID:     "fake-keyset",
				Secret: fmt.Sprintf("cust-secret-%d", secretSeq),
				C:      fmt.Sprintf("cust-sig-%d", secretSeq),
			})
		}
		remaining >>= 1
	}
	raw, err := token.Encode(mintURL, proofs, "sat", "")
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return raw
}

type harness struct {
	cfg    *types.Config
	client *mint.FakeClient
	queue  *queue.Queue

	mu       sync.Mutex
	events   []types.Event
	redeemed types.Proofs
}

func (h *harness) emit(e types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *harness) sawEvent(typ types.EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func newHarness(mutate func(*types.Config)) *harness {
	cfg := types.DefaultConfig(mintURL)
	if mutate != nil {
		mutate(&cfg)
	}
	return &harness{
		cfg:    &cfg,
		client: mint.NewFakeClient(),
		queue:  queue.New(queue.NewMemoryStore()),
	}
}

func (h *harness) session(requested uint64, online bool, prompt func(uint64) types.OverpaymentHandling) *Session {
	payment := &types.Payment{
		ID:              "pay-1",
		State:           types.StatePending,
		RequestedAmount: requested,
		Unit:            h.cfg.Unit,
		CreatedAt:       time.Now(),
	}
	return New(payment, Deps{
		Config: h.cfg,
		Client: h.client,
		Queue:  h.queue,
		Online: func(context.Context, string) bool { return online },
		Prompt: prompt,
		Redeem: func(ps types.Proofs) {
			h.mu.Lock()
			h.redeemed = append(h.redeemed, ps...)
			h.mu.Unlock()
		},
		Emit: h.emit,
	})
}

func TestExactPaymentCompletes(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 1000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if p.State != types.StateCompleted {
		t.Fatalf("state = %s, want completed", p.State)
	}
	if p.ReceivedAmount != 1000 || p.Overpayment != nil {
		t.Fatalf("unexpected amounts: %+v", p)
	}
	if p.TransactionID == "" || p.CompletedAt == nil {
		t.Fatalf("completion metadata missing: %+v", p)
	}
	if h.client.ValidateCalls != 1 || h.client.CheckStateCalls != 1 || h.client.SwapCalls != 1 || h.client.SplitCalls != 0 {
		t.Fatalf("unexpected mint traffic: %+v", h.client)
	}
	if h.redeemed.Amount() != 1000 {
		t.Fatalf("redeemed %d, want 1000", h.redeemed.Amount())
	}
	if !h.sawEvent(types.EventPaymentCompleted) {
		t.Fatalf("payment_completed event not emitted")
	}
}

func TestSmallOverpaymentBecomesTip(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 1005))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if p.State != types.StateCompleted {
		t.Fatalf("state = %s", p.State)
	}
	if p.Overpayment == nil || p.Overpayment.Amount != 5 || p.Overpayment.Handling != types.HandlingTip {
		t.Fatalf("overpayment = %+v, want 5 as tip", p.Overpayment)
	}
	if h.client.SplitCalls != 0 {
		t.Fatalf("tip must not split")
	}
	if h.redeemed.Amount() != 1005 {
		t.Fatalf("tip keeps the full token, redeemed %d", h.redeemed.Amount())
	}
}

func TestLargeOverpaymentProducesChange(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 5000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if p.Overpayment == nil || p.Overpayment.Handling != types.HandlingChange || p.Overpayment.Amount != 4000 {
		t.Fatalf("overpayment = %+v, want 4000 as change", p.Overpayment)
	}
	change, err := token.Decode(p.Overpayment.ChangeToken)
	if err != nil {
		t.Fatalf("change token does not decode: %v", err)
	}
	if change.Amount() != 4000 {
		t.Fatalf("change worth %d, want 4000", change.Amount())
	}
	if h.client.SplitCalls != 1 || h.client.SwapCalls != 1 {
		t.Fatalf("change path needs one split and one swap: %+v", h.client)
	}
	if h.redeemed.Amount() != 1000 {
		t.Fatalf("merchant keeps exactly the requested amount, got %d", h.redeemed.Amount())
	}
}

func TestPromptDefaultsToTip(t *testing.T) {
	h := newHarness(func(c *types.Config) { c.OverpaymentMode = types.ModePrompt })
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 1500))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !h.sawEvent(types.EventOverpaymentPrompt) {
		t.Fatalf("overpayment_prompt event not emitted")
	}
	if p.Overpayment == nil || p.Overpayment.Handling != types.HandlingTip {
		t.Fatalf("unresolved prompt should default to tip, got %+v", p.Overpayment)
	}
}

func TestPromptResolverCanChooseChange(t *testing.T) {
	h := newHarness(func(c *types.Config) { c.OverpaymentMode = types.ModePrompt })
	s := h.session(1000, true, func(uint64) types.OverpaymentHandling { return types.HandlingChange })

	p, err := s.ProcessToken(context.Background(), rawToken(t, 1500))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if p.Overpayment == nil || p.Overpayment.Handling != types.HandlingChange {
		t.Fatalf("resolver chose change, got %+v", p.Overpayment)
	}
	if h.client.SplitCalls != 1 {
		t.Fatalf("change resolution must split")
	}
}

func TestInsufficientAmountFailsWithoutMintTraffic(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 500))
	if !types.IsCode(err, types.ErrInsufficientAmount) {
		t.Fatalf("expected INSUFFICIENT_AMOUNT, got %v", err)
	}
	if p.State != types.StateFailed || p.ErrorCode != types.ErrInsufficientAmount {
		t.Fatalf("payment not failed correctly: %+v", p)
	}
	if h.client.ValidateCalls != 0 || h.client.SwapCalls != 0 {
		t.Fatalf("short token must never reach the mint: %+v", h.client)
	}
}

// The payment returned from a failed ProcessToken must already carry the
// terminal state and error code, not a snapshot taken mid-pipeline.
func TestFailureReturnsTerminalSnapshot(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 500))
	if err == nil {
		t.Fatalf("expected failure")
	}
	if p.State != types.StateFailed || p.ErrorCode == "" || p.CompletedAt == nil {
		t.Fatalf("returned snapshot predates the failure: %+v", p)
	}
	stored := s.Payment()
	if stored.State != p.State || stored.ErrorCode != p.ErrorCode {
		t.Fatalf("returned snapshot diverges from the session: %+v vs %+v", p, stored)
	}
}

func TestMalformedTokenFails(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), "not-a-token")
	if !types.IsCode(err, types.ErrInvalidFormat) {
		t.Fatalf("expected INVALID_FORMAT, got %v", err)
	}
	if p.State != types.StateFailed {
		t.Fatalf("state = %s", p.State)
	}
}

func TestSpentProofFailsBeforeSwap(t *testing.T) {
	h := newHarness(nil)
	raw := rawToken(t, 1000)
	tok, err := token.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h.client.MarkSpent(tok.Proofs[0].Secret)

	s := h.session(1000, true, nil)
	p, err := s.ProcessToken(context.Background(), raw)
	if !types.IsCode(err, types.ErrAlreadySpent) {
		t.Fatalf("expected ALREADY_SPENT, got %v", err)
	}
	if p.State != types.StateFailed {
		t.Fatalf("state = %s", p.State)
	}
	if h.client.SwapCalls != 0 {
		t.Fatalf("spent proofs must not be swapped")
	}
}

func TestPendingProofFailsBeforeSwap(t *testing.T) {
	h := newHarness(nil)
	raw := rawToken(t, 1000)
	tok, err := token.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h.client.MarkPending(tok.Proofs[0].Secret)

	s := h.session(1000, true, nil)
	p, err := s.ProcessToken(context.Background(), raw)
	if !types.IsCode(err, types.ErrAlreadySpent) {
		t.Fatalf("expected ALREADY_SPENT, got %v", err)
	}
	if !strings.Contains(err.Error(), "reserved") {
		t.Fatalf("pending proofs need their own message, got %q", err.Error())
	}
	if p.State != types.StateFailed {
		t.Fatalf("state = %s", p.State)
	}
	if h.client.SwapCalls != 0 {
		t.Fatalf("reserved proofs must not be swapped")
	}
}

func TestOfflineAcceptanceQueues(t *testing.T) {
	h := newHarness(func(c *types.Config) {
		c.OfflineEnabled = true
		c.OfflineMaxAmount = 5000
	})
	s := h.session(1000, false, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 1050))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if p.State != types.StatePendingVerification || !p.OfflineQueued {
		t.Fatalf("expected pending_verification, got %+v", p)
	}
	if p.Overpayment == nil || p.Overpayment.Handling != types.HandlingTip {
		t.Fatalf("offline overpayment must be a tip, got %+v", p.Overpayment)
	}
	if h.client.ValidateCalls != 0 || h.client.SwapCalls != 0 {
		t.Fatalf("offline acceptance must not touch the mint: %+v", h.client)
	}
	n, _ := h.queue.Len(context.Background())
	if n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	if !h.sawEvent(types.EventOfflineQueued) {
		t.Fatalf("offline_queued event not emitted")
	}
}

func TestOfflineDisabledFails(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, false, nil)

	_, err := s.ProcessToken(context.Background(), rawToken(t, 1000))
	if !types.IsCode(err, types.ErrOfflineDisabled) {
		t.Fatalf("expected OFFLINE_DISABLED, got %v", err)
	}
	n, _ := h.queue.Len(context.Background())
	if n != 0 {
		t.Fatalf("nothing may be queued when offline is disabled")
	}
}

func TestOfflineCeilingFails(t *testing.T) {
	h := newHarness(func(c *types.Config) {
		c.OfflineEnabled = true
		c.OfflineMaxAmount = 500
	})
	s := h.session(100, false, nil)

	_, err := s.ProcessToken(context.Background(), rawToken(t, 1000))
	if !types.IsCode(err, types.ErrOfflineCeilingExceeded) {
		t.Fatalf("expected OFFLINE_CEILING_EXCEEDED, got %v", err)
	}
	n, _ := h.queue.Len(context.Background())
	if n != 0 {
		t.Fatalf("over-ceiling token must not be queued")
	}
}

func TestProcessTokenIsIdempotent(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	if _, err := s.ProcessToken(context.Background(), rawToken(t, 1000)); err != nil {
		t.Fatalf("first process: %v", err)
	}
	_, err := s.ProcessToken(context.Background(), rawToken(t, 1000))
	if !types.IsCode(err, types.ErrSessionState) {
		t.Fatalf("expected SESSION_STATE on replay, got %v", err)
	}
	if h.client.SwapCalls != 1 {
		t.Fatalf("replay triggered a second swap")
	}
}

func TestCancelPendingPayment(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.Payment().State != types.StateCancelled {
		t.Fatalf("state = %s", s.Payment().State)
	}
	if !h.sawEvent(types.EventPaymentCancelled) {
		t.Fatalf("payment_cancelled event not emitted")
	}
	_, err := s.ProcessToken(context.Background(), rawToken(t, 1000))
	if !types.IsCode(err, types.ErrSessionState) {
		t.Fatalf("cancelled session must refuse tokens, got %v", err)
	}
}

func TestCancelRefusedAfterCompletion(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	if _, err := s.ProcessToken(context.Background(), rawToken(t, 1000)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := s.Cancel(); !types.IsCode(err, types.ErrSessionState) {
		t.Fatalf("expected SESSION_STATE, got %v", err)
	}
}

func TestCancelRefusedWhileQueued(t *testing.T) {
	h := newHarness(func(c *types.Config) {
		c.OfflineEnabled = true
		c.OfflineMaxAmount = 5000
	})
	s := h.session(1000, false, nil)

	if _, err := s.ProcessToken(context.Background(), rawToken(t, 1000)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := s.Cancel(); !types.IsCode(err, types.ErrSessionState) {
		t.Fatalf("queued payments are owned by the reconciler, got %v", err)
	}
}

func TestSwapTimeoutBecomesStatusUnknown(t *testing.T) {
	h := newHarness(nil)
	h.client.FailSwapWith = types.NewError(types.ErrNetworkTimeout, "swap timed out")
	s := h.session(1000, true, nil)

	p, err := s.ProcessToken(context.Background(), rawToken(t, 1000))
	if !types.IsCode(err, types.ErrStatusUnknown) {
		t.Fatalf("expected STATUS_UNKNOWN, got %v", err)
	}
	if p.ErrorCode != types.ErrStatusUnknown {
		t.Fatalf("payment carries %s, want STATUS_UNKNOWN", p.ErrorCode)
	}
}

func TestSwapRefusedConnectionKeepsCode(t *testing.T) {
	h := newHarness(nil)
	h.client.FailSwapWith = types.NewError(types.ErrMintUnavailable, "connection refused")
	s := h.session(1000, true, nil)

	_, err := s.ProcessToken(context.Background(), rawToken(t, 1000))
	if !types.IsCode(err, types.ErrMintUnavailable) {
		t.Fatalf("expected MINT_UNAVAILABLE, got %v", err)
	}
}

type stubSource struct {
	raw string
	err error
}

func (s stubSource) Read(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.raw, nil
}

// blockingSource blocks until its context is cancelled, like an NFC reader
// waiting for a tap that never comes.
type blockingSource struct{ started chan struct{} }

func (b blockingSource) Read(ctx context.Context) (string, error) {
	close(b.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestReadFromSettlesToken(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	p, err := s.ReadFrom(context.Background(), stubSource{raw: rawToken(t, 1000)})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if p.State != types.StateCompleted {
		t.Fatalf("state = %s", p.State)
	}
}

func TestReadFailureLeavesPaymentPending(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	_, err := s.ReadFrom(context.Background(), stubSource{err: context.DeadlineExceeded})
	if err == nil {
		t.Fatalf("expected read error")
	}
	if s.Payment().State != types.StatePending {
		t.Fatalf("failed read must leave the payment pending, got %s", s.Payment().State)
	}
	// The read can be retried.
	p, err := s.ReadFrom(context.Background(), stubSource{raw: rawToken(t, 1000)})
	if err != nil {
		t.Fatalf("retry read: %v", err)
	}
	if p.State != types.StateCompleted {
		t.Fatalf("state = %s", p.State)
	}
}

func TestCancelUnblocksHardwareRead(t *testing.T) {
	h := newHarness(nil)
	s := h.session(1000, true, nil)

	src := blockingSource{started: make(chan struct{})}
	done := make(chan types.Payment, 1)
	go func() {
		p, _ := s.ReadFrom(context.Background(), src)
		done <- p
	}()

	<-src.started
	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case p := <-done:
		if p.State != types.StateCancelled {
			t.Fatalf("state = %s, want cancelled", p.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read did not unblock after cancel")
	}
}
