package mint

import (
	"context"
	"fmt"
	"sync"

	"github.com/nutpos/nutpos/types"
)

// FakeClient emulates a mint in memory for tests and simulators. It tracks
// spent secrets so double-redemption surfaces as ALREADY_SPENT, and counts
// calls so tests can assert which network operations ran.
type FakeClient struct {
	mu sync.Mutex

	// Unreachable makes every call fail MINT_UNAVAILABLE, emulating a
	// terminal with no connectivity.
	Unreachable bool

	// FailSwapWith, when set, is returned by Swap/Split after validation
	// style calls succeeded.
	FailSwapWith error

	spent   map[string]bool
	pending map[string]bool
	seq     uint64

	ValidateCalls   int
	CheckStateCalls int
	SwapCalls       int
	SplitCalls      int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{spent: make(map[string]bool), pending: make(map[string]bool)}
}

// MarkSpent records secrets as already redeemed.
func (f *FakeClient) MarkSpent(secrets ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range secrets {
		f.spent[s] = true
	}
}

// MarkPending records secrets as reserved by an in-flight transaction.
func (f *FakeClient) MarkPending(secrets ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range secrets {
		f.pending[s] = true
	}
}

func (f *FakeClient) offline() error {
	if f.Unreachable {
		return types.NewError(types.ErrMintUnavailable, "fake mint unreachable")
	}
	return nil
}

func (f *FakeClient) Validate(_ context.Context, t *types.Token, trustedMints []string) (*ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ValidateCalls++
	if err := f.offline(); err != nil {
		return nil, err
	}
	for _, m := range trustedMints {
		if m == t.Mint {
			return &ValidationResult{KeysetID: "fake-keyset", Unit: "sat"}, nil
		}
	}
	return nil, types.Errorf(types.ErrUntrustedMint, "mint %s is not in the trusted set", t.Mint)
}

func (f *FakeClient) CheckState(_ context.Context, _ string, proofs types.Proofs) ([]types.ProofState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CheckStateCalls++
	if err := f.offline(); err != nil {
		return nil, err
	}
	states := make([]types.ProofState, len(proofs))
	for i, p := range proofs {
		switch {
		case f.spent[p.Secret]:
			states[i] = types.ProofStateSpent
		case f.pending[p.Secret]:
			states[i] = types.ProofStatePending
		default:
			states[i] = types.ProofStateUnspent
		}
	}
	return states, nil
}

func (f *FakeClient) Swap(_ context.Context, _ string, proofs types.Proofs) (types.Proofs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SwapCalls++
	if err := f.offline(); err != nil {
		return nil, err
	}
	if f.FailSwapWith != nil {
		return nil, f.FailSwapWith
	}
	for _, p := range proofs {
		if f.spent[p.Secret] {
			return nil, types.Errorf(types.ErrAlreadySpent, "secret already spent")
		}
	}
	for _, p := range proofs {
		f.spent[p.Secret] = true
	}
	return f.issue(proofs.Amount()), nil
}

func (f *FakeClient) Split(_ context.Context, _ string, proofs types.Proofs, keepAmount uint64) (types.Proofs, types.Proofs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SplitCalls++
	if err := f.offline(); err != nil {
		return nil, nil, err
	}
	if f.FailSwapWith != nil {
		return nil, nil, f.FailSwapWith
	}
	total := proofs.Amount()
	if keepAmount > total {
		return nil, nil, types.Errorf(types.ErrInsufficientAmount,
			"cannot keep %d from proofs worth %d", keepAmount, total)
	}
	for _, p := range proofs {
		if f.spent[p.Secret] {
			return nil, nil, types.Errorf(types.ErrAlreadySpent, "secret already spent")
		}
	}
	for _, p := range proofs {
		f.spent[p.Secret] = true
	}
	return f.issue(keepAmount), f.issue(total - keepAmount), nil
}

// Stats returns a race-free snapshot of the call counters, for tests that
// assert on traffic produced by background goroutines.
func (f *FakeClient) Stats() (validate, checkState, swap, split int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ValidateCalls, f.CheckStateCalls, f.SwapCalls, f.SplitCalls
}

func (f *FakeClient) Ping(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offline()
}

// issue fabricates fresh proofs of the given total, one per power of two.
func (f *FakeClient) issue(amount uint64) types.Proofs {
	var proofs types.Proofs
	for _, part := range splitAmount(amount) {
		f.seq++
		proofs = append(proofs, types.Proof{
			Amount: part,
			ID:     "fake-keyset",
			Secret: fmt.Sprintf("fake-secret-%d", f.seq),
			C:      fmt.Sprintf("fake-signature-%d", f.seq),
		})
	}
	return proofs
}

var _ Client = (*FakeClient)(nil)
