// Package mint implements the protocol client for a remote ecash mint:
// token validation, spend-state checks, and the split/swap exchange that
// redeems proofs. All network calls carry an explicit timeout, and swap and
// split calls are serialized per mint.
package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nutpos/nutpos/logger"
	"github.com/nutpos/nutpos/metrics"
	"github.com/nutpos/nutpos/types"
)

// ValidationResult reports the outcome of local token validation against a
// mint's published keysets.
type ValidationResult struct {
	KeysetID string
	Unit     string
}

// Client is the contract for talking to an issuing mint.
type Client interface {
	// Validate checks the token's mint against the trusted set and its
	// proofs against the mint's published keysets.
	Validate(ctx context.Context, t *types.Token, trustedMints []string) (*ValidationResult, error)

	// CheckState returns the spend state of each proof, in input order.
	CheckState(ctx context.Context, mintURL string, proofs types.Proofs) ([]types.ProofState, error)

	// Split exchanges proofs for two fresh partitions such that the keep
	// partition sums to keepAmount. The inputs are consumed.
	Split(ctx context.Context, mintURL string, proofs types.Proofs, keepAmount uint64) (keep, send types.Proofs, err error)

	// Swap redeems proofs for fresh ones of equal value. Once Swap returns
	// success the inputs are permanently consumed.
	Swap(ctx context.Context, mintURL string, proofs types.Proofs) (types.Proofs, error)

	// Ping probes the mint for reachability.
	Ping(ctx context.Context, mintURL string) error
}

// HTTPClient talks to mints over their REST protocol.
type HTTPClient struct {
	http    *http.Client
	timeout time.Duration
	log     logger.Logger
	rec     metrics.Recorder

	mu        sync.Mutex
	mintLocks map[string]*sync.Mutex

	ksMu    sync.RWMutex
	keysets map[string]*mintKeysets
}

type mintKeysets struct {
	active Keyset
	keys   map[string]map[uint64]*secp256k1.PublicKey // keyset id -> amount -> key
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *HTTPClient) { c.log = l }
}

func WithClientMetrics(r metrics.Recorder) ClientOption {
	return func(c *HTTPClient) { c.rec = r }
}

// NewHTTPClient creates a mint client with the given per-call timeout.
func NewHTTPClient(timeout time.Duration, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		http:      &http.Client{},
		timeout:   timeout,
		log:       logger.NoopLogger{},
		rec:       metrics.NoopRecorder{},
		mintLocks: make(map[string]*sync.Mutex),
		keysets:   make(map[string]*mintKeysets),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// mintLock returns the mutex serializing swap/split traffic for one mint.
// Two concurrent redemptions against the same mint would race its
// replay-protection state.
func (c *HTTPClient) mintLock(mintURL string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.mintLocks[mintURL]
	if !ok {
		l = &sync.Mutex{}
		c.mintLocks[mintURL] = l
	}
	return l
}

func (c *HTTPClient) Validate(ctx context.Context, t *types.Token, trustedMints []string) (*ValidationResult, error) {
	trusted := false
	for _, m := range trustedMints {
		if m == t.Mint {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, types.Errorf(types.ErrUntrustedMint, "mint %s is not in the trusted set", t.Mint)
	}

	start := time.Now()
	ks, err := c.loadKeysets(ctx, t.Mint, false)
	if err != nil {
		return nil, err
	}
	c.rec.ObserveLatency("validate", time.Since(start), map[string]string{"mint": t.Mint})

	for _, p := range t.Proofs {
		if _, ok := ks.keys[p.ID]; !ok {
			// Unknown keyset may just mean our cache predates a rotation.
			ks, err = c.loadKeysets(ctx, t.Mint, true)
			if err != nil {
				return nil, err
			}
			if _, ok := ks.keys[p.ID]; !ok {
				return nil, types.Errorf(types.ErrInvalidSignature, "proof signed under unknown keyset %s", p.ID)
			}
		}
	}

	return &ValidationResult{KeysetID: ks.active.ID, Unit: ks.active.Unit}, nil
}

func (c *HTTPClient) CheckState(ctx context.Context, mintURL string, proofs types.Proofs) ([]types.ProofState, error) {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		y, err := proofY(p.Secret)
		if err != nil {
			return nil, err
		}
		ys[i] = y
	}

	start := time.Now()
	var resp PostCheckStateResponse
	if err := c.do(ctx, http.MethodPost, mintURL+"/v1/checkstate", PostCheckStateRequest{Ys: ys}, &resp); err != nil {
		return nil, err
	}
	c.rec.ObserveLatency("checkstate", time.Since(start), map[string]string{"mint": mintURL})

	if len(resp.States) != len(proofs) {
		return nil, types.Errorf(types.ErrStatusUnknown,
			"mint returned %d states for %d proofs", len(resp.States), len(proofs))
	}
	states := make([]types.ProofState, len(resp.States))
	for i, s := range resp.States {
		states[i] = s.State
	}
	return states, nil
}

func (c *HTTPClient) Swap(ctx context.Context, mintURL string, proofs types.Proofs) (types.Proofs, error) {
	lock := c.mintLock(mintURL)
	lock.Lock()
	defer lock.Unlock()

	ks, err := c.loadKeysets(ctx, mintURL, false)
	if err != nil {
		return nil, err
	}

	outputs, secrets, err := newBlindedMessages(splitAmount(proofs.Amount()), ks.active.ID)
	if err != nil {
		return nil, err
	}
	sigs, err := c.postSwap(ctx, mintURL, proofs, outputs)
	if err != nil {
		return nil, err
	}
	return unblindSignatures(sigs, secrets, ks.keys[ks.active.ID])
}

func (c *HTTPClient) Split(ctx context.Context, mintURL string, proofs types.Proofs, keepAmount uint64) (types.Proofs, types.Proofs, error) {
	total := proofs.Amount()
	if keepAmount > total {
		return nil, nil, types.Errorf(types.ErrInsufficientAmount,
			"cannot keep %d from proofs worth %d", keepAmount, total)
	}

	lock := c.mintLock(mintURL)
	lock.Lock()
	defer lock.Unlock()

	ks, err := c.loadKeysets(ctx, mintURL, false)
	if err != nil {
		return nil, nil, err
	}

	keepParts := splitAmount(keepAmount)
	sendParts := splitAmount(total - keepAmount)
	outputs, secrets, err := newBlindedMessages(append(keepParts, sendParts...), ks.active.ID)
	if err != nil {
		return nil, nil, err
	}
	sigs, err := c.postSwap(ctx, mintURL, proofs, outputs)
	if err != nil {
		return nil, nil, err
	}
	fresh, err := unblindSignatures(sigs, secrets, ks.keys[ks.active.ID])
	if err != nil {
		return nil, nil, err
	}
	return fresh[:len(keepParts)], fresh[len(keepParts):], nil
}

func (c *HTTPClient) postSwap(ctx context.Context, mintURL string, inputs types.Proofs, outputs []BlindedMessage) ([]BlindedSignature, error) {
	start := time.Now()
	var resp PostSwapResponse
	err := c.do(ctx, http.MethodPost, mintURL+"/v1/swap", PostSwapRequest{Inputs: inputs, Outputs: outputs}, &resp)
	c.rec.ObserveLatency("swap", time.Since(start), map[string]string{"mint": mintURL})
	if err != nil {
		c.log.Warn("swap failed", map[string]any{"mint": mintURL, "error": err.Error()})
		return nil, err
	}
	return resp.Signatures, nil
}

func (c *HTTPClient) Ping(ctx context.Context, mintURL string) error {
	var info Info
	return c.do(ctx, http.MethodGet, mintURL+"/v1/info", nil, &info)
}

// loadKeysets returns the cached keysets for a mint, fetching on first use
// or when refresh is forced after a keyset-id miss.
func (c *HTTPClient) loadKeysets(ctx context.Context, mintURL string, refresh bool) (*mintKeysets, error) {
	if !refresh {
		c.ksMu.RLock()
		ks, ok := c.keysets[mintURL]
		c.ksMu.RUnlock()
		if ok {
			return ks, nil
		}
	}

	var resp KeysResponse
	if err := c.do(ctx, http.MethodGet, mintURL+"/v1/keys", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Keysets) == 0 {
		return nil, types.Errorf(types.ErrInvalidSignature, "mint %s published no keysets", mintURL)
	}

	ks := &mintKeysets{
		active: resp.Keysets[0],
		keys:   make(map[string]map[uint64]*secp256k1.PublicKey, len(resp.Keysets)),
	}
	for _, keyset := range resp.Keysets {
		keys, err := parseKeys(keyset)
		if err != nil {
			return nil, err
		}
		ks.keys[keyset.ID] = keys
	}

	c.ksMu.Lock()
	c.keysets[mintURL] = ks
	c.ksMu.Unlock()
	return ks, nil
}

// do performs one bounded request/response exchange and maps transport and
// protocol failures onto the engine error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, url string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return types.Errorf(types.ErrInvalidFormat, "encode request: %v", err)
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return types.Errorf(types.ErrMintUnavailable, "build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.Errorf(types.ErrNetworkTimeout, "%s %s timed out after %s", method, url, c.timeout)
		}
		return types.Errorf(types.ErrMintUnavailable, "%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapMintError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.Errorf(types.ErrStatusUnknown, "decode response from %s: %v", url, err)
	}
	return nil
}

func mapMintError(resp *http.Response) error {
	blob, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var me mintError
	_ = json.Unmarshal(blob, &me)

	detail := me.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(blob))
	}
	if detail == "" {
		detail = resp.Status
	}

	switch {
	case me.Code == codeTokenSpent || strings.Contains(strings.ToLower(detail), "spent"):
		return types.Errorf(types.ErrAlreadySpent, "%s", detail)
	case resp.StatusCode >= 500:
		return types.Errorf(types.ErrMintUnavailable, "mint error %d: %s", resp.StatusCode, detail)
	default:
		return types.Errorf(types.ErrInvalidSignature, "mint rejected request (%d): %s", resp.StatusCode, detail)
	}
}

var _ Client = (*HTTPClient)(nil)
