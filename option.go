package nutpos

import (
	"github.com/nutpos/nutpos/logger"
	"github.com/nutpos/nutpos/metrics"
	"github.com/nutpos/nutpos/mint"
	"github.com/nutpos/nutpos/queue"
	"github.com/nutpos/nutpos/types"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.rec = r
	}
}

// WithMintClient replaces the default HTTP mint client, e.g. with a fake in
// tests or simulators.
func WithMintClient(c mint.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// WithStore replaces the offline queue's persistence backend.
func WithStore(s queue.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithConnectivity replaces the default mint-probe reachability check.
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) {
		e.conn = c
	}
}

// WithPromptResolver wires the UI callback deciding overpayments the policy
// classified as "prompt". Without one, prompts resolve to tip.
func WithPromptResolver(f func(amount uint64) types.OverpaymentHandling) Option {
	return func(e *Engine) {
		e.prompt = f
	}
}
