// Package metrics defines the engine's instrumentation contract. Counters
// track payment and reconciliation outcomes; latency histograms cover the
// mint protocol operations.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
