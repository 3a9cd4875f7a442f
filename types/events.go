package types

import "time"

// EventType identifies what a published Event describes.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventPaymentCompleted  EventType = "payment_completed"
	EventPaymentFailed     EventType = "payment_failed"
	EventPaymentCancelled  EventType = "payment_cancelled"
	EventOfflineQueued     EventType = "offline_queued"
	EventOverpaymentPrompt EventType = "overpayment_prompt"
	EventReconcileStarted  EventType = "reconcile_started"
	EventReconcileResolved EventType = "reconcile_resolved"
	EventReconcileDeferred EventType = "reconcile_deferred"
)

// Event is published to every subscriber on payment transitions and
// reconciliation outcomes. Payment and Record are snapshots; subscribers
// must not mutate them.
type Event struct {
	Type    EventType      `json:"type"`
	Payment *Payment       `json:"payment,omitempty"`
	Record  *PaymentRecord `json:"record,omitempty"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink receives events. The engine fans events out to all subscribers; a
// nil-safe no-op sink is used when nothing is wired.
type Sink func(Event)

// Emit calls the sink if one is set.
func (s Sink) Emit(ev Event) {
	if s != nil {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		s(ev)
	}
}
