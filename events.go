package nutpos

import (
	"sync"
	"time"

	"github.com/nutpos/nutpos/types"
)

// subscriberBuffer is sized so a briefly-stalled UI does not lose events;
// anything slower is dropped rather than allowed to block a payment.
const subscriberBuffer = 64

// eventBus fans engine events out to every subscriber. Multiple observers
// (UI, logging, terminal sync) receive events independently.
type eventBus struct {
	mu     sync.Mutex
	subs   []chan types.Event
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{}
}

func (b *eventBus) subscribe() <-chan types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan types.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *eventBus) unsubscribe(target <-chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish delivers the event to every subscriber without blocking.
func (b *eventBus) publish(ev types.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
