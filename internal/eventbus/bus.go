// Package eventbus fans collection lifecycle events out to in-process
// listeners: the API's recent-runs view and the CLI progress log.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnkcr/collection-service/internal/metrics"
)

// Event is a collection lifecycle notification. Key identifies the
// collection as "chainId:address".
type Event struct {
	Type      string
	Key       string
	Timestamp time.Time
	Data      interface{}
}

// Key formats the event key of a collection. The address is lowercased.
func Key(chainID, address string) string {
	return chainID + ":" + strings.ToLower(strings.TrimSpace(address))
}

// Filter selects events for a subscription. Empty Types matches every
// type and an empty Key matches every collection.
type Filter struct {
	Types []string
	Key   string
}

func (f Filter) match(evt Event) bool {
	if f.Key != "" && f.Key != evt.Key {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == evt.Type {
			return true
		}
	}
	return false
}

// Subscription receives matching events on C until it or the bus is
// closed, after which C is closed.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	filter Filter
	bus    *Bus
	once   sync.Once
}

// Close detaches the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.detach(s) })
}

// Bus delivers events without blocking the publisher. A subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe returns a subscription with a buffer of the given size. On a
// closed bus the returned subscription is already closed.
func (b *Bus) Subscribe(buffer int, f Filter) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, filter: f, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) detach(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish is a no-op after Close.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.filter.match(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(evt.Type).Inc()
		}
	}
}

// Dropped is the number of deliveries missed by full subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops delivery and closes every open subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
