// Package eventbus is an in-process publish/subscribe fan-out for newly
// detected anomalies, serving the API layer's live WebSocket channel. Each
// subscriber owns a bounded channel; a subscriber that falls behind is
// disconnected rather than allowed to slow down the rest of the bus.
package eventbus

import (
	"sync"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

// DefaultQueueSize is the per-subscriber channel depth before a slow
// consumer is disconnected.
const DefaultQueueSize = 256

// Filter narrows which anomalies a subscriber receives. A zero-valued field
// means "don't filter on this dimension".
type Filter struct {
	Line        string
	Station     string
	SeverityMin float64
	Kinds       []model.AnomalyKind
}

func (f Filter) matches(a model.Anomaly) bool {
	if f.Line != "" && f.Line != a.RouteID {
		return false
	}
	if f.Station != "" && f.Station != a.StationID {
		return false
	}
	if a.Severity < f.SeverityMin {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == a.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DisconnectReason explains why a subscriber's channel was torn down.
type DisconnectReason string

const (
	ReasonUnsubscribed DisconnectReason = "unsubscribed"
	ReasonSlowConsumer DisconnectReason = "slow_consumer"
	ReasonBusClosed    DisconnectReason = "bus_closed"
)

// Subscriber is a single registered listener: an anomaly channel plus a
// disconnect signal the caller should select on alongside it.
type Subscriber struct {
	ID         string
	Anomalies  <-chan model.Anomaly
	Disconnect <-chan DisconnectReason

	bus *Bus
}

// SetFilter replaces this subscriber's filter in place.
func (s *Subscriber) SetFilter(f Filter) {
	s.bus.setFilter(s.ID, f)
}

// Close unregisters the subscriber and releases its channel.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s.ID, ReasonUnsubscribed)
}

type subscriberState struct {
	out        chan model.Anomaly
	disconnect chan DisconnectReason
	filter     Filter
	closeOnce  sync.Once
}

// Bus is the anomaly topic's single publisher-side fan-out point.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriberState
	queueSize   int
	closed      bool
}

// New builds an empty Bus. queueSize <= 0 falls back to DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{subscribers: make(map[string]*subscriberState), queueSize: queueSize}
}

// Subscribe registers a new subscriber under id, replacing any previous
// subscriber registered under the same id.
func (b *Bus) Subscribe(id string, filter Filter) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := &subscriberState{
		out:        make(chan model.Anomaly, b.queueSize),
		disconnect: make(chan DisconnectReason, 1),
		filter:     filter,
	}
	b.subscribers[id] = state

	return &Subscriber{ID: id, Anomalies: state.out, Disconnect: state.disconnect, bus: b}
}

func (b *Bus) setFilter(id string, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.subscribers[id]; ok {
		state.filter = filter
	}
}

func (b *Bus) unsubscribe(id string, reason DisconnectReason) {
	b.mu.Lock()
	state, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		signalDisconnect(state, reason)
	}
}

func signalDisconnect(state *subscriberState, reason DisconnectReason) {
	state.closeOnce.Do(func() {
		select {
		case state.disconnect <- reason:
		default:
		}
		close(state.out)
	})
}

// Publish delivers a to every subscriber whose filter matches. A subscriber
// whose queue is full is disconnected with ReasonSlowConsumer rather than
// blocking the publisher.
func (b *Bus) Publish(a model.Anomaly) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]struct {
		id    string
		state *subscriberState
	}, 0, len(b.subscribers))
	for id, state := range b.subscribers {
		if state.filter.matches(a) {
			targets = append(targets, struct {
				id    string
				state *subscriberState
			}{id, state})
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		select {
		case t.state.out <- a:
		default:
			b.unsubscribe(t.id, ReasonSlowConsumer)
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers,
// used by the WebSocket heartbeat message and connection cap.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// RunHeartbeat invokes send every interval with the bus's current
// subscriber count, until stop is closed. Heartbeats are a distinct control
// message, not an Anomaly, so they don't flow through Publish.
func (b *Bus) RunHeartbeat(interval time.Duration, stop <-chan struct{}, send func(activeConnections int, at time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			send(b.SubscriberCount(), t)
		}
	}
}

// Close tears down every subscriber with ReasonBusClosed and marks the bus
// closed; further Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriberState)
	b.mu.Unlock()

	for _, state := range subs {
		signalDisconnect(state, ReasonBusClosed)
	}
}
