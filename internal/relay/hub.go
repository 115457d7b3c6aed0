package relay

import (
	"sync"
)

// subscriberBuffer is the per-subscriber signal buffer. Overflow drops the
// oldest signal: an Update is only a trigger to regenerate a sync message
// from current state, so losing one is harmless as long as a newer one
// remains queued.
const subscriberBuffer = 16

// topicKey addresses one document's broadcast channel.
type topicKey struct {
	scope string
	kind  string
}

// Update signals that a document changed. Origin identifies the connection
// that wrote the change so it can skip its own echo.
type Update struct {
	Scope  string
	Kind   string
	Origin string
}

// Subscription is one connection's membership in a document topic.
type Subscription struct {
	// C receives update signals. Closed on Close.
	C chan Update

	hub *Hub
	key topicKey

	once sync.Once
}

// Close removes the subscription and closes C. Empty topics are garbage
// collected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub routes update signals between connections subscribed to the same
// document.
type Hub struct {
	mu     sync.Mutex
	topics map[topicKey]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[topicKey]map[*Subscription]struct{})}
}

// Subscribe registers interest in a document, creating its topic if absent.
func (h *Hub) Subscribe(scope, kind string) *Subscription {
	key := topicKey{scope: scope, kind: kind}

	sub := &Subscription{
		C:   make(chan Update, subscriberBuffer),
		hub: h,
		key: key,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[key]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[key] = subs
	}

	subs[sub] = struct{}{}

	return sub
}

// unsubscribe drops a subscription and garbage-collects its topic when no
// subscribers remain.
func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.key]
	if !ok {
		return
	}

	delete(subs, sub)
	close(sub.C)

	if len(subs) == 0 {
		delete(h.topics, sub.key)
	}
}

// SubscriberCount reports how many connections follow a document.
func (h *Hub) SubscriberCount(scope, kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.topics[topicKey{scope: scope, kind: kind}])
}

// Publish delivers an update signal to every subscriber of the document's
// topic. Delivery never blocks: a full subscriber buffer drops its oldest
// signal to make room.
func (h *Hub) Publish(u Update) {
	key := topicKey{scope: u.Scope, kind: u.Kind}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.topics[key] {
		select {
		case sub.C <- u:
			continue
		default:
		}

		// Buffer full: evict the oldest signal, then retry once. If another
		// reader raced us, the newer signal is simply dropped — it carries
		// no state.
		select {
		case <-sub.C:
		default:
		}

		select {
		case sub.C <- u:
		default:
		}
	}
}
