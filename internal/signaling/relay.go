package signaling

import (
	"encoding/json"
	"sync"
)

// Message types carried on the signaling channel.
const (
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeEnd       = "end"
	TypeError     = "error"
)

// Message is one signaling frame. Payload is negotiation data owned by the
// media layer and is never interpreted here.
type Message struct {
	Type    string          `json:"type"`
	CallID  string          `json:"callId"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Drop reasons reported to the drop hook.
const (
	DropNoSubscriber = "no_subscriber"
	DropBufferFull   = "buffer_full"
)

// Relay fans messages out to every subscription of the recipient identity.
// Delivery is at-most-once: Forward never blocks, and a message for an
// identity with no subscription or a full buffer is dropped.
type Relay struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	onDrop func(reason string)
}

func NewRelay(buffer int) *Relay {
	if buffer <= 0 {
		buffer = 64
	}
	return &Relay{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// OnDrop sets fn to be called for every dropped delivery. Set before use.
func (r *Relay) OnDrop(fn func(reason string)) { r.onDrop = fn }

// Subscription is one connection's inbox. C is closed by Unsubscribe.
type Subscription struct {
	Identity string
	C        <-chan Message

	ch     chan Message
	relay  *Relay
	closed bool // guarded by relay.mu
}

func (r *Relay) Subscribe(identity string) *Subscription {
	ch := make(chan Message, r.buffer)
	s := &Subscription{Identity: identity, C: ch, ch: ch, relay: r}

	r.mu.Lock()
	set, ok := r.subs[identity]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[identity] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Unsubscribe detaches s and closes its channel. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	r := s.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := r.subs[s.Identity]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.subs, s.Identity)
		}
	}
	close(s.ch)
}

// Offer queues msg on s only. Used for replies to the sending connection.
func (s *Subscription) Offer(msg Message) bool {
	s.relay.mu.RLock()
	defer s.relay.mu.RUnlock()
	if s.closed {
		return false
	}
	return s.relay.offer(s, msg)
}

// Forward delivers msg to every subscription of msg.To and reports whether
// at least one accepted it.
func (r *Relay) Forward(msg Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.subs[msg.To]
	if len(set) == 0 {
		r.dropped(DropNoSubscriber)
		return false
	}
	delivered := false
	for s := range set {
		if r.offer(s, msg) {
			delivered = true
		}
	}
	return delivered
}

// offer must be called with r.mu held.
func (r *Relay) offer(s *Subscription, msg Message) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		r.dropped(DropBufferFull)
		return false
	}
}

func (r *Relay) dropped(reason string) {
	if r.onDrop != nil {
		r.onDrop(reason)
	}
}

// Subscribers returns the number of live subscriptions for identity.
func (r *Relay) Subscribers(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[identity])
}
