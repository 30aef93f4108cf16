// Package relay fans events out to the sessions subscribed to a branch topic.
package relay

import (
	"log"
	"sync"
	"sync/atomic"

	"collabhub/api/internal/registry"
)

type EventKind string

const (
	KindPresenceJoined  EventKind = "presence-joined"
	KindPresenceLeft    EventKind = "presence-left"
	KindPresenceUpdated EventKind = "presence-updated"
	KindEdit            EventKind = "edit"
	KindCursor          EventKind = "cursor"
	KindChangeSubmitted EventKind = "change-submitted"
	KindChangeReviewed  EventKind = "change-reviewed"
	KindFileCommitted   EventKind = "file-committed"
)

const DefaultBuffer = 256

// Event is one delivery to one subscriber. Seq counts every event addressed
// to the subscription, delivered or dropped, so a gap means a drop.
type Event struct {
	Kind    EventKind          `json:"kind"`
	Topic   registry.BranchKey `json:"topic"`
	Seq     uint64             `json:"seq"`
	Origin  string             `json:"originSessionId,omitempty"`
	Payload any                `json:"payload"`
}

type subscriber struct {
	sessionID string
	ch        chan Event
	seq       uint64
	active    bool
}

type topic struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// Relay is safe for concurrent use. Sends never block: a subscriber whose
// queue is full loses the event and the sender carries on.
type Relay struct {
	mu      sync.Mutex
	topics  map[registry.BranchKey]*topic
	buffer  int
	dropped atomic.Uint64
}

func New(buffer int) *Relay {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Relay{topics: map[registry.BranchKey]*topic{}, buffer: buffer}
}

type SubscribeOptions struct {
	// AfterJoin holds delivery until the presence-joined event for this
	// session passes through the relay, so nothing older than the joiner's
	// roster reaches it.
	AfterJoin bool
}

// Subscription is one session's view of a topic. C is closed by Close.
type Subscription struct {
	C         <-chan Event
	Topic     registry.BranchKey
	SessionID string

	relay *Relay
	sub   *subscriber
	once  sync.Once
}

// Subscribe registers sessionID on key. An existing subscription for the same
// session on the same topic is closed and replaced.
func (r *Relay) Subscribe(key registry.BranchKey, sessionID string, opts SubscribeOptions) *Subscription {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, r.buffer),
		active:    !opts.AfterJoin,
	}

	r.mu.Lock()
	t, ok := r.topics[key]
	if !ok {
		t = &topic{subs: map[string]*subscriber{}}
		r.topics[key] = t
	}
	t.mu.Lock()
	if previous, ok := t.subs[sessionID]; ok {
		close(previous.ch)
	}
	t.subs[sessionID] = sub
	t.mu.Unlock()
	r.mu.Unlock()

	return &Subscription{C: sub.ch, Topic: key, SessionID: sessionID, relay: r, sub: sub}
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.relay.unsubscribe(s.Topic, s.sub)
	})
}

type notifyConfig struct {
	origin string
	only   map[string]bool
}

type Option func(*notifyConfig)

// From marks the originating session; it never receives its own event.
func From(sessionID string) Option {
	return func(c *notifyConfig) { c.origin = sessionID }
}

// To restricts delivery to the listed sessions.
func To(sessionIDs ...string) Option {
	return func(c *notifyConfig) {
		c.only = make(map[string]bool, len(sessionIDs))
		for _, id := range sessionIDs {
			c.only[id] = true
		}
	}
}

// Notify delivers payload to the sessions subscribed to key and returns how
// many queues accepted it. Calls for one topic are delivered to every
// subscriber in call order.
func (r *Relay) Notify(key registry.BranchKey, kind EventKind, payload any, opts ...Option) int {
	var cfg notifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	t := r.topic(key)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if kind == KindPresenceJoined && cfg.origin != "" {
		if joiner, ok := t.subs[cfg.origin]; ok {
			joiner.active = true
		}
	}

	delivered := 0
	for id, sub := range t.subs {
		if id == cfg.origin || !sub.active {
			continue
		}
		if cfg.only != nil && !cfg.only[id] {
			continue
		}
		sub.seq++
		event := Event{Kind: kind, Topic: key, Seq: sub.seq, Origin: cfg.origin, Payload: payload}
		select {
		case sub.ch <- event:
			delivered++
		default:
			r.dropped.Add(1)
			log.Printf("relay: dropped %s for session %s on %s (queue full)", kind, id, key)
		}
	}
	return delivered
}

// Subscribers lists the session ids currently subscribed to key.
func (r *Relay) Subscribers(key registry.BranchKey) []string {
	t := r.topic(key)
	if t == nil {
		return []string{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	return ids
}

// Dropped reports how many events were discarded because a queue was full.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Relay) topic(key registry.BranchKey) *topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topics[key]
}

func (r *Relay) unsubscribe(key registry.BranchKey, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[key]
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.subs[sub.sessionID]; ok && current == sub {
		delete(t.subs, sub.sessionID)
		close(sub.ch)
	}
	if len(t.subs) == 0 {
		delete(r.topics, key)
	}
}
