package events

import (
	"sync"
	"time"
)

// Sink is the publishing half of the hub. Most packages only need this.
type Sink interface {
	Publish(p Payload)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Payload) {}

// Hub fans events out to subscribers. Publishers and subscribers never
// reference each other directly.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	now    func() time.Time
}

type subscription struct {
	ch    chan Event
	kinds map[Kind]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]*subscription),
		now:  time.Now,
	}
}

// Publish delivers p to every interested subscriber. Sends are non-blocking:
// a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(p Payload) {
	if p == nil {
		return
	}
	ev := Event{Payload: p, Time: h.now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if len(s.kinds) > 0 && !s.kinds[p.Kind()] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel receiving events of the given kinds (all kinds
// when none are given) and a function that cancels the subscription and
// closes the channel.
func (h *Hub) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
