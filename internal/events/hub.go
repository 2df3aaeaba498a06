// Package events is the push boundary of the core. Components publish a
// typed Event after their transaction commits; the UI side subscribes instead
// of polling.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/parametric-engine/internal/metrics"
)

// Type names a state transition.
type Type string

const (
	ReadingSubmitted Type = "reading.submitted"
	QuotePriced      Type = "quote.priced"
	PolicyIssued     Type = "policy.issued"
	PolicySettled    Type = "policy.settled"
	OrderFilled      Type = "order.filled"
	RequestAccepted  Type = "request.accepted"
	RequestFilled    Type = "request.filled"
	RequestExpired   Type = "request.expired"
)

// Event is one committed state transition.
type Event struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Subject string          `json:"subject"` // market, policy, order or request ID
	Version string          `json:"version,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}

// New builds an event, encoding data as its payload.
func New(typ Type, subject string, data any, at time.Time) Event {
	e := Event{ID: uuid.NewString(), Type: typ, Subject: subject, At: at}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Publisher receives committed events.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func closes the channel and is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}
