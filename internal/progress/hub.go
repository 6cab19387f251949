// Package progress fans session lifecycle events out to live subscribers.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 64

// StateDeleted marks the event published when a session is removed.
const StateDeleted domain.State = "deleted"

// Event is one observation of a session's lifecycle.
type Event struct {
	SessionID    string                    `json:"session_id"`
	Seq          uint64                    `json:"seq"`
	State        domain.State              `json:"state"`
	Progress     int                       `json:"progress"`
	Message      string                    `json:"message,omitempty"`
	Capabilities []domain.CapabilityStatus `json:"capabilities,omitempty"`
	Report       *domain.Report            `json:"report,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// Terminal reports whether no further events follow e for this session.
func (e Event) Terminal() bool {
	return e.State.Terminal() || e.State == StateDeleted
}

// Subscription receives events for one session until it is closed.
type Subscription struct {
	id        uint64
	sessionID string
	ch        chan Event
	dropped   atomic.Int64
}

// Events returns the receive side. The channel closes after a terminal event,
// on Unsubscribe, or when the session's subscriptions are closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// SessionID returns the session this subscription observes.
func (s *Subscription) SessionID() string { return s.sessionID }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub is a per-session publish/subscribe fan-out. Publication never blocks.
type Hub struct {
	mu         sync.Mutex
	subs       map[string]map[uint64]*Subscription
	seq        map[string]uint64
	progress   map[string]int
	nextID     uint64
	bufferSize int
	logger     *slog.Logger
}

// NewHub creates a hub. bufferSize <= 0 selects DefaultBufferSize.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[string]map[uint64]*Subscription),
		seq:        make(map[string]uint64),
		progress:   make(map[string]int),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a new subscription. Only events published afterwards
// are delivered.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		sessionID: sessionID,
		ch:        make(chan Event, h.bufferSize),
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]*Subscription)
	}
	h.subs[sessionID][sub.id] = sub
	return sub
}

// Unsubscribe removes and closes sub. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := conns[sub.id]; !ok {
		return
	}
	delete(conns, sub.id)
	close(sub.ch)
	if len(conns) == 0 {
		delete(h.subs, sub.sessionID)
	}
}

// Publish stamps ev with the session id and next sequence number and offers it
// to every current subscriber. Subscribers with a full buffer miss the event.
// Progress never moves backwards within a session: an event carrying less
// than the last published value is raised to it. A terminal event closes the
// session's subscriptions after delivery.
func (h *Hub) Publish(sessionID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq[sessionID]++
	ev.SessionID = sessionID
	ev.Seq = h.seq[sessionID]
	if last := h.progress[sessionID]; ev.Progress < last {
		ev.Progress = last
	}
	h.progress[sessionID] = ev.Progress
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, sub := range h.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("Progress subscriber lagging, event dropped",
				"session_id", sessionID,
				"subscription_id", sub.id,
				"seq", ev.Seq,
				"state", ev.State)
		}
	}

	if ev.Terminal() {
		h.closeLocked(sessionID)
	}
}

// Close closes every subscription of a session without publishing.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(sessionID)
}

// CloseAll closes every subscription. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.subs {
		h.closeLocked(id)
	}
}

// Subscribers returns the number of live subscriptions for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) closeLocked(sessionID string) {
	for _, sub := range h.subs[sessionID] {
		close(sub.ch)
	}
	delete(h.subs, sessionID)
	delete(h.seq, sessionID)
	delete(h.progress, sessionID)
}
