// Package streaming fans out diagnosis run progress events to live subscribers.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/diagnosis"
)

// DefaultCapacity is the per-run replay history size.
const DefaultCapacity = 256

// Event is a run progress event as delivered to stream clients.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Round     int                    `json:"round,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Type == string(diagnosis.EventRunCompleted)
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for run events. It implements diagnosis.Observer.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-run ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
	hooks    []func(Event)
	logger   *zap.Logger
}

func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// OnPublish registers fn to receive every published event after sequencing,
// e.g. to persist it. fn must not block. Register hooks before publishing.
func (m *Manager) OnPublish(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Observe publishes a diagnosis event for runID.
func (m *Manager) Observe(runID string, ev diagnosis.Event) {
	m.Publish(runID, Event{
		RunID:   runID,
		Type:    string(ev.Type),
		Round:   ev.Round,
		Message: ev.Message,
		Data:    ev.Data,
	})
}

// Subscribe adds a subscriber channel for runID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns the next sequence number and sends evt to all subscribers
// of runID without blocking. Slow subscribers miss events but can replay them.
func (m *Manager) Publish(runID string, evt Event) {
	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)
	hooks := m.hooks
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(evt)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
			m.logger.Debug("Dropping event for slow subscriber",
				zap.String("run_id", runID),
				zap.Uint64("seq", evt.Seq))
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history of a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
