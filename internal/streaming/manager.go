package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is a minimal streaming event used by the NDJSON, SSE and WebSocket
// surfaces.
type Event struct {
	TaskID    string      `json:"task_id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
}

// Manager provides in-memory pub/sub for task events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-task ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = &Manager{
			subscribers: make(map[string]map[chan Event]struct{}),
			history:     make(map[string]*ring),
			capacity:    defaultCapacity,
		}
	})
	return defaultMgr
}

// Configure sets default capacity for new rings. Safe to call anytime;
// updates the existing manager's capacity for future rings.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	defaultCapacity = capacity
	if defaultMgr != nil {
		defaultMgr.mu.Lock()
		defaultMgr.capacity = capacity
		defaultMgr.mu.Unlock()
	}
}

// NewManager returns an isolated manager, used by tests and embedded setups.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a taskID; caller must drain and
// call Unsubscribe.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish assigns a sequence number and sends an event to all subscribers
// of taskID (non-blocking; slow subscribers miss events and recover via
// ReplaySince).
func (m *Manager) Publish(taskID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	rg.push(evt)
	subs := m.subscribers[taskID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity). The ring is copied under the manager lock so a concurrent
// Publish cannot tear the snapshot.
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[taskID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// CloseTask closes every subscriber channel for a terminal task. The
// replay ring stays available for late reconnects until Forget.
func (m *Manager) CloseTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, taskID)
	}
}

// Forget drops the history ring for a task after archival.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.history, taskID)
	m.mu.Unlock()
}

// Marshal returns JSON for event payloads in NDJSON/SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
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
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
