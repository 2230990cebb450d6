// Package progress broadcasts generation session state to live subscribers.
// The hub is level based: it retains the latest snapshot per session so a
// reconnecting subscriber catches up immediately instead of needing every
// intermediate event.
package progress

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/fx"
)

const DefaultSubscriberBuffer = 16

// Snapshot is the current observable state of one session. PercentComplete
// never decreases within a session's stream.
type Snapshot struct {
	SessionID       string `json:"session_id"`
	SessionStatus   string `json:"session_status"`
	StageName       string `json:"stage_name,omitempty"`
	StageStatus     string `json:"stage_status,omitempty"`
	PercentComplete int    `json:"percent_complete"`
	ErrorKind       string `json:"error_kind,omitempty"`
	TargetEntityID  string `json:"target_entity_id,omitempty"`
}

// Terminal reports whether the snapshot describes a finished session.
func (s Snapshot) Terminal() bool {
	switch s.SessionStatus {
	case "SUCCEEDED", "FAILED", "CANCELLED":
		return true
	}
	return false
}

type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	latest *Snapshot
	subs   map[uint64]chan Snapshot
	nextID uint64
}

type Subscription struct {
	hub       *Hub
	sessionID string
	id        uint64
	ch        chan Snapshot
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish stores the snapshot as the session's current level and fans it out
// to subscribers without blocking on slow ones. Snapshots that would move
// percent backwards are clamped to the last published value.
func (h *Hub) Publish(snapshot Snapshot) {
	if h == nil {
		return
	}
	sessionID := strings.TrimSpace(snapshot.SessionID)
	if sessionID == "" {
		return
	}

	stream := h.ensureStream(sessionID)
	stream.mu.Lock()
	if stream.latest != nil && snapshot.PercentComplete < stream.latest.PercentComplete {
		snapshot.PercentComplete = stream.latest.PercentComplete
	}
	stored := snapshot
	stream.latest = &stored
	subs := make([]chan Snapshot, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Subscribe registers a listener for a session. The returned snapshot (when
// non-nil) is the catch-up level the subscriber should render before reading
// from the channel.
func (h *Hub) Subscribe(sessionID string) (*Subscription, *Snapshot, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return nil, nil, errors.New("invalid_session_id")
	}

	stream := h.ensureStream(id)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan Snapshot)
	}
	subID := stream.nextID
	stream.nextID++
	ch := make(chan Snapshot, h.subscriberBuffer)
	stream.subs[subID] = ch
	var catchup *Snapshot
	if stream.latest != nil {
		copied := *stream.latest
		catchup = &copied
	}
	stream.mu.Unlock()

	return &Subscription{
		hub:       h,
		sessionID: id,
		id:        subID,
		ch:        ch,
	}, catchup, nil
}

// Latest returns the current level for a session, if any.
func (h *Hub) Latest(sessionID string) (*Snapshot, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	stream := h.streams[strings.TrimSpace(sessionID)]
	h.mu.RUnlock()
	if stream == nil {
		return nil, false
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.latest == nil {
		return nil, false
	}
	copied := *stream.latest
	return &copied, true
}

// Forget drops a session's stream. Called once a terminal session leaves its
// retention window.
func (h *Hub) Forget(sessionID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.streams, strings.TrimSpace(sessionID))
	h.mu.Unlock()
}

func (h *Hub) ensureStream(sessionID string) *stream {
	h.mu.RLock()
	current := h.streams[sessionID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[sessionID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Snapshot)}
		h.streams[sessionID] = current
	}
	return current
}

func (h *Hub) unsubscribe(sessionID string, id uint64) {
	if h == nil {
		return
	}

	h.mu.RLock()
	stream := h.streams[sessionID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	terminal := stream.latest != nil && stream.latest.Terminal()
	stream.mu.Unlock()
	if remaining != 0 || !terminal {
		return
	}

	// last subscriber left a finished session; the snapshot stays readable
	// through the database, so the stream itself can go
	h.mu.Lock()
	if current := h.streams[sessionID]; current == stream {
		delete(h.streams, sessionID)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan Snapshot {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.sessionID, s.id)
	})
}

var Module = fx.Module("progress",
	fx.Provide(NewHub),
)
