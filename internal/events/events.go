// Package events delivers agent/task run event streams to subscribers.
// Subscribing replays the buffered history before any live event, so an
// SSE handler attaching mid-run misses nothing; replay and attach happen
// under one lock, with no interleaving.
package events

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type tags one streamed event.
type Type string

const (
	TypeSessionCreated   Type = "session_created"
	TypeThinking         Type = "thinking"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeDone             Type = "done"
	TypeError            Type = "error"
	TypeProgress         Type = "progress"
	TypeSubgoalCompleted Type = "subgoal_completed"
	TypeInputRequired    Type = "input_required"
	TypeMemoryRecall     Type = "memory_recall"
)

// Event is one tagged record in a run's stream.
type Event struct {
	Type      Type           `json:"type"`
	Iteration int            `json:"iteration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives events in generation order.
type Subscriber func(Event)

// Stream is the event channel for one run. Events are observed in
// generation order by every subscriber; done is terminal and always last.
type Stream struct {
	runID string

	mu     sync.Mutex
	buffer []Event
	subs   map[uint64]Subscriber
	nextID uint64
	closed bool

	pubsub *gochannel.GoChannel
}

// Hub creates streams and owns the shared watermill pub/sub used to bridge
// events out to transports.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*Stream
	pubsub  *gochannel.GoChannel
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{
		streams: make(map[string]*Stream),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
	}
}

// Stream returns (creating if needed) the stream for a run.
func (h *Hub) Stream(runID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[runID]; ok {
		return s
	}
	s := &Stream{
		runID:  runID,
		subs:   make(map[uint64]Subscriber),
		pubsub: h.pubsub,
	}
	h.streams[runID] = s
	return s
}

// Drop removes a finished run's stream.
func (h *Hub) Drop(runID string) {
	h.mu.Lock()
	delete(h.streams, runID)
	h.mu.Unlock()
}

// Close shuts the hub's pub/sub down.
func (h *Hub) Close() error {
	return h.pubsub.Close()
}

// PubSub exposes the watermill channel for transport bridges (topic is the
// run id, payload is the JSON event).
func (h *Hub) PubSub() *gochannel.GoChannel { return h.pubsub }

// Publish appends the event to the buffer and delivers it to current
// subscribers, in order. Delivery happens under the stream lock so no
// subscriber can observe events out of generation order or interleaved
// with a replay. Subscribers must not call back into the stream.
// Publishing after done is dropped: done must be the last delivered event
// for a run.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buffer = append(s.buffer, ev)
	if ev.Type == TypeDone {
		s.closed = true
	}
	for _, fn := range s.subs {
		fn(ev)
	}
	s.mu.Unlock()

	if payload, err := json.Marshal(ev); err == nil {
		_ = s.pubsub.Publish(s.runID, message.NewMessage(watermill.NewUUID(), payload))
	}
}

// Subscribe replays the buffered history to fn, then attaches it for live
// events. The returned func unsubscribes. Replay and attach are atomic with
// respect to Publish.
func (s *Stream) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	for _, ev := range s.buffer {
		fn(ev)
	}
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// History returns a copy of the buffered events.
func (s *Stream) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Closed reports whether done has been published.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
