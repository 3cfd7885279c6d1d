// Package events carries the event stream consumed by UI and
// telemetry layers: download progress, model status changes, fallback
// notifications, and transcription outcomes.
package events

import (
	"sync"
	"time"
)

// Type classifies an event payload.
type Type string

const (
	TypeDownloadProgress      Type = "download-progress"
	TypeModelStatusChanged    Type = "model-status-changed"
	TypeFallbackTriggered     Type = "fallback-triggered"
	TypeTranscriptionComplete Type = "transcription-complete"
	TypeTranscriptionFailed   Type = "transcription-failed"
)

// Event is a sequenced payload published by the store and providers.
// Only fields relevant to the event type are set.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`

	VariantID  string `json:"variantId,omitempty"`
	Status     string `json:"status,omitempty"`
	Downloaded int64  `json:"downloaded,omitempty"`
	Total      int64  `json:"total,omitempty"`

	JobID  string `json:"jobId,omitempty"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Bus stores recent events and fans them out to live subscribers.
// Publishing never blocks: slow subscribers drop events.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[int]chan Event
	nextSubID int
}

// NewBus creates a bounded in-memory event bus.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Publish appends one event, assigns sequence and timestamp, and fans
// it out to subscribers.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}

	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live consumer. The returned cancel func must
// be called to release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}
