// Package events provides the in-process event bus used by the pipeline to
// fan progress out to transport subscribers (SSE clients, the stdio host).
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/domain"
)

// EventType identifies the event vocabulary shared by the SSE channel and
// the command channel.
type EventType string

const (
	PipelineProgressEvent EventType = "pipeline_progress"
	PipelineSummaryEvent  EventType = "pipeline_summary"
	HeartbeatEvent        EventType = "heartbeat"
)

// Event is one message on the bus. Data is one of the domain event bodies:
// *domain.PipelineProgress, *domain.PipelineSummary, or HeartbeatData.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// HeartbeatData is the body of a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time `json:"timestamp"`
}

// subscriberQueueSize bounds each subscriber's backlog. Overflow drops the
// oldest non-summary event so delivery never blocks the emitting phase.
const subscriberQueueSize = 64

// Subscriber receives events through a buffered channel. Consumers read C
// until it is closed by Unsubscribe.
type Subscriber struct {
	C  chan Event
	id int
}

// Bus fans events out to all subscribers. The subscriber set is guarded by
// a mutex; publishing never blocks on a slow consumer.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscriber
	nextID int
	log    zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*Subscriber),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new subscriber. Late subscribers do not receive
// historical events; they reconstruct state via get_pipeline_report.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		C:  make(chan Event, subscriberQueueSize),
		id: b.nextID,
	}
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.C)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers an event to every subscriber. When a subscriber's queue
// is full, the oldest queued event is dropped to make room — unless that
// event is a summary, which is never dropped; in that case the incoming
// non-summary event is dropped instead.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *Subscriber, event Event) {
	for {
		select {
		case sub.C <- event:
			return
		default:
		}

		// Queue full: evict the oldest event, then retry.
		select {
		case old := <-sub.C:
			if old.Type == PipelineSummaryEvent && event.Type != PipelineSummaryEvent {
				// Summaries survive overflow: put it back and drop the
				// incoming event instead. A newer summary supersedes an
				// older one and falls through to the eviction below.
				select {
				case sub.C <- old:
				default:
				}
				b.log.Warn().Str("event_type", string(event.Type)).Msg("Subscriber queue full, dropping event")
				return
			}
			b.log.Debug().Str("event_type", string(old.Type)).Msg("Subscriber queue full, dropped oldest event")
		default:
			// Consumer drained concurrently; retry the send.
		}
	}
}

// EmitProgress publishes a pipeline_progress event.
func (b *Bus) EmitProgress(p *domain.PipelineProgress) {
	b.Publish(Event{Type: PipelineProgressEvent, Timestamp: p.Timestamp, Data: p})
}

// EmitSummary publishes a pipeline_summary event.
func (b *Bus) EmitSummary(s *domain.PipelineSummary) {
	b.Publish(Event{Type: PipelineSummaryEvent, Timestamp: s.Timestamp, Data: s})
}

// EmitHeartbeat publishes a heartbeat event.
func (b *Bus) EmitHeartbeat(now time.Time) {
	b.Publish(Event{Type: HeartbeatEvent, Timestamp: now, Data: HeartbeatData{Timestamp: now}})
}
