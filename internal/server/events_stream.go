package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skeptomenos/prism/internal/events"
)

// Stream pacing: progress events are coalesced to the latest per 100ms per
// subscriber; summaries flush immediately; a heartbeat goes out at least
// every 15s to defeat intermediary idle timeouts.
const (
	coalesceInterval  = 100 * time.Millisecond
	heartbeatInterval = 15 * time.Second
)

// handleEventStream serves GET /api/events/stream as text/event-stream.
// Late subscribers do not receive historical events; they reconstruct
// state via get_pipeline_report.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	s.log.Info().Int("subscribers", s.bus.SubscriberCount()).Msg("Client connected to event stream")

	done := r.Context().Done()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	flush := time.NewTicker(coalesceInterval)
	defer flush.Stop()

	// pending holds the newest coalesced progress event between flush
	// ticks. Summaries bypass it entirely.
	var pending *events.Event

	writeEvent := func(event events.Event) bool {
		data, err := json.Marshal(event.Data)
		if err != nil {
			s.log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to marshal event")
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-done:
			s.log.Info().Msg("Client disconnected from event stream")
			return

		case event, open := <-sub.C:
			if !open {
				return
			}
			switch event.Type {
			case events.PipelineSummaryEvent:
				// Flush any held progress first so ordering stays intact.
				if pending != nil {
					if !writeEvent(*pending) {
						return
					}
					pending = nil
				}
				if !writeEvent(event) {
					return
				}
			case events.PipelineProgressEvent:
				pending = &event
			default:
				if !writeEvent(event) {
					return
				}
			}

		case <-flush.C:
			if pending != nil {
				if !writeEvent(*pending) {
					return
				}
				pending = nil
			}

		case <-heartbeat.C:
			now := time.Now()
			if !writeEvent(events.Event{
				Type:      events.HeartbeatEvent,
				Timestamp: now,
				Data:      events.HeartbeatData{Timestamp: now},
			}) {
				return
			}
		}
	}
}
