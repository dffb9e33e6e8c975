package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeptomenos/prism/internal/domain"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.EmitProgress(&domain.PipelineProgress{Phase: domain.PhaseLoading, Percentage: 1, Timestamp: time.Now()})

	assert.Equal(t, PipelineProgressEvent, (<-a.C).Type)
	assert.Equal(t, PipelineProgressEvent, (<-b.C).Type)
}

func TestBusOverflowDropsOldestNonSummary(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// Fill well past the queue bound without draining.
	for i := 0; i < subscriberQueueSize*2; i++ {
		bus.EmitProgress(&domain.PipelineProgress{Percentage: float64(i), Timestamp: time.Now()})
	}

	// The queue holds the newest events; the oldest were dropped.
	first := <-sub.C
	p := first.Data.(*domain.PipelineProgress)
	assert.Greater(t, p.Percentage, 0.0, "oldest events must have been evicted")
}

func TestBusSummarySurvivesOverflow(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.EmitSummary(&domain.PipelineSummary{RunID: "r1", Timestamp: time.Now()})
	for i := 0; i < subscriberQueueSize*2; i++ {
		bus.EmitProgress(&domain.PipelineProgress{Percentage: float64(i), Timestamp: time.Now()})
	}

	// Drain everything: the summary must still be in there.
	var sawSummary bool
	for {
		select {
		case event := <-sub.C:
			if event.Type == PipelineSummaryEvent {
				sawSummary = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawSummary, "summary events are never dropped")
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())

	// Double unsubscribe is safe.
	bus.Unsubscribe(sub)
}

func TestLateSubscriberSeesNoHistory(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.EmitProgress(&domain.PipelineProgress{Percentage: 50, Timestamp: time.Now()})

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	select {
	case <-sub.C:
		t.Fatal("late subscriber must not receive historical events")
	default:
	}
}

func TestProgressReporterThrottles(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	pr := NewProgressReporter(bus)
	for i := 0; i < 50; i++ {
		pr.Report(domain.PhaseDecomposing, "tick", float64(i))
	}

	// At one event per 100ms, a tight loop gets one event through.
	count := 0
	for {
		select {
		case <-sub.C:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, count)
}

func TestProgressReporterUnthrottledBypasses(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	pr := NewProgressReporter(bus)
	pr.ReportUnthrottled(domain.PhaseLoading, "start", 0)
	pr.ReportUnthrottled(domain.PhaseDone, "done", 100)

	require.Equal(t, PipelineProgressEvent, (<-sub.C).Type)
	event := <-sub.C
	p := event.Data.(*domain.PipelineProgress)
	assert.Equal(t, 100.0, p.Percentage)
}

func TestProgressReporterMonotone(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	pr := NewProgressReporter(bus)
	pr.ReportUnthrottled(domain.PhaseDecomposing, "a", 40)
	pr.ReportUnthrottled(domain.PhaseDecomposing, "b", 30) // would regress; clamped

	<-sub.C
	event := <-sub.C
	p := event.Data.(*domain.PipelineProgress)
	assert.Equal(t, 40.0, p.Percentage, "percentage never decreases within a run")
}
