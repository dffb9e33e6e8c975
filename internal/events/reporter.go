package events

import (
	"sync"
	"time"

	"github.com/skeptomenos/prism/internal/domain"
)

// ProgressReporter emits pipeline_progress events with throttling and
// enforced percentage monotonicity for a single run.
//
// The throttle keeps per-item decomposition updates at a maximum rate of one
// event per 100ms; phase transitions and the terminal event bypass it.
type ProgressReporter struct {
	bus         *Bus
	minInterval time.Duration

	mu         sync.Mutex
	lastReport time.Time
	lastPct    float64
}

// NewProgressReporter creates a reporter for one pipeline run.
func NewProgressReporter(bus *Bus) *ProgressReporter {
	return &ProgressReporter{
		bus:         bus,
		minInterval: 100 * time.Millisecond,
	}
}

// Report emits a throttled progress event. Updates that would move the
// percentage backwards are clamped to the highest value seen so far.
func (pr *ProgressReporter) Report(phase domain.Phase, message string, percentage float64) {
	pr.report(phase, message, percentage, false)
}

// ReportUnthrottled emits a progress event that always bypasses the
// throttle. Use for phase transitions and the final 100% event.
func (pr *ProgressReporter) ReportUnthrottled(phase domain.Phase, message string, percentage float64) {
	pr.report(phase, message, percentage, true)
}

func (pr *ProgressReporter) report(phase domain.Phase, message string, percentage float64, force bool) {
	if pr.bus == nil {
		return
	}

	pr.mu.Lock()
	now := time.Now()
	if !force && now.Sub(pr.lastReport) < pr.minInterval && percentage < 100 {
		pr.mu.Unlock()
		return
	}
	pr.lastReport = now

	if percentage < pr.lastPct {
		percentage = pr.lastPct
	}
	pr.lastPct = percentage
	pr.mu.Unlock()

	pr.bus.EmitProgress(&domain.PipelineProgress{
		Phase:      phase,
		Message:    message,
		Percentage: percentage,
		Timestamp:  now,
	})
}
