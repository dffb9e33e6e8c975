// Package pipeline implements the staged analytics run: decompose ETF
// positions into their underlying holdings, enrich the child set with
// identity metadata, aggregate true exposure, and report health — all while
// emitting progress and structured provenance.
package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/skeptomenos/prism/internal/domain"
)

// Monitor tracks run provenance. Every stat is a set of ISINs, never a
// counter, so the same ISIN can only ever be counted once no matter how
// many rows it appears in.
type Monitor struct {
	mu sync.Mutex

	hiveHits      map[string]struct{}
	hiveMisses    map[string]struct{}
	apiCalls      map[string]struct{}
	contributions map[string]struct{}

	phaseStart     map[domain.Phase]time.Time
	phaseDurations map[domain.Phase]float64

	etfSources map[string]domain.EtfSourceEntry
}

// NewMonitor creates an empty monitor for one run.
func NewMonitor() *Monitor {
	return &Monitor{
		hiveHits:       make(map[string]struct{}),
		hiveMisses:     make(map[string]struct{}),
		apiCalls:       make(map[string]struct{}),
		contributions:  make(map[string]struct{}),
		phaseStart:     make(map[domain.Phase]time.Time),
		phaseDurations: make(map[domain.Phase]float64),
		etfSources:     make(map[string]domain.EtfSourceEntry),
	}
}

// RecordHiveHit adds an ISIN to the hit set. A hit supersedes any earlier
// miss for the same ISIN so the two sets stay disjoint.
func (m *Monitor) RecordHiveHit(isin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hiveHits[isin] = struct{}{}
	delete(m.hiveMisses, isin)
}

// RecordHiveMiss adds an ISIN to the miss set unless it already hit.
func (m *Monitor) RecordHiveMiss(isin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, hit := m.hiveHits[isin]; hit {
		return
	}
	m.hiveMisses[isin] = struct{}{}
}

// RecordAPICall adds an ISIN resolved through an external API.
func (m *Monitor) RecordAPICall(isin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiCalls[isin] = struct{}{}
}

// RecordContribution adds an ISIN contributed back to the Hive.
func (m *Monitor) RecordContribution(isin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contributions[isin] = struct{}{}
}

// SetEtfSource records where one ETF's composition came from. Keyed by ETF
// ISIN, so parallel fetch completion order never leaks into results.
func (m *Monitor) SetEtfSource(entry domain.EtfSourceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etfSources[entry.ISIN] = entry
}

// PhaseStarted marks the start of a phase.
func (m *Monitor) PhaseStarted(phase domain.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseStart[phase] = time.Now()
}

// PhaseFinished records a phase's wall-clock duration.
func (m *Monitor) PhaseFinished(phase domain.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if start, ok := m.phaseStart[phase]; ok {
		m.phaseDurations[phase] = time.Since(start).Seconds()
	}
}

// HiveHitRate computes |hits| / (|hits| + |misses|), 0 when both are empty.
func (m *Monitor) HiveHitRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := len(m.hiveHits) + len(m.hiveMisses)
	if total == 0 {
		return 0
	}
	return float64(len(m.hiveHits)) / float64(total)
}

// APIFallbackRate computes the share of processed assets that needed an
// external API, over the union of all tracked ISINs.
func (m *Monitor) APIFallbackRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.totalAssetsLocked()
	if total == 0 {
		return 0
	}
	return float64(len(m.apiCalls)) / float64(total)
}

// TotalAssets returns the number of distinct ISINs seen by any channel.
func (m *Monitor) TotalAssets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalAssetsLocked()
}

func (m *Monitor) totalAssetsLocked() int {
	union := make(map[string]struct{}, len(m.hiveHits)+len(m.hiveMisses)+len(m.apiCalls))
	for isin := range m.hiveHits {
		union[isin] = struct{}{}
	}
	for isin := range m.hiveMisses {
		union[isin] = struct{}{}
	}
	for isin := range m.apiCalls {
		union[isin] = struct{}{}
	}
	return len(union)
}

// EnrichmentStats returns the set cardinalities for the summary.
func (m *Monitor) EnrichmentStats() domain.EnrichmentStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.EnrichmentStats{
		HiveHits:         len(m.hiveHits),
		HiveMisses:       len(m.hiveMisses),
		APICalls:         len(m.apiCalls),
		NewContributions: len(m.contributions),
	}
}

// HiveLog returns the sorted hit and contribution ISIN lists.
func (m *Monitor) HiveLog() domain.HiveLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.HiveLog{
		Contributions: sortedKeys(m.contributions),
		Hits:          sortedKeys(m.hiveHits),
	}
}

// PhaseDurations returns seconds per phase, keyed by phase name.
func (m *Monitor) PhaseDurations() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.phaseDurations))
	for phase, secs := range m.phaseDurations {
		out[string(phase)] = secs
	}
	return out
}

// EtfSources returns the per-ETF source table sorted by ISIN for stable
// summaries.
func (m *Monitor) EtfSources() []domain.EtfSourceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EtfSourceEntry, 0, len(m.etfSources))
	for _, entry := range m.etfSources {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ISIN < out[j].ISIN })
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
