package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skeptomenos/prism/internal/domain"
)

func TestMonitorSetsNeverDoubleCount(t *testing.T) {
	m := NewMonitor()

	// The same ISIN recorded many times counts once.
	for i := 0; i < 5; i++ {
		m.RecordHiveHit("US0378331005")
		m.RecordAPICall("US5949181045")
		m.RecordContribution("US5949181045")
	}

	stats := m.EnrichmentStats()
	assert.Equal(t, 1, stats.HiveHits)
	assert.Equal(t, 1, stats.APICalls)
	assert.Equal(t, 1, stats.NewContributions)
}

func TestMonitorHitAndMissSetsAreDisjoint(t *testing.T) {
	m := NewMonitor()

	m.RecordHiveMiss("US0378331005")
	m.RecordHiveHit("US0378331005") // later hit supersedes the miss

	m.RecordHiveHit("US5949181045")
	m.RecordHiveMiss("US5949181045") // miss after hit is ignored

	stats := m.EnrichmentStats()
	assert.Equal(t, 2, stats.HiveHits)
	assert.Zero(t, stats.HiveMisses)
	assert.Equal(t, 1.0, m.HiveHitRate())
}

func TestMonitorHiveHitRate(t *testing.T) {
	m := NewMonitor()
	assert.Zero(t, m.HiveHitRate(), "empty monitor rates as zero")

	m.RecordHiveHit("US0378331005")
	m.RecordHiveHit("US5949181045")
	m.RecordHiveMiss("US67066G1040")
	m.RecordHiveMiss("IE00B4L5Y983")

	assert.InDelta(t, 0.5, m.HiveHitRate(), 1e-9)
}

func TestMonitorEtfSourcesSortedByISIN(t *testing.T) {
	m := NewMonitor()
	m.SetEtfSource(domain.EtfSourceEntry{ISIN: "IE00B5BMR087", Source: "hive"})
	m.SetEtfSource(domain.EtfSourceEntry{ISIN: "IE00B4L5Y983", Source: "cached"})

	sources := m.EtfSources()
	assert.Equal(t, "IE00B4L5Y983", sources[0].ISIN)
	assert.Equal(t, "IE00B5BMR087", sources[1].ISIN)
}

func TestMonitorHiveLogSorted(t *testing.T) {
	m := NewMonitor()
	m.RecordHiveHit("US5949181045")
	m.RecordHiveHit("US0378331005")
	m.RecordContribution("US67066G1040")

	log := m.HiveLog()
	assert.Equal(t, []string{"US0378331005", "US5949181045"}, log.Hits)
	assert.Equal(t, []string{"US67066G1040"}, log.Contributions)
}

func TestMonitorTotalAssetsIsUnion(t *testing.T) {
	m := NewMonitor()
	m.RecordHiveHit("US0378331005")
	m.RecordAPICall("US0378331005") // same asset through two channels
	m.RecordHiveMiss("US5949181045")

	assert.Equal(t, 2, m.TotalAssets())
	assert.InDelta(t, 0.5, m.APIFallbackRate(), 1e-9)
}
