package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/skeptomenos/prism/internal/domain"
)

// HealthReport is the persisted pipeline_health.json document.
type HealthReport struct {
	Timestamp     time.Time                `json:"timestamp"`
	Metrics       domain.SummaryMetrics    `json:"metrics"`
	Performance   domain.SummaryPerformance `json:"performance"`
	Decomposition struct {
		PerEtf []domain.EtfSourceEntry `json:"per_etf"`
	} `json:"decomposition"`
	Enrichment struct {
		Stats   domain.EnrichmentStats `json:"stats"`
		HiveLog domain.HiveLog         `json:"hive_log"`
	} `json:"enrichment"`
	EtfStats    []domain.EtfStatsEntry `json:"etf_stats"`
	Failures    []domain.PipelineError `json:"failures"`
	DataQuality domain.DataQuality     `json:"data_quality"`
}

// WriteHealthReport writes the report atomically via tmp + rename so a
// concurrent reader can never observe a torn file. The file is created with
// user-only permissions.
func WriteHealthReport(path string, report *HealthReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal health report: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), ".pipeline_health.json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write health report temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move health report into place: %w", err)
	}
	return nil
}

// ReadHealthReport loads the last written report, or nil when none exists.
func ReadHealthReport(path string) (*HealthReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read health report: %w", err)
	}

	var report HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse health report: %w", err)
	}
	return &report, nil
}
