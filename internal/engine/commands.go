package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/pipeline"
	"github.com/skeptomenos/prism/internal/transport"
)

// portfolioPayload covers every command that addresses a portfolio.
type portfolioPayload struct {
	PortfolioID string `json:"portfolio_id"`
	DryRun      bool   `json:"dry_run"`
}

// contributionPayload is the set_hive_contribution body.
type contributionPayload struct {
	Enabled *bool `json:"enabled"`
}

// RegisterCommands wires the full command set onto a dispatcher. The same
// registry backs the stdio channel and the HTTP bridge.
func (e *Engine) RegisterCommands(d *transport.Dispatcher) {
	d.Register("ping", func(json.RawMessage) (interface{}, *transport.CommandError) {
		return map[string]string{"status": "ok"}, nil
	})

	d.Register("get_positions", func(payload json.RawMessage) (interface{}, *transport.CommandError) {
		var p portfolioPayload
		parsePayload(payload, &p)

		report, err := e.PortfolioSvc.Positions(p.PortfolioID)
		if err != nil {
			return nil, transport.Errorf("STORE_ERROR", "failed to load positions: %v", err)
		}
		return report, nil
	})

	d.Register("sync_positions", func(payload json.RawMessage) (interface{}, *transport.CommandError) {
		var p portfolioPayload
		parsePayload(payload, &p)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		result, schemaErrors, err := e.SyncPositions(ctx, defaultPortfolio(p.PortfolioID), p.DryRun)
		if err != nil {
			return nil, transport.Errorf("SYNC_FAILED", "%v", err)
		}
		return map[string]interface{}{
			"syncedPositions":  result.SyncedPositions,
			"newPositions":     result.NewPositions,
			"updatedPositions": result.UpdatedPositions,
			"totalValue":       result.TotalValue,
			"durationMs":       result.DurationMs,
			"errors":           orEmptyErrors(schemaErrors),
		}, nil
	})

	d.Register("run_pipeline", func(payload json.RawMessage) (interface{}, *transport.CommandError) {
		var p portfolioPayload
		parsePayload(payload, &p)

		started := time.Now()
		summary, err := e.Orchestrator.Run(context.Background(), defaultPortfolio(p.PortfolioID))
		if err != nil {
			if strings.HasPrefix(err.Error(), domain.CodeAlreadyRunning) {
				return nil, transport.Errorf(domain.CodeAlreadyRunning, "a pipeline run is already executing")
			}
			return nil, transport.Errorf("PIPELINE_FAILED", "%v", err)
		}

		return map[string]interface{}{
			"success":    summary.Success,
			"errors":     orEmptyErrors(summary.Errors),
			"durationMs": time.Since(started).Milliseconds(),
		}, nil
	})

	d.Register("cancel_pipeline", func(json.RawMessage) (interface{}, *transport.CommandError) {
		e.Orchestrator.Cancel()
		return map[string]bool{"cancelled": true}, nil
	})

	d.Register("get_pipeline_report", func(json.RawMessage) (interface{}, *transport.CommandError) {
		report, err := pipeline.ReadHealthReport(e.Cfg.HealthReportPath())
		if err != nil {
			return nil, transport.Errorf("REPORT_ERROR", "failed to read health report: %v", err)
		}
		if report == nil {
			return nil, nil
		}
		return report, nil
	})

	d.Register("get_true_holdings", func(json.RawMessage) (interface{}, *transport.CommandError) {
		holdings, err := e.Store.GetTrueExposure()
		if err != nil {
			return nil, transport.Errorf("STORE_ERROR", "failed to load exposure table: %v", err)
		}

		summaries, err := e.Store.RecentRuns(1)
		if err != nil {
			return nil, transport.Errorf("STORE_ERROR", "failed to load run summary: %v", err)
		}
		var summary json.RawMessage
		if len(summaries) > 0 {
			summary = summaries[0]
		}

		return map[string]interface{}{
			"holdings": holdings,
			"summary":  summary,
		}, nil
	})

	d.Register("get_dashboard_data", func(payload json.RawMessage) (interface{}, *transport.CommandError) {
		var p portfolioPayload
		parsePayload(payload, &p)

		data, err := e.PortfolioSvc.Dashboard(p.PortfolioID)
		if err != nil {
			return nil, transport.Errorf("STORE_ERROR", "failed to build dashboard: %v", err)
		}
		return data, nil
	})

	d.Register("get_overlap_analysis", func(json.RawMessage) (interface{}, *transport.CommandError) {
		analysis, err := e.PortfolioSvc.Overlap()
		if err != nil {
			return nil, transport.Errorf("STORE_ERROR", "failed to compute overlap: %v", err)
		}
		return analysis, nil
	})

	d.Register("log_event", func(payload json.RawMessage) (interface{}, *transport.CommandError) {
		accepted := e.Telemetry.LogEvent(payload)
		return map[string]bool{"accepted": accepted}, nil
	})

	d.Register("get_recent_reports", func(json.RawMessage) (interface{}, *transport.CommandError) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		reports, err := e.Telemetry.RecentReports(ctx, 20)
		if err != nil {
			return nil, transport.Errorf("PROXY_ERROR", "failed to fetch reports: %v", err)
		}
		return map[string]interface{}{"reports": reports}, nil
	})

	d.Register("get_pending_reviews", func(json.RawMessage) (interface{}, *transport.CommandError) {
		// The engine keeps no review queue; this always reports nothing
		// pending.
		return map[string]interface{}{"reviews": []interface{}{}}, nil
	})

	d.Register("get_hive_contribution", func(json.RawMessage) (interface{}, *transport.CommandError) {
		return map[string]bool{"enabled": e.Flag.Enabled()}, nil
	})

	d.Register("set_hive_contribution", func(payload json.RawMessage) (interface{}, *transport.CommandError) {
		var p contributionPayload
		parsePayload(payload, &p)
		if p.Enabled == nil {
			return nil, transport.Errorf("BAD_PAYLOAD", "enabled is required")
		}
		if err := e.Flag.Set(*p.Enabled); err != nil {
			return nil, transport.Errorf("FLAG_ERROR", "failed to persist flag: %v", err)
		}
		return map[string]bool{"enabled": e.Flag.Enabled()}, nil
	})
}

// parsePayload tolerates empty payloads; malformed ones fall back to zero
// values, matching the loose contracts of the desktop host.
func parsePayload(payload json.RawMessage, out interface{}) {
	if len(payload) == 0 {
		return
	}
	_ = json.Unmarshal(payload, out)
}

func defaultPortfolio(id string) string {
	if strings.TrimSpace(id) == "" {
		return "default"
	}
	return id
}

// orEmptyErrors keeps errors[] a JSON array, never null.
func orEmptyErrors(errs []domain.PipelineError) []domain.PipelineError {
	if errs == nil {
		return []domain.PipelineError{}
	}
	return errs
}
