package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeptomenos/prism/internal/config"
	"github.com/skeptomenos/prism/internal/transport"
)

func newTestEngine(t *testing.T) (*Engine, *transport.Dispatcher) {
	t.Helper()

	cfg := &config.Config{
		DataDir:              t.TempDir(),
		Port:                 0,
		LogLevel:             "error",
		TelemetryEnabled:     false,
		Tier2Threshold:       0.005,
		DecomposeConcurrency: 5,
	}

	e, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	d := transport.NewDispatcher(zerolog.Nop())
	e.RegisterCommands(d)
	return e, d
}

func dispatch(t *testing.T, d *transport.Dispatcher, command string, payload string) transport.Response {
	t.Helper()
	return d.Dispatch(transport.Request{
		ID:      "test",
		Command: command,
		Payload: json.RawMessage(payload),
	})
}

func TestPing(t *testing.T) {
	_, d := newTestEngine(t)

	resp := dispatch(t, d, "ping", "{}")
	require.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]string{"status": "ok"}, resp.Data)
}

func TestUnknownCommand(t *testing.T) {
	_, d := newTestEngine(t)

	resp := dispatch(t, d, "definitely_not_a_command", "{}")
	require.Equal(t, "error", resp.Status)
	assert.Equal(t, "UNKNOWN_COMMAND", resp.Error.Code)
}

func TestHiveContributionFlagRoundTrip(t *testing.T) {
	e, d := newTestEngine(t)

	resp := dispatch(t, d, "get_hive_contribution", "{}")
	require.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]bool{"enabled": false}, resp.Data)

	resp = dispatch(t, d, "set_hive_contribution", `{"enabled": true}`)
	require.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]bool{"enabled": true}, resp.Data)

	// The flag survives on disk with user-only permissions.
	data, err := os.ReadFile(e.Cfg.ContributionFlagPath())
	require.NoError(t, err)
	assert.Equal(t, "true\n", string(data))

	info, err := os.Stat(e.Cfg.ContributionFlagPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSetHiveContributionRequiresEnabled(t *testing.T) {
	_, d := newTestEngine(t)

	resp := dispatch(t, d, "set_hive_contribution", `{}`)
	require.Equal(t, "error", resp.Status)
	assert.Equal(t, "BAD_PAYLOAD", resp.Error.Code)
}

func TestSyncAndRunPipelineEndToEnd(t *testing.T) {
	e, d := newTestEngine(t)

	// Seed the local-first position file: S1, a single direct equity.
	positionsDir := filepath.Join(e.Cfg.DataDir, "positions")
	require.NoError(t, os.MkdirAll(positionsDir, 0o700))
	csv := "isin,ticker,name,type,quantity,price,currency\n" +
		"US0378331005,AAPL,Apple Inc.,equity,10,150.00,USD\n"
	require.NoError(t, os.WriteFile(filepath.Join(positionsDir, "default.csv"), []byte(csv), 0o600))

	resp := dispatch(t, d, "sync_positions", `{"portfolio_id":"default"}`)
	require.Equal(t, "success", resp.Status)
	body := resp.Data.(map[string]interface{})
	assert.Equal(t, 1, body["syncedPositions"])
	assert.Equal(t, 1, body["newPositions"])
	assert.InDelta(t, 1500.0, body["totalValue"].(float64), 1e-9)

	resp = dispatch(t, d, "run_pipeline", `{"portfolio_id":"default"}`)
	require.Equal(t, "success", resp.Status)
	run := resp.Data.(map[string]interface{})
	assert.Equal(t, true, run["success"])

	// The exposure table now serves get_true_holdings.
	resp = dispatch(t, d, "get_true_holdings", "{}")
	require.Equal(t, "success", resp.Status)

	// And the health report is readable.
	resp = dispatch(t, d, "get_pipeline_report", "{}")
	require.Equal(t, "success", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestGetPositionsEmptyPortfolio(t *testing.T) {
	_, d := newTestEngine(t)

	resp := dispatch(t, d, "get_positions", `{"portfolio_id":"default"}`)
	require.Equal(t, "success", resp.Status)
}

func TestDryRunSyncWritesNothing(t *testing.T) {
	e, d := newTestEngine(t)

	positionsDir := filepath.Join(e.Cfg.DataDir, "positions")
	require.NoError(t, os.MkdirAll(positionsDir, 0o700))
	csv := "isin,quantity,price,currency,name\nUS0378331005,10,150.00,USD,Apple\n"
	require.NoError(t, os.WriteFile(filepath.Join(positionsDir, "default.csv"), []byte(csv), 0o600))

	resp := dispatch(t, d, "sync_positions", `{"portfolio_id":"default","dry_run":true}`)
	require.Equal(t, "success", resp.Status)

	positions, err := e.Store.GetPositions("default")
	require.NoError(t, err)
	assert.Empty(t, positions, "dry run must not touch the store")
}

func TestLogEventDisabledTelemetry(t *testing.T) {
	_, d := newTestEngine(t)

	resp := dispatch(t, d, "log_event", `{"event":"app_started"}`)
	require.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]bool{"accepted": false}, resp.Data)
}
