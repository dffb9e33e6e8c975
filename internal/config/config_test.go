package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 0.005, cfg.Tier2Threshold)
	assert.Equal(t, 5, cfg.DecomposeConcurrency)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Empty(t, cfg.HiveURL)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9999")
	t.Setenv("RESOLVER_TIER2_THRESHOLD", "0.01")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("HIVE_URL", "https://hive.example.com")
	t.Setenv("HIVE_ANON_KEY", "anon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 0.01, cfg.Tier2Threshold)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Equal(t, "https://hive.example.com", cfg.HiveURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{Tier2Threshold: 2, DecomposeConcurrency: 5}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Tier2Threshold: 0.005, DecomposeConcurrency: 0}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Tier2Threshold: 0.005, DecomposeConcurrency: 5, HiveURL: "https://x", HiveAnonKey: ""}
	assert.Error(t, cfg.Validate())
}

func TestDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir+"/portfolio.db", cfg.PortfolioDBPath())
	assert.Equal(t, dir+"/hive_cache.db", cfg.IdentityDBPath())
	assert.Equal(t, dir+"/pipeline_health.json", cfg.HealthReportPath())
	assert.Equal(t, dir+"/hive_contribution.flag", cfg.ContributionFlagPath())
}
