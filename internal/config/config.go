// Package config provides configuration management functionality.
//
// Configuration is loaded from environment variables (optionally via a .env
// file). Every optional subsystem — Hive, external resolvers, the
// contribution proxy, backups — is disabled with a logged warning when its
// variables are absent; the engine itself never fails to start because an
// optional integration is unconfigured.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds application configuration.
//
// The struct is populated once at startup; Load returns a pointer that the
// engine and its wiring helpers share, and components receive individual
// fields. No code mutates it after Load, though the pointer does not prevent it.
type Config struct {
	// Paths
	DataDir string // Root of persisted state (always absolute)

	// Server
	Port    int  // HTTP bridge port
	DevMode bool // Development mode flag

	// Logging
	LogLevel string

	// Hive connection
	HiveURL     string // Base URL of the community registry; empty disables Hive
	HiveAnonKey string // Anonymous key used for all Hive RPCs

	// Contribution / telemetry proxy
	ProxyURL         string
	ProxyAPIKey      string
	TelemetryEnabled bool

	// External resolver APIs
	FinnhubAPIKey  string // Absent disables the Finnhub resolver
	OpenFIGIAPIKey string // Optional; raises OpenFIGI rate limits

	// Pipeline tuning
	Tier2Threshold       float64 // Weight below which API resolution is skipped
	DecomposeConcurrency int     // Parallel adapter fetches during decomposition

	// Backup (optional, S3-compatible storage)
	BackupBucket   string // Empty disables backups
	BackupEndpoint string // Custom endpoint for R2 and friends
	BackupRegion   string
}

// Load reads configuration from environment variables.
//
// A .env file is honored when present. The data directory is resolved to an
// absolute path and created with user-only permissions.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:              absDataDir,
		Port:                 getEnvAsInt("PORT", 8090),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		HiveURL:              getEnv("HIVE_URL", ""),
		HiveAnonKey:          getEnv("HIVE_ANON_KEY", ""),
		ProxyURL:             getEnv("PROXY_URL", ""),
		ProxyAPIKey:          getEnv("PROXY_API_KEY", ""),
		TelemetryEnabled:     getEnvAsBool("TELEMETRY_ENABLED", true),
		FinnhubAPIKey:        getEnv("FINNHUB_API_KEY", ""),
		OpenFIGIAPIKey:       getEnv("OPENFIGI_API_KEY", ""),
		Tier2Threshold:       getEnvAsFloat("RESOLVER_TIER2_THRESHOLD", 0.005),
		DecomposeConcurrency: getEnvAsInt("DECOMPOSE_CONCURRENCY", 5),
		BackupBucket:         getEnv("BACKUP_S3_BUCKET", ""),
		BackupEndpoint:       getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupRegion:         getEnv("BACKUP_S3_REGION", "auto"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Tier2Threshold < 0 || c.Tier2Threshold > 1 {
		return fmt.Errorf("RESOLVER_TIER2_THRESHOLD must be within [0, 1], got %v", c.Tier2Threshold)
	}
	if c.DecomposeConcurrency < 1 {
		return fmt.Errorf("DECOMPOSE_CONCURRENCY must be at least 1, got %d", c.DecomposeConcurrency)
	}
	if c.HiveURL != "" && c.HiveAnonKey == "" {
		return fmt.Errorf("HIVE_URL is set but HIVE_ANON_KEY is missing")
	}
	return nil
}

// LogDisabledSubsystems emits one warning per optional subsystem that is
// switched off by missing configuration.
func (c *Config) LogDisabledSubsystems(log zerolog.Logger) {
	if c.HiveURL == "" {
		log.Warn().Msg("HIVE_URL not set, community registry disabled")
	}
	if c.FinnhubAPIKey == "" {
		log.Warn().Msg("FINNHUB_API_KEY not set, Finnhub resolver disabled")
	}
	if c.ProxyURL == "" {
		log.Warn().Msg("PROXY_URL not set, contribution proxy disabled")
	}
	if !c.TelemetryEnabled {
		log.Info().Msg("Telemetry emission disabled")
	}
	if c.BackupBucket == "" {
		log.Warn().Msg("BACKUP_S3_BUCKET not set, backups disabled")
	}
}

// PortfolioDBPath returns the path of the positions store.
func (c *Config) PortfolioDBPath() string {
	return filepath.Join(c.DataDir, "portfolio.db")
}

// IdentityDBPath returns the path of the identity cache.
func (c *Config) IdentityDBPath() string {
	return filepath.Join(c.DataDir, "hive_cache.db")
}

// HealthReportPath returns the path of the pipeline health report.
func (c *Config) HealthReportPath() string {
	return filepath.Join(c.DataDir, "pipeline_health.json")
}

// ContributionFlagPath returns the path of the Hive contribution opt-in flag.
func (c *Config) ContributionFlagPath() string {
	return filepath.Join(c.DataDir, "hive_contribution.flag")
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float with a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
