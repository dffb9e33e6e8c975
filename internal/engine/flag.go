package engine

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ContributionFlag is the file-backed Hive contribution opt-in: a single
// line "true"/"false" at a well-known path. The resolver and decomposer
// consult it before every write-back; flipping it takes effect immediately.
type ContributionFlag struct {
	path    string
	mu      sync.RWMutex
	enabled bool
	log     zerolog.Logger
}

// NewContributionFlag loads the flag, defaulting to disabled when the file
// does not exist yet.
func NewContributionFlag(path string, log zerolog.Logger) *ContributionFlag {
	f := &ContributionFlag{
		path: path,
		log:  log.With().Str("component", "contribution_flag").Logger(),
	}

	data, err := os.ReadFile(path)
	if err == nil {
		f.enabled = strings.TrimSpace(string(data)) == "true"
	} else if !os.IsNotExist(err) {
		f.log.Warn().Err(err).Msg("Failed to read contribution flag, defaulting to disabled")
	}

	return f
}

// Enabled implements resolve.ContributionGate.
func (f *ContributionFlag) Enabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Set persists the flag with user-only permissions.
func (f *ContributionFlag) Set(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	value := "false"
	if enabled {
		value = "true"
	}
	if err := os.WriteFile(f.path, []byte(value+"\n"), 0o600); err != nil {
		return err
	}
	f.enabled = enabled
	f.log.Info().Bool("enabled", enabled).Msg("Hive contribution flag updated")
	return nil
}
