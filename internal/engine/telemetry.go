package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Telemetry forwards opt-in usage events to the contribution/telemetry
// proxy. Disabled entirely when TELEMETRY_ENABLED=false or no proxy is
// configured; every send is best-effort and never blocks a command.
type Telemetry struct {
	proxyURL string
	apiKey   string
	enabled  bool
	client   *http.Client
	log      zerolog.Logger
}

// NewTelemetry creates the telemetry sink.
func NewTelemetry(proxyURL, apiKey string, enabled bool, log zerolog.Logger) *Telemetry {
	return &Telemetry{
		proxyURL: proxyURL,
		apiKey:   apiKey,
		enabled:  enabled && proxyURL != "",
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

// LogEvent forwards one event payload. Returns whether the event was
// accepted for delivery (false when telemetry is disabled).
func (t *Telemetry) LogEvent(payload json.RawMessage) bool {
	if !t.enabled {
		return false
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.proxyURL+"/events", bytes.NewReader(payload))
		if err != nil {
			t.log.Warn().Err(err).Msg("Failed to build telemetry request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if t.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			t.log.Debug().Err(err).Msg("Telemetry send failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			t.log.Debug().Int("status", resp.StatusCode).Msg("Telemetry send rejected")
		}
	}()

	return true
}

// RecentReports fetches recent crash/usage reports from the proxy, for the
// diagnostics surface. Returns an empty list when telemetry is disabled.
func (t *Telemetry) RecentReports(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if !t.enabled {
		return []json.RawMessage{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/reports?limit=%d", t.proxyURL, limit), nil)
	if err != nil {
		return nil, err
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy returned status %d", resp.StatusCode)
	}

	var reports []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, err
	}
	return reports, nil
}
