// Package openfigi provides a client for Bloomberg's OpenFIGI API, used to
// map ticker symbols to securities identifiers.
package openfigi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.openfigi.com/v3"

// apiTimeout bounds one mapping request.
const apiTimeout = 10 * time.Second

// MappingRequest represents a request to the OpenFIGI mapping API.
type MappingRequest struct {
	IDType    string `json:"idType"`
	IDValue   string `json:"idValue"`
	ExchCode  string `json:"exchCode,omitempty"`
	MarketSec string `json:"marketSecDes,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// MappingResult represents a single result from the OpenFIGI API.
type MappingResult struct {
	FIGI            string `json:"figi"`
	ISIN            string `json:"isin"`
	Ticker          string `json:"ticker"`
	ExchCode        string `json:"exchCode"`
	Name            string `json:"name"`
	MarketSector    string `json:"marketSector"`
	SecurityType    string `json:"securityType"`
	CompositeFIGI   string `json:"compositeFIGI"`
	ShareClassFIGI  string `json:"shareClassFIGI"`
	MarketSectorDes string `json:"marketSectorDes"`
	Currency        string `json:"currency"`
}

// MappingResponse represents a response item from the OpenFIGI API.
type MappingResponse struct {
	Data    []MappingResult `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// Client is the OpenFIGI API client.
type Client struct {
	baseURL    string
	apiKey     string // Optional - increases rate limits
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new OpenFIGI client.
// apiKey is optional but recommended for higher rate limits.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: apiTimeout},
		log:        log.With().Str("client", "openfigi").Logger(),
	}
}

// SetBaseURL overrides the API endpoint (tests).
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// MapTicker maps a ticker to securities identifiers. Exchange code and
// currency narrow the search when known. Returns nil when nothing matched.
func (c *Client) MapTicker(ctx context.Context, ticker, exchCode, currency string) (*MappingResult, error) {
	requests := []MappingRequest{{
		IDType:    "TICKER",
		IDValue:   strings.ToUpper(strings.TrimSpace(ticker)),
		ExchCode:  exchCode,
		MarketSec: "Equity",
		Currency:  currency,
	}}

	responses, err := c.doRequest(ctx, requests)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 || len(responses[0].Data) == 0 {
		return nil, nil
	}
	if responses[0].Error != "" {
		c.log.Debug().Str("ticker", ticker).Str("error", responses[0].Error).Msg("OpenFIGI mapping miss")
		return nil, nil
	}

	// First result is the primary listing.
	return &responses[0].Data[0], nil
}

func (c *Client) doRequest(ctx context.Context, requests []MappingRequest) ([]MappingResponse, error) {
	body, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mapping request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mapping", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build mapping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openfigi request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openfigi returned status %d", resp.StatusCode)
	}

	var responses []MappingResponse
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, fmt.Errorf("failed to decode openfigi response: %w", err)
	}
	return responses, nil
}
