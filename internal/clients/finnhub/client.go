// Package finnhub provides a client for the Finnhub stock API, used to map
// tickers and names to ISINs via symbol search plus company profile.
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://finnhub.io/api/v1"

const apiTimeout = 10 * time.Second

// Profile is the subset of the company profile the resolver needs.
type Profile struct {
	ISIN     string `json:"isin"`
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
	Currency string `json:"currency"`
	Exchange string `json:"exchange"`
}

// searchResponse is the /search envelope.
type searchResponse struct {
	Count  int `json:"count"`
	Result []struct {
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
		Type        string `json:"type"`
	} `json:"result"`
}

// Client is the Finnhub API client. The API key is mandatory; an engine
// without FINNHUB_API_KEY never constructs one.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Finnhub client.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: apiTimeout},
		log:        log.With().Str("client", "finnhub").Logger(),
	}
}

// SetBaseURL overrides the API endpoint (tests).
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// LookupISIN resolves a ticker or free-text query to an ISIN: symbol search
// first, then the best match's company profile, which carries the ISIN.
// Returns nil when nothing matched.
func (c *Client) LookupISIN(ctx context.Context, query string) (*Profile, error) {
	symbol, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, nil
	}

	profile, err := c.profile(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if profile == nil || profile.ISIN == "" {
		return nil, nil
	}
	return profile, nil
}

func (c *Client) search(ctx context.Context, query string) (string, error) {
	params := url.Values{}
	params.Set("q", strings.TrimSpace(query))
	params.Set("token", c.apiKey)

	var decoded searchResponse
	if err := c.get(ctx, "/search", params, &decoded); err != nil {
		return "", err
	}
	if decoded.Count == 0 || len(decoded.Result) == 0 {
		return "", nil
	}

	// Prefer common stock over derivatives when the API returns both.
	for _, r := range decoded.Result {
		if r.Type == "Common Stock" {
			return r.Symbol, nil
		}
	}
	return decoded.Result[0].Symbol, nil
}

func (c *Client) profile(ctx context.Context, symbol string) (*Profile, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("token", c.apiKey)

	var profile Profile
	if err := c.get(ctx, "/stock/profile2", params, &profile); err != nil {
		return nil, err
	}
	if profile.ISIN == "" && profile.Name == "" {
		return nil, nil
	}
	return &profile, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build finnhub request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finnhub request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("finnhub rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("finnhub returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode finnhub response: %w", err)
	}
	return nil
}
