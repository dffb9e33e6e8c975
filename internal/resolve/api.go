package resolve

import (
	"context"

	"github.com/skeptomenos/prism/internal/clients/finnhub"
	"github.com/skeptomenos/prism/internal/clients/openfigi"
	"github.com/skeptomenos/prism/internal/clients/wikidata"
	"github.com/skeptomenos/prism/internal/clients/yfinance"
	"github.com/skeptomenos/prism/internal/domain"
)

// Query carries a resolution request through the cascade.
type Query struct {
	ISIN     string // pass-through candidate, may be empty or invalid
	Ticker   string
	Name     string
	Currency string // context hint from the holding's parent
	Exchange string // context hint
}

// Candidate is one API resolver's answer.
type Candidate struct {
	ISIN     string
	Name     string
	Currency string
	Exchange string
}

// APIResolver is the capability one external resolver API exposes to the
// cascade. Implementations return (nil, nil) on a clean miss.
type APIResolver interface {
	Source() domain.Source
	Resolve(ctx context.Context, q Query) (*Candidate, error)
}

// openfigiResolver adapts the OpenFIGI client.
type openfigiResolver struct {
	client *openfigi.Client
}

// NewOpenFIGIResolver wraps an OpenFIGI client for the cascade.
func NewOpenFIGIResolver(client *openfigi.Client) APIResolver {
	return &openfigiResolver{client: client}
}

func (r *openfigiResolver) Source() domain.Source {
	return domain.SourceOpenFIGI
}

func (r *openfigiResolver) Resolve(ctx context.Context, q Query) (*Candidate, error) {
	if q.Ticker == "" {
		return nil, nil
	}
	result, err := r.client.MapTicker(ctx, q.Ticker, q.Exchange, q.Currency)
	if err != nil {
		return nil, err
	}
	if result == nil || !domain.IsValidISIN(result.ISIN) {
		return nil, nil
	}
	return &Candidate{
		ISIN:     domain.NormalizeISIN(result.ISIN),
		Name:     result.Name,
		Currency: result.Currency,
		Exchange: result.ExchCode,
	}, nil
}

// wikidataResolver adapts the Wikidata SPARQL client.
type wikidataResolver struct {
	client *wikidata.Client
}

// NewWikidataResolver wraps a Wikidata client for the cascade.
func NewWikidataResolver(client *wikidata.Client) APIResolver {
	return &wikidataResolver{client: client}
}

func (r *wikidataResolver) Source() domain.Source {
	return domain.SourceWikidata
}

func (r *wikidataResolver) Resolve(ctx context.Context, q Query) (*Candidate, error) {
	var match *wikidata.Match
	var err error

	if q.Ticker != "" {
		match, err = r.client.FindISINByTicker(ctx, q.Ticker)
		if err != nil {
			return nil, err
		}
	}
	if match == nil && q.Name != "" {
		match, err = r.client.FindISINByName(ctx, NormalizeName(q.Name))
		if err != nil {
			return nil, err
		}
	}
	if match == nil || !domain.IsValidISIN(match.ISIN) {
		return nil, nil
	}
	return &Candidate{ISIN: domain.NormalizeISIN(match.ISIN), Name: match.Label}, nil
}

// finnhubResolver adapts the Finnhub client.
type finnhubResolver struct {
	client *finnhub.Client
}

// NewFinnhubResolver wraps a Finnhub client for the cascade.
func NewFinnhubResolver(client *finnhub.Client) APIResolver {
	return &finnhubResolver{client: client}
}

func (r *finnhubResolver) Source() domain.Source {
	return domain.SourceFinnhub
}

func (r *finnhubResolver) Resolve(ctx context.Context, q Query) (*Candidate, error) {
	query := q.Ticker
	if query == "" {
		query = q.Name
	}
	if query == "" {
		return nil, nil
	}

	profile, err := r.client.LookupISIN(ctx, query)
	if err != nil {
		return nil, err
	}
	if profile == nil || !domain.IsValidISIN(profile.ISIN) {
		return nil, nil
	}
	return &Candidate{
		ISIN:     domain.NormalizeISIN(profile.ISIN),
		Name:     profile.Name,
		Currency: profile.Currency,
		Exchange: profile.Exchange,
	}, nil
}

// yfinanceResolver adapts the Yahoo Finance client.
type yfinanceResolver struct {
	client *yfinance.Client
}

// NewYFinanceResolver wraps a Yahoo Finance client for the cascade.
func NewYFinanceResolver(client *yfinance.Client) APIResolver {
	return &yfinanceResolver{client: client}
}

func (r *yfinanceResolver) Source() domain.Source {
	return domain.SourceYFinance
}

func (r *yfinanceResolver) Resolve(ctx context.Context, q Query) (*Candidate, error) {
	query := q.Ticker
	if query == "" {
		query = q.Name
	}
	if query == "" {
		return nil, nil
	}

	result, err := r.client.LookupISIN(ctx, query)
	if err != nil {
		return nil, err
	}
	if result == nil || !domain.IsValidISIN(result.ISIN) {
		return nil, nil
	}
	return &Candidate{
		ISIN:     domain.NormalizeISIN(result.ISIN),
		Name:     result.Quote.LongName,
		Currency: result.Quote.Currency,
		Exchange: result.Quote.Exchange,
	}, nil
}
