// Package adapters defines the contracts between external data sources and
// the pipeline: position sources (broker side) and ETF holdings adapters
// (issuer side), plus the shared retry policy for transient network faults.
//
// Adapters are pure with respect to the pipeline: no shared mutable state,
// canonical rows out.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/normalize"
)

// PositionSource produces a canonical batch of positions for a portfolio.
// Broker authentication is opaque behind this interface.
type PositionSource interface {
	// Name returns the source tag recorded on produced positions.
	Name() string
	// Fetch returns the raw tabular batch for the portfolio. The batch is
	// normalized by the caller.
	Fetch(ctx context.Context, portfolioID string) (*normalize.RawBatch, error)
}

// HoldingsAdapter fetches an ETF's composition from its issuer.
type HoldingsAdapter interface {
	// Name returns the adapter identifier; the per-ETF source tag in the
	// pipeline summary is "{name}_adapter".
	Name() string
	// Holdings returns the composition of the ETF identified by parentISIN,
	// or ErrManualUploadRequired when the user must supply a file.
	Holdings(ctx context.Context, parentISIN string) ([]domain.Holding, error)
}

// ErrManualUploadRequired signals that the issuer offers no automated feed
// for this ETF and the user must supply the composition file. Terminal for
// the ETF within a run; never retried.
var ErrManualUploadRequired = errors.New("manual upload required")

// ManualUploadError wraps ErrManualUploadRequired with the affected ISIN so
// the fix hint can point the user at the right upload affordance.
type ManualUploadError struct {
	ParentISIN string
}

func (e *ManualUploadError) Error() string {
	return fmt.Sprintf("manual upload required for %s", e.ParentISIN)
}

func (e *ManualUploadError) Unwrap() error {
	return ErrManualUploadRequired
}

// Retry policy for transient network faults inside adapters: up to 3
// attempts, base 500ms, factor 2.
const (
	retryMaxAttempts  = 3
	retryBaseInterval = 500 * time.Millisecond
	retryFactor       = 2.0
)

// WithRetry runs op under the adapter retry policy. ManualUploadRequired
// and context cancellation are terminal and never retried.
func WithRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseInterval
	policy.Multiplier = retryFactor
	policy.RandomizationFactor = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrManualUploadRequired) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(policy, retryMaxAttempts-1), ctx))
}
