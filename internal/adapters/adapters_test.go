package adapters

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryGivesUpAfterThreeAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return errors.New("still broken")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryManualUploadIsTerminal(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return &ManualUploadError{ParentISIN: "IE00B4L5Y983"}
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManualUploadRequired))
	assert.Equal(t, 1, attempts, "manual upload must never be retried")
}

func TestCSVHoldingsAdapterMissingFileSignalsManualUpload(t *testing.T) {
	adapter := NewCSVHoldingsAdapter(t.TempDir(), zerolog.Nop())

	_, err := adapter.Holdings(context.Background(), "IE00B4L5Y983")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManualUploadRequired))

	var manual *ManualUploadError
	require.True(t, errors.As(err, &manual))
	assert.Equal(t, "IE00B4L5Y983", manual.ParentISIN)
}

func TestCSVHoldingsAdapterParsesUpload(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "uploads"), 0o700))

	csv := "isin,ticker,name,weight\n" +
		"US0378331005,AAPL,Apple Inc.,60%\n" +
		",NVDA,NVIDIA Corp,0.40\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "uploads", "IE00B4L5Y983.csv"), []byte(csv), 0o600))

	adapter := NewCSVHoldingsAdapter(dataDir, zerolog.Nop())
	holdings, err := adapter.Holdings(context.Background(), "ie00b4l5y983")
	require.NoError(t, err)
	require.Len(t, holdings, 2)

	assert.Equal(t, "US0378331005", holdings[0].ChildISIN)
	assert.InDelta(t, 0.60, holdings[0].Weight, 1e-9)

	// Percent and fraction forms normalize identically.
	assert.Equal(t, "NVDA", holdings[1].ChildTicker)
	assert.InDelta(t, 0.40, holdings[1].Weight, 1e-9)
	assert.Equal(t, "IE00B4L5Y983", holdings[1].ParentISIN)
}

func TestCSVHoldingsAdapterRejectsBadWeight(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "uploads"), 0o700))
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "uploads", "IE00B4L5Y983.csv"),
		[]byte("isin,weight\nUS0378331005,not-a-number\n"), 0o600))

	adapter := NewCSVHoldingsAdapter(dataDir, zerolog.Nop())
	_, err := adapter.Holdings(context.Background(), "IE00B4L5Y983")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight")
}

func TestCSVPositionSourceTransposesColumns(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "positions"), 0o700))

	csv := "isin,ticker,quantity,price,currency,name\n" +
		"US0378331005,AAPL,10,150.00,USD,Apple Inc.\n" +
		"US5949181045,MSFT,5,300.00,USD,Microsoft\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "positions", "default.csv"), []byte(csv), 0o600))

	source := NewCSVPositionSource(dataDir, zerolog.Nop())
	batch, err := source.Fetch(context.Background(), "default")
	require.NoError(t, err)

	assert.Equal(t, 2, batch.Rows())
	assert.Equal(t, []string{"10", "5"}, batch.Columns["quantity"])
	assert.Equal(t, []string{"US0378331005", "US5949181045"}, batch.Columns["isin"])
}

func TestCSVPositionSourceSanitizesPortfolioID(t *testing.T) {
	source := NewCSVPositionSource(t.TempDir(), zerolog.Nop())

	_, err := source.Fetch(context.Background(), "../../etc/passwd")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "/etc/passwd")
}
