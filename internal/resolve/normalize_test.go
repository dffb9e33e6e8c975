package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips inc", "Apple Inc.", "APPLE"},
		{"strips corp", "NVIDIA CORP", "NVIDIA"},
		{"strips corporation", "Microsoft Corporation", "MICROSOFT"},
		{"strips stacked suffixes", "Acme Holdings Ltd", "ACME"},
		{"strips plc", "BP PLC", "BP"},
		{"strips punctuation", "Berkshire-Hathaway, Inc.", "BERKSHIRE HATHAWAY"},
		{"collapses whitespace", "  Siemens   AG ", "SIEMENS"},
		{"plain name unchanged", "LVMH", "LVMH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestTickerVariants(t *testing.T) {
	assert.Equal(t, []string{"AAPL"}, TickerVariants("aapl"))
	assert.Equal(t, []string{"SHEL.L", "SHEL"}, TickerVariants("SHEL.L"))
	assert.Equal(t, []string{"SAP.DE", "SAP"}, TickerVariants("sap.de"))
	assert.Nil(t, TickerVariants(""))
}

func TestExchangeSuffix(t *testing.T) {
	assert.Equal(t, "L", ExchangeSuffix("SHEL.L"))
	assert.Equal(t, "DE", ExchangeSuffix("SAP.DE"))
	assert.Equal(t, "", ExchangeSuffix("AAPL"))
}

func TestValidTicker(t *testing.T) {
	assert.True(t, ValidTicker("AAPL"))
	assert.True(t, ValidTicker("brk-b"))
	assert.True(t, ValidTicker("SHEL.L"))
	assert.False(t, ValidTicker(""))
	assert.False(t, ValidTicker("WAY TOO LONG TO BE A TICKER"))
	assert.False(t, ValidTicker("bad ticker"))
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("Apple Inc."))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("Robert'); DROP TABLE aliases;--"))
}
