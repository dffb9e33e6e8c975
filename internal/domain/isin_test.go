package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidISIN(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		want       bool
	}{
		{
			name:       "valid US ISIN",
			identifier: "US0378331005",
			want:       true,
		},
		{
			name:       "valid IE ISIN",
			identifier: "IE00B4L5Y983",
			want:       true,
		},
		{
			name:       "valid DE ISIN",
			identifier: "DE0005140008",
			want:       true,
		},
		{
			name:       "lowercase should work",
			identifier: "us0378331005",
			want:       true,
		},
		{
			name:       "surrounding spaces should work",
			identifier: " US0378331005 ",
			want:       true,
		},
		{
			name:       "bad check digit",
			identifier: "US0378331006",
			want:       false,
		},
		{
			name:       "too short",
			identifier: "US037833100",
			want:       false,
		},
		{
			name:       "too long",
			identifier: "US03783310055",
			want:       false,
		},
		{
			name:       "digits where country code belongs",
			identifier: "120378331005",
			want:       false,
		},
		{
			name:       "letter check digit",
			identifier: "US037833100A",
			want:       false,
		},
		{
			name:       "empty string",
			identifier: "",
			want:       false,
		},
		{
			name:       "plain ticker",
			identifier: "AAPL",
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidISIN(tt.identifier))
		})
	}
}

func TestNormalizeISIN(t *testing.T) {
	assert.Equal(t, "US0378331005", NormalizeISIN(" us0378331005 "))
	assert.Equal(t, "", NormalizeISIN("AAPL"))
	assert.Equal(t, "", NormalizeISIN(""))
}
