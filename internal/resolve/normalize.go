// Package resolve implements the cascaded ticker/name → ISIN resolution
// with confidence scoring and provenance: pass-through, local cache,
// negative cache, Hive, then external APIs in priority order.
package resolve

import (
	"regexp"
	"strings"
)

// tickerPattern validates an upper-cased, trimmed ticker.
var tickerPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,20}$`)

// sqlMetaPattern rejects names carrying SQL meta-characters before they get
// anywhere near a query.
var sqlMetaPattern = regexp.MustCompile("[;'\"`\\\\]")

// namePunctuation is stripped during name normalization.
var namePunctuation = regexp.MustCompile(`[.,&()\-/']`)

// corporateSuffixes are dropped from the end of normalized names, longest
// variants first so "CORPORATION" goes before "CORP".
var corporateSuffixes = []string{
	"CORPORATION", "INCORPORATED", "COMPANY", "HOLDINGS", "HOLDING",
	"GROUP", "CORP", "INC", "LTD", "PLC", "LLC", "AB", "AG", "AS",
	"CO", "NV", "OYJ", "SA", "SE", "SPA",
}

// exchangeSuffixPattern matches ticker exchange suffixes like .L or .DE.
var exchangeSuffixPattern = regexp.MustCompile(`\.[A-Z]{1,3}$`)

// ValidTicker reports whether the canonicalized ticker is acceptable input.
func ValidTicker(ticker string) bool {
	return tickerPattern.MatchString(CanonicalTicker(ticker))
}

// CanonicalTicker upper-cases and trims a ticker.
func CanonicalTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// ValidName reports whether the name is acceptable input: 1–200 characters
// and free of SQL meta-characters.
func ValidName(name string) bool {
	name = strings.TrimSpace(name)
	if len(name) < 1 || len(name) > 200 {
		return false
	}
	return !sqlMetaPattern.MatchString(name)
}

// NormalizeName upper-cases a security name, strips punctuation and removes
// trailing corporate suffixes, so "Apple Inc." and "APPLE INC" normalize to
// the same alias key.
func NormalizeName(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	upper = namePunctuation.ReplaceAllString(upper, " ")
	upper = strings.Join(strings.Fields(upper), " ")

	for changed := true; changed; {
		changed = false
		for _, suffix := range corporateSuffixes {
			if strings.HasSuffix(upper, " "+suffix) {
				upper = strings.TrimSpace(strings.TrimSuffix(upper, " "+suffix))
				changed = true
			}
		}
	}

	return upper
}

// TickerVariants generates the lookup candidates for a ticker: the
// canonical form first, then the form with any exchange suffix stripped.
func TickerVariants(ticker string) []string {
	canonical := CanonicalTicker(ticker)
	if canonical == "" {
		return nil
	}

	variants := []string{canonical}
	if stripped := exchangeSuffixPattern.ReplaceAllString(canonical, ""); stripped != canonical && stripped != "" {
		variants = append(variants, stripped)
	}
	return variants
}

// ExchangeSuffix returns the exchange suffix of a ticker ("" when none),
// without the leading dot.
func ExchangeSuffix(ticker string) string {
	m := exchangeSuffixPattern.FindString(CanonicalTicker(ticker))
	return strings.TrimPrefix(m, ".")
}
