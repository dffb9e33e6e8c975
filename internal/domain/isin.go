package domain

import (
	"regexp"
	"strings"
)

// isinPattern matches the ISIN shape: two-letter country code, nine
// alphanumeric characters, and a numeric check digit.
var isinPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)

// IsValidISIN reports whether the identifier is a syntactically valid ISIN,
// including the Luhn check digit. Input is trimmed and upper-cased first so
// lookups stay case-insensitive.
func IsValidISIN(identifier string) bool {
	isin := strings.ToUpper(strings.TrimSpace(identifier))
	if !isinPattern.MatchString(isin) {
		return false
	}
	return isinChecksumOK(isin)
}

// NormalizeISIN returns the canonical upper-cased form of an ISIN, or ""
// when the input is not a valid ISIN.
func NormalizeISIN(identifier string) string {
	isin := strings.ToUpper(strings.TrimSpace(identifier))
	if !IsValidISIN(isin) {
		return ""
	}
	return isin
}

// isinChecksumOK verifies the Luhn check digit over the digit expansion of
// the ISIN (letters expand to two digits: A=10 .. Z=35).
func isinChecksumOK(isin string) bool {
	var digits []int
	for _, r := range isin {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			digits = append(digits, v/10, v%10)
		default:
			return false
		}
	}

	// Luhn: double every second digit from the right
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
