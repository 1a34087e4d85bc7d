package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseNumber reads a price or quantity defensively. Currency symbols,
// thousands separators and trailing units are stripped. Anything that does
// not leave exactly one number behind, such as a range, yields nil; it
// never panics.
func ParseNumber(v any) *float64 {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		return finite(n)
	case float32:
		return finite(float64(n))
	case int:
		return finite(float64(n))
	case int64:
		return finite(float64(n))
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		return finite(f)
	case string:
		return parseString(n)
	case *float64:
		if n == nil {
			return nil
		}
		return finite(*n)
	default:
		return nil
	}
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func parseString(s string) *float64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	if s == "free" || s == "$0" {
		zero := 0.0
		return &zero
	}

	// Cut a trailing "/mo", "per user" etc.
	if i := strings.IndexAny(s, "/"); i > 0 {
		s = s[:i]
	}
	if i := strings.Index(s, " per "); i > 0 {
		s = s[:i]
	}

	mult := 1.0
	var b strings.Builder
	seenDigit := false
	ended := false
	runes := []rune(s)
scan:
	for i, r := range runes {
		switch {
		case unicode.IsDigit(r):
			if ended {
				// A second number, as in a "$10 - $20" range.
				return nil
			}
			seenDigit = true
			b.WriteRune(r)
		case r == '.' && !ended:
			b.WriteRune(r)
		case r == '-' && !seenDigit && b.Len() == 0:
			b.WriteRune(r)
		case r == ',' || r == '_':
			// thousands separators
		case unicode.IsSpace(r):
			if seenDigit && !spaceSeparator(runes, i) {
				ended = true
			}
		case (r == '-' || r == '\u2013' || r == '\u2014') && seenDigit:
			ended = true
		case unicode.IsLetter(r) && seenDigit:
			// "10k" and "2m" scale; any other trailing word ends the number.
			if (r == 'k' || r == 'm') && (i+1 == len(runes) || !unicode.IsLetter(runes[i+1])) {
				if r == 'k' {
					mult = 1e3
				} else {
					mult = 1e6
				}
			}
			break scan
		default:
			// currency symbols and other punctuation
		}
	}
	if !seenDigit {
		return nil
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return nil
	}
	return finite(f * mult)
}

// spaceSeparator reports whether the space at i groups thousands, as in
// "1 200": it follows a digit and is followed by exactly three digits.
func spaceSeparator(runes []rune, i int) bool {
	if i == 0 || i+3 >= len(runes) || !unicode.IsDigit(runes[i-1]) {
		return false
	}
	for j := i + 1; j <= i+3; j++ {
		if !unicode.IsDigit(runes[j]) {
			return false
		}
	}
	return i+4 == len(runes) || !unicode.IsDigit(runes[i+4])
}

// nonNegative drops negative values, which are never valid prices or counts.
func nonNegative(p *float64) *float64 {
	if p == nil || *p < 0 {
		return nil
	}
	return p
}

// ParseBillingPeriod maps free-form period text to a BillingPeriod. The
// second return is false when the input was empty or unrecognised and the
// monthly default was applied.
func ParseBillingPeriod(s string) (BillingPeriod, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "":
		return BillingMonthly, false
	case strings.Contains(s, "year"), strings.Contains(s, "annual"), s == "yr", s == "/yr", s == "12mo":
		return BillingAnnual, true
	case strings.Contains(s, "quarter"), s == "qtr", s == "3mo":
		return BillingQuarterly, true
	case strings.Contains(s, "month"), s == "mo", s == "/mo":
		return BillingMonthly, true
	default:
		return BillingMonthly, false
	}
}
