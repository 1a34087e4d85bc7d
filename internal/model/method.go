package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ScrapingMethod identifies an extraction backend. Methods are totally
// ordered by ascending cost; that order is also the global escalation order.
type ScrapingMethod string

const (
	MethodPlaywright ScrapingMethod = "playwright"
	MethodFirecrawl  ScrapingMethod = "firecrawl"
	MethodVision     ScrapingMethod = "vision"
	MethodManual     ScrapingMethod = "manual"
)

var escalationOrder = []ScrapingMethod{
	MethodPlaywright,
	MethodFirecrawl,
	MethodVision,
	MethodManual,
}

// EscalationOrder returns a copy of the fixed global escalation order.
func EscalationOrder() []ScrapingMethod {
	out := make([]ScrapingMethod, len(escalationOrder))
	copy(out, escalationOrder)
	return out
}

// Rank returns the position of m in the escalation order, or -1 if unknown.
func (m ScrapingMethod) Rank() int {
	for i, o := range escalationOrder {
		if o == m {
			return i
		}
	}
	return -1
}

// Valid reports whether m is a known method.
func (m ScrapingMethod) Valid() bool { return m.Rank() >= 0 }

// Automated reports whether the method runs without a human in the loop.
func (m ScrapingMethod) Automated() bool {
	return m.Valid() && m != MethodManual
}

// Next returns the method after m in the escalation order.
func (m ScrapingMethod) Next() (ScrapingMethod, bool) {
	r := m.Rank()
	if r < 0 || r+1 >= len(escalationOrder) {
		return "", false
	}
	return escalationOrder[r+1], true
}

func (m ScrapingMethod) String() string { return string(m) }

// ParseMethod converts a config or wire string into a ScrapingMethod.
func ParseMethod(s string) (ScrapingMethod, error) {
	m := ScrapingMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", eris.Errorf("model: unknown scraping method %q", s)
	}
	return m, nil
}
