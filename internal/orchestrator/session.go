package orchestrator

import (
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/strategy"
)

// session tracks which methods a run has tried and picks the next one.
type session struct {
	selector *strategy.Selector
	vendor   model.VendorScrapeConfig
	strategy strategy.Strategy
	policy   strategy.Policy
	monthly  float64
	tried    map[model.ScrapingMethod]bool
	forced   model.ScrapingMethod
}

func newSession(sel *strategy.Selector, vendor model.VendorScrapeConfig, headroom model.Remaining) *session {
	return &session{
		selector: sel,
		vendor:   vendor,
		strategy: sel.Select(vendor, headroom),
		policy:   sel.Policy(vendor),
		monthly:  headroom[model.PeriodMonthly],
		tried:    make(map[model.ScrapingMethod]bool),
	}
}

// suggest honours an adapter's suggested next method when escalation is
// allowed, the method is untried and the vendor's tier permits it.
func (s *session) suggest(m model.ScrapingMethod) {
	if m == "" || !m.Valid() || !s.strategy.AllowEscalation || s.tried[m] || !s.policy.Permits(m) {
		return
	}
	s.forced = m
}

// next returns the next untried method: a forced escalation first, then
// the strategy's candidates, then the global escalation order when
// escalation is allowed. The method is marked tried.
func (s *session) next() (model.ScrapingMethod, bool) {
	if m := s.forced; m != "" {
		s.forced = ""
		if !s.tried[m] {
			s.tried[m] = true
			return m, true
		}
	}
	for _, m := range s.strategy.Candidates() {
		if !s.tried[m] {
			s.tried[m] = true
			return m, true
		}
	}
	if !s.strategy.AllowEscalation {
		return "", false
	}
	for _, m := range model.EscalationOrder() {
		if s.tried[m] || !m.Automated() || !s.policy.Permits(m) {
			continue
		}
		if !s.selector.Affordable(s.vendor, m, s.monthly) {
			continue
		}
		s.tried[m] = true
		return m, true
	}
	return "", false
}
