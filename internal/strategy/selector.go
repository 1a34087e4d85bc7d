// Package strategy chooses which scraping methods a session may use.
package strategy

import (
	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
)

// Strategy is the plan for one scrape session.
type Strategy struct {
	Tier            Tier                   `json:"tier"`
	PrimaryMethod   model.ScrapingMethod   `json:"primary_method"`
	FallbackChain   []model.ScrapingMethod `json:"fallback_chain"`
	MaxBudget       float64                `json:"max_budget"`
	AllowEscalation bool                   `json:"allow_escalation"`
}

// Candidates returns the primary method followed by the fallback chain.
func (s Strategy) Candidates() []model.ScrapingMethod {
	out := make([]model.ScrapingMethod, 0, len(s.FallbackChain)+1)
	out = append(out, s.PrimaryMethod)
	return append(out, s.FallbackChain...)
}

// Selector derives strategies. It performs no I/O.
type Selector struct {
	policies Policies
	calc     *cost.Calculator
}

// NewSelector creates a Selector over the given policies and cost table.
func NewSelector(policies Policies, calc *cost.Calculator) *Selector {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Selector{policies: policies, calc: calc}
}

// Policy returns the policy that governs vendor.
func (s *Selector) Policy(vendor model.VendorScrapeConfig) Policy {
	return s.policies.For(TierFor(vendor.ScrapeFrequency))
}

// Cost returns the estimated cost of method for vendor.
func (s *Selector) Cost(vendor model.VendorScrapeConfig, m model.ScrapingMethod) float64 {
	return s.calc.Estimate(m, vendor.MethodCosts)
}

// Affordable reports whether m fits the tier ceiling and the monthly headroom.
func (s *Selector) Affordable(vendor model.VendorScrapeConfig, m model.ScrapingMethod, monthlyHeadroom float64) bool {
	c := s.Cost(vendor, m)
	return c <= s.Policy(vendor).MaxCostPerScrape && c <= monthlyHeadroom
}

// Select builds the strategy for vendor given the current budget headroom.
// The browser method is always the cheapest safety net; paid methods join
// the chain only when whitelisted by the tier and affordable.
func (s *Selector) Select(vendor model.VendorScrapeConfig, headroom model.Remaining) Strategy {
	tier := TierFor(vendor.ScrapeFrequency)
	policy := s.policies.For(tier)
	monthly := headroom[model.PeriodMonthly]

	var chain []model.ScrapingMethod
	for _, m := range []model.ScrapingMethod{model.MethodFirecrawl, model.MethodVision} {
		if policy.Permits(m) && s.Affordable(vendor, m, monthly) {
			chain = append(chain, m)
		}
	}

	primary := model.MethodPlaywright
	if pref, ok := vendor.PreferredMethod(); ok && pref != model.MethodPlaywright {
		if i := indexOf(chain, pref); i >= 0 {
			primary = pref
			rest := make([]model.ScrapingMethod, 0, len(chain))
			rest = append(rest, model.MethodPlaywright)
			rest = append(rest, chain[:i]...)
			chain = append(rest, chain[i+1:]...)
		}
	}

	maxBudget := policy.MaxCostPerScrape
	if monthly < maxBudget {
		maxBudget = monthly
	}
	if maxBudget < 0 {
		maxBudget = 0
	}

	return Strategy{
		Tier:            tier,
		PrimaryMethod:   primary,
		FallbackChain:   chain,
		MaxBudget:       maxBudget,
		AllowEscalation: vendor.ConsecutiveFailures < vendor.MaxFailuresBeforeEscalation,
	}
}

func indexOf(ms []model.ScrapingMethod, m model.ScrapingMethod) int {
	for i, o := range ms {
		if o == m {
			return i
		}
	}
	return -1
}
