package normalize

import (
	"math"
	"sort"
)

// maxCreditUnits bounds the credit search table after GCD reduction.
const maxCreditUnits = 2_000_000

// detectModel picks the evaluator by precedence: tiered, credit, simple, contact.
func detectModel(s *Spec) PricingModel {
	switch {
	case len(s.Tiers) > 0:
		return ModelTiered
	case len(s.CreditPacks) > 0:
		return ModelCredit
	case s.BasePrice != nil:
		return ModelSimple
	default:
		return ModelContact
	}
}

// evalSimple returns the monthly figure for a flat plan with optional overage.
func evalSimple(s *Spec) *float64 {
	if s.BasePrice == nil {
		return nil
	}
	v := *s.BasePrice/s.BillingPeriod.Divisor() + simpleOverage(s)
	return &v
}

func simpleOverage(s *Spec) float64 {
	if s.OveragePrice == nil {
		return 0
	}
	included := 0.0
	if s.UnitsIncluded != nil {
		included = *s.UnitsIncluded
	}
	return math.Max(0, s.TargetUnits-included) * *s.OveragePrice
}

// sortTiers orders bounded tiers ascending by UpTo with unbounded tiers last.
// The sort is stable so equal bounds keep their extracted order.
func sortTiers(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].UpTo, out[j].UpTo
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return out
}

// evalTiered walks graduated tiers in order. The final tier absorbs any
// remainder whether or not it carries a bound.
func evalTiered(tiers []Tier, units float64) float64 {
	var cost, used float64
	remaining := units
	for i, t := range tiers {
		if remaining <= 0 {
			break
		}
		take := remaining
		if t.UpTo != nil && i < len(tiers)-1 {
			take = math.Min(math.Max(0, *t.UpTo-used), remaining)
		}
		cost += take * t.UnitPrice
		used += take
		remaining -= take
	}
	return cost
}

// evalCredit finds the cheapest combination of packs, each usable any
// number of times, that covers at least units credits. The search spans
// [units, 2*units] so a single oversized bulk pack can win. Pack sizes and
// the span are divided by the GCD of the sizes first, so million-credit
// packs need only a small table. The bool is false when even the reduced
// table exceeds maxCreditUnits; the value is nil in that case and when no
// combination within the span reaches units.
func evalCredit(packs []CreditPack, units float64) (*float64, bool) {
	target := int(math.Ceil(units))
	if target <= 0 {
		zero := 0.0
		return &zero, true
	}

	g := 0
	for _, p := range packs {
		if p.Size > 0 {
			g = gcd(g, p.Size)
		}
	}
	if g == 0 {
		return nil, true
	}
	lo := (target + g - 1) / g
	hi := 2 * target / g
	if hi < lo {
		return nil, true
	}
	if hi > maxCreditUnits {
		return nil, false
	}

	inf := math.Inf(1)
	dp := make([]float64, hi+1)
	for i := 1; i <= hi; i++ {
		dp[i] = inf
	}
	for u := 1; u <= hi; u++ {
		for _, p := range packs {
			if p.Size <= 0 {
				continue
			}
			size := p.Size / g
			if size > u || dp[u-size] == inf {
				continue
			}
			if c := dp[u-size] + p.Price; c < dp[u] {
				dp[u] = c
			}
		}
	}

	best := inf
	for u := lo; u <= hi; u++ {
		if dp[u] < best {
			best = dp[u]
		}
	}
	if best == inf {
		return nil, true
	}
	return &best, true
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
