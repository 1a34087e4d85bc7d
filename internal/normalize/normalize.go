package normalize

import (
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/pricewatch/internal/model"
)

// defaultTargetUnits is used when the caller names no unit count.
const defaultTargetUnits = 1

// printer formats money and counts identically regardless of host locale.
var printer = message.NewPrinter(language.English)

// BuildSpec parses raw pricing into a Spec and detects its pricing model.
// It never fails: unparsable fields become nil.
func BuildSpec(raw RawPricing) Spec {
	period, known := ParseBillingPeriod(raw.BillingPeriod)
	s := Spec{
		BillingPeriod:     period,
		UnitBasis:         strings.TrimSpace(raw.UnitBasis),
		BasePrice:         nonNegative(ParseNumber(raw.BasePrice)),
		UnitsIncluded:     nonNegative(ParseNumber(raw.UnitsIncluded)),
		OveragePrice:      nonNegative(ParseNumber(raw.OveragePrice)),
		MinimumCommitment: nonNegative(ParseNumber(raw.MinimumCommitment)),
		TargetPeriod:      BillingMonthly,
		Currency:          strings.ToUpper(strings.TrimSpace(raw.Currency)),
		periodDefaulted:   !known,
	}
	if tp, ok := ParseBillingPeriod(raw.TargetPeriod); ok && tp == BillingAnnual {
		s.TargetPeriod = BillingAnnual
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}

	if t := nonNegative(ParseNumber(raw.TargetUnits)); t != nil {
		s.TargetUnits = *t
	} else {
		s.TargetUnits = defaultTargetUnits
		s.targetDefaulted = true
	}

	for _, rt := range raw.Tiers {
		price := nonNegative(ParseNumber(rt.UnitPrice))
		if price == nil {
			continue
		}
		s.Tiers = append(s.Tiers, Tier{UpTo: nonNegative(ParseNumber(rt.UpTo)), UnitPrice: *price})
	}
	s.Tiers = sortTiers(s.Tiers)

	for _, rp := range raw.CreditPacks {
		size := nonNegative(ParseNumber(rp.Size))
		price := nonNegative(ParseNumber(rp.Price))
		if size == nil || price == nil || *size < 1 {
			continue
		}
		s.CreditPacks = append(s.CreditPacks, CreditPack{Size: int(math.Floor(*size)), Price: *price})
	}

	s.PricingModel = detectModel(&s)
	return s
}

// Normalize builds and evaluates raw pricing for display. The result is
// deterministic for identical input.
func Normalize(raw RawPricing, evidence *model.Evidence) Spec {
	s := BuildSpec(raw)
	Evaluate(&s, evidence)
	return s
}

// Evaluate fills NormalizedValue, Confidence, Formula and Assumptions.
func Evaluate(s *Spec, evidence *model.Evidence) {
	s.Confidence = Confidence(evidence)
	div := s.BillingPeriod.Divisor()

	var monthly *float64
	var formula string
	switch s.PricingModel {
	case ModelSimple:
		monthly = evalSimple(s)
		formula = simpleFormula(s, div)
	case ModelTiered:
		raw := evalTiered(s.Tiers, s.TargetUnits)
		v := raw / div
		monthly = &v
		formula = tieredFormula(s, div)
	case ModelCredit:
		raw, searched := evalCredit(s.CreditPacks, s.TargetUnits)
		s.creditBoundExceeded = !searched
		switch {
		case raw != nil:
			v := *raw / div
			monthly = &v
			formula = printer.Sprintf("cheapest packs covering %s credits = %s", count(s.TargetUnits), money(*raw))
			if div != 1 {
				formula += printer.Sprintf(" / %d", int(div))
			}
		case !searched:
			formula = printer.Sprintf("credit search bound exceeded for %s credits", count(s.TargetUnits))
		default:
			formula = printer.Sprintf("no pack combination covers %s credits", count(s.TargetUnits))
		}
	default:
		formula = "contact sales"
	}

	floored := false
	if monthly != nil && s.MinimumCommitment != nil {
		if floor := *s.MinimumCommitment / div; *monthly < floor {
			*monthly = floor
			floored = true
		}
	}

	if monthly != nil {
		v := math.Max(0, *monthly)
		if s.TargetPeriod == BillingAnnual {
			v *= 12
			formula += " x 12"
		}
		v = round(v)
		if floored {
			formula += " (minimum commitment applied)"
		}
		formula += " = " + money(v)
		s.NormalizedValue = &v
	}

	s.Formula = formula
	s.Assumptions = assumptions(s)
}

func simpleFormula(s *Spec, div float64) string {
	f := money(*s.BasePrice)
	if div != 1 {
		f += printer.Sprintf(" / %d", int(div))
	}
	if s.OveragePrice != nil {
		included := 0.0
		if s.UnitsIncluded != nil {
			included = *s.UnitsIncluded
		}
		f += printer.Sprintf(" + max(0, %s - %s) x %s", count(s.TargetUnits), count(included), money(*s.OveragePrice))
	}
	return f
}

func tieredFormula(s *Spec, div float64) string {
	parts := make([]string, 0, len(s.Tiers))
	used, remaining := 0.0, s.TargetUnits
	for i, t := range s.Tiers {
		if remaining <= 0 {
			break
		}
		take := remaining
		if t.UpTo != nil && i < len(s.Tiers)-1 {
			take = math.Min(math.Max(0, *t.UpTo-used), remaining)
		}
		parts = append(parts, printer.Sprintf("%s x %s", count(take), money(t.UnitPrice)))
		used += take
		remaining -= take
	}
	if len(parts) == 0 {
		parts = append(parts, money(0))
	}
	f := strings.Join(parts, " + ")
	if div != 1 {
		f = "(" + f + printer.Sprintf(") / %d", int(div))
	}
	return f
}

func assumptions(s *Spec) []string {
	var out []string

	switch {
	case s.PricingModel == ModelContact:
		out = append(out, "No public price; vendor requires contacting sales")
	case s.periodDefaulted:
		out = append(out, "Billing period not stated; assumed monthly")
	case s.BillingPeriod != BillingMonthly:
		out = append(out, printer.Sprintf("Converted %s billing to monthly (divided by %d)", s.BillingPeriod, int(s.BillingPeriod.Divisor())))
	default:
		out = append(out, "Billed monthly; no period conversion")
	}

	basis := s.UnitBasis
	if basis == "" {
		basis = "units"
	}
	if s.targetDefaulted {
		out = append(out, printer.Sprintf("No target given; assumed %d %s", defaultTargetUnits, basis))
	} else {
		out = append(out, printer.Sprintf("Priced for %s %s", count(s.TargetUnits), basis))
	}

	if s.PricingModel == ModelSimple && s.OveragePrice != nil {
		out = append(out, printer.Sprintf("Overage charged at %s per unit beyond included units", money(*s.OveragePrice)))
	}
	if s.PricingModel == ModelTiered {
		if last := s.Tiers[len(s.Tiers)-1]; last.UpTo != nil {
			out = append(out, "Final tier is bounded; units beyond it priced at the final tier rate")
		}
	}
	if s.PricingModel == ModelCredit {
		switch {
		case s.creditBoundExceeded:
			out = append(out, printer.Sprintf("Credit search bound exceeded; %s credits is too large to price exactly", count(s.TargetUnits)))
		case s.NormalizedValue == nil:
			out = append(out, printer.Sprintf("No combination of packs up to %s credits reaches the target", count(2*math.Ceil(s.TargetUnits))))
		default:
			out = append(out, "Credit packs may be purchased repeatedly; unused credits not refunded")
		}
	}
	if s.MinimumCommitment != nil {
		out = append(out, printer.Sprintf("Minimum commitment of %s per %s applies", money(*s.MinimumCommitment), periodNoun(s.BillingPeriod)))
	}
	if s.TargetPeriod == BillingAnnual && s.NormalizedValue != nil {
		out = append(out, "Annualized as 12 x monthly figure")
	}

	out = append(out,
		printer.Sprintf("Prices in %s as listed; regional pricing may differ", s.Currency),
		"Excludes taxes and negotiated or promotional discounts",
	)
	return out
}

func periodNoun(b BillingPeriod) string {
	switch b {
	case BillingAnnual:
		return "year"
	case BillingQuarterly:
		return "quarter"
	default:
		return "month"
	}
}

func money(v float64) string {
	return printer.Sprintf("$%.2f", v)
}

func count(v float64) string {
	if v == math.Trunc(v) {
		return printer.Sprintf("%d", int64(v))
	}
	return printer.Sprintf("%.2f", v)
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
