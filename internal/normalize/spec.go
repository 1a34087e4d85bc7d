// Package normalize converts heterogeneous extracted pricing into one
// comparable monthly or annual figure with an audit trail.
package normalize

// PricingModel is the evaluator selected for a spec.
type PricingModel string

const (
	ModelSimple  PricingModel = "simple"
	ModelTiered  PricingModel = "tiered"
	ModelCredit  PricingModel = "credit"
	ModelContact PricingModel = "contact"
)

// BillingPeriod is the period a price is quoted in.
type BillingPeriod string

const (
	BillingMonthly   BillingPeriod = "monthly"
	BillingQuarterly BillingPeriod = "quarterly"
	BillingAnnual    BillingPeriod = "annual"
)

// Divisor returns the number of months covered by the period.
func (b BillingPeriod) Divisor() float64 {
	switch b {
	case BillingAnnual:
		return 12
	case BillingQuarterly:
		return 3
	default:
		return 1
	}
}

// Tier is one band of a graduated price. A nil UpTo marks the unbounded final tier.
type Tier struct {
	UpTo      *float64 `json:"upTo"`
	UnitPrice float64  `json:"unitPrice"`
}

// CreditPack is a purchasable bundle of usage credits.
type CreditPack struct {
	Size  int     `json:"size"`
	Price float64 `json:"price"`
}

// Spec is the parsed, evaluated pricing scheme. NormalizedValue is nil when
// no comparable figure can be derived.
type Spec struct {
	BillingPeriod     BillingPeriod `json:"billingPeriod"`
	UnitBasis         string        `json:"unitBasis,omitempty"`
	BasePrice         *float64      `json:"basePrice"`
	UnitsIncluded     *float64      `json:"unitsIncluded"`
	OveragePrice      *float64      `json:"overagePrice"`
	Tiers             []Tier        `json:"tiers,omitempty"`
	CreditPacks       []CreditPack  `json:"creditPacks,omitempty"`
	MinimumCommitment *float64      `json:"minimumCommitment"`
	TargetUnits       float64       `json:"targetUnits"`
	TargetPeriod      BillingPeriod `json:"targetPeriod"`
	Currency          string        `json:"currency,omitempty"`
	NormalizedValue   *float64      `json:"normalizedValue"`
	PricingModel      PricingModel  `json:"pricingModel"`
	Confidence        float64       `json:"confidence"`
	Formula           string        `json:"formula"`
	Assumptions       []string      `json:"assumptions"`

	// parse notes carried into the assumptions list.
	periodDefaulted     bool
	targetDefaulted     bool
	creditBoundExceeded bool
}

// RawPricing is pricing as extracted, before parsing. Numeric fields accept
// numbers or free-form strings such as "$1,200/yr" or "10k".
type RawPricing struct {
	BillingPeriod     string          `json:"billing_period"`
	UnitBasis         string          `json:"unit_basis"`
	BasePrice         any             `json:"base_price"`
	UnitsIncluded     any             `json:"units_included"`
	OveragePrice      any             `json:"overage_price"`
	Tiers             []RawTier       `json:"tiers"`
	CreditPacks       []RawCreditPack `json:"credit_packs"`
	MinimumCommitment any             `json:"minimum_commitment"`
	TargetUnits       any             `json:"target_units"`
	TargetPeriod      string          `json:"target_period"`
	Currency          string          `json:"currency"`
}

// RawTier is an unparsed tier.
type RawTier struct {
	UpTo      any `json:"up_to"`
	UnitPrice any `json:"unit_price"`
}

// RawCreditPack is an unparsed credit pack.
type RawCreditPack struct {
	Size  any `json:"size"`
	Price any `json:"price"`
}
