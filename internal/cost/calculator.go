// Package cost estimates and computes per-method scrape costs in USD.
package cost

import "github.com/sells-group/pricewatch/internal/model"

// Rates holds per-method pricing configuration.
type Rates struct {
	Browser   BrowserRate   `yaml:"browser" mapstructure:"browser"`
	Firecrawl FirecrawlRate `yaml:"firecrawl" mapstructure:"firecrawl"`
	Vision    VisionRate    `yaml:"vision" mapstructure:"vision"`
}

// BrowserRate holds self-hosted browser pricing. Usually zero.
type BrowserRate struct {
	PerScrape float64 `yaml:"per_scrape" mapstructure:"per_scrape"`
}

// FirecrawlRate holds Firecrawl plan pricing.
type FirecrawlRate struct {
	PlanMonthly      float64 `yaml:"plan_monthly" mapstructure:"plan_monthly"`
	CreditsIncluded  float64 `yaml:"credits_included" mapstructure:"credits_included"`
	CreditsPerScrape float64 `yaml:"credits_per_scrape" mapstructure:"credits_per_scrape"`
}

// VisionRate holds vision-model token pricing (USD per million tokens) and
// the token volume assumed when estimating a scrape before it runs.
type VisionRate struct {
	Input           float64 `yaml:"input" mapstructure:"input"`
	Output          float64 `yaml:"output" mapstructure:"output"`
	EstInputTokens  int64   `yaml:"est_input_tokens" mapstructure:"est_input_tokens"`
	EstOutputTokens int64   `yaml:"est_output_tokens" mapstructure:"est_output_tokens"`
}

// Calculator computes costs for scrape methods.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Estimate returns the pre-attempt cost of running method. A vendor-level
// override wins over the rate table.
func (c *Calculator) Estimate(method model.ScrapingMethod, overrides map[model.ScrapingMethod]float64) float64 {
	if v, ok := overrides[method]; ok && v >= 0 {
		return v
	}
	switch method {
	case model.MethodPlaywright:
		return c.rates.Browser.PerScrape
	case model.MethodFirecrawl:
		return c.Firecrawl(c.rates.Firecrawl.CreditsPerScrape)
	case model.MethodVision:
		return c.Vision(c.rates.Vision.EstInputTokens, c.rates.Vision.EstOutputTokens)
	default:
		return 0
	}
}

// Firecrawl returns the cost of consuming the given number of credits.
func (c *Calculator) Firecrawl(credits float64) float64 {
	if c.rates.Firecrawl.CreditsIncluded <= 0 || credits <= 0 {
		return 0
	}
	return credits * c.rates.Firecrawl.PlanMonthly / c.rates.Firecrawl.CreditsIncluded
}

// Vision computes the cost of a vision-model call from token usage.
func (c *Calculator) Vision(input, output int64) float64 {
	in := (float64(input) / 1e6) * c.rates.Vision.Input
	out := (float64(output) / 1e6) * c.rates.Vision.Output
	return in + out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Browser: BrowserRate{PerScrape: 0},
		Firecrawl: FirecrawlRate{
			PlanMonthly:      19.00,
			CreditsIncluded:  3000,
			CreditsPerScrape: 1,
		},
		Vision: VisionRate{
			Input: 3.00, Output: 15.00,
			EstInputTokens: 4000, EstOutputTokens: 800,
		},
	}
}
