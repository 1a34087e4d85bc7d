package model

import (
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// ScrapeFrequency is how often a vendor's pricing page is scheduled.
type ScrapeFrequency string

const (
	FrequencyDaily   ScrapeFrequency = "daily"
	FrequencyWeekly  ScrapeFrequency = "weekly"
	FrequencyMonthly ScrapeFrequency = "monthly"
)

// VendorScrapeConfig is everything the core needs to scrape one vendor.
type VendorScrapeConfig struct {
	VendorID                    string                     `json:"vendor_id"`
	Name                        string                     `json:"name,omitempty"`
	PricingURL                  string                     `json:"pricing_url"`
	PreferredMethods            []ScrapingMethod           `json:"preferred_methods,omitempty"`
	ScrapeFrequency             ScrapeFrequency            `json:"scrape_frequency"`
	ConsecutiveFailures         int                        `json:"consecutive_failures"`
	MaxFailuresBeforeEscalation int                        `json:"max_failures_before_escalation"`
	MethodCosts                 map[ScrapingMethod]float64 `json:"method_costs,omitempty"`
}

// Validate checks the fields a vendor must carry before it can be scraped.
func (v VendorScrapeConfig) Validate() error {
	if v.VendorID == "" {
		return eris.New("model: vendor_id is required")
	}
	u, err := url.Parse(v.PricingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return eris.Errorf("model: vendor %s: pricing_url must be an absolute http(s) URL", v.VendorID)
	}
	switch v.ScrapeFrequency {
	case "", FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return eris.Errorf("model: vendor %s: unknown scrape_frequency %q", v.VendorID, v.ScrapeFrequency)
	}
	for _, m := range v.PreferredMethods {
		if !m.Valid() {
			return eris.Errorf("model: vendor %s: unknown preferred method %q", v.VendorID, m)
		}
	}
	for m, c := range v.MethodCosts {
		if !m.Valid() || c < 0 {
			return eris.Errorf("model: vendor %s: invalid method cost %s=%v", v.VendorID, m, c)
		}
	}
	if v.MaxFailuresBeforeEscalation < 0 {
		return eris.Errorf("model: vendor %s: max_failures_before_escalation must be >= 0", v.VendorID)
	}
	return nil
}

// PreferredMethod returns the first preferred method, if any.
func (v VendorScrapeConfig) PreferredMethod() (ScrapingMethod, bool) {
	for _, m := range v.PreferredMethods {
		if m.Valid() {
			return m, true
		}
	}
	return "", false
}

// VendorHealth tracks scrape reliability for scheduling decisions.
type VendorHealth struct {
	VendorID             string         `json:"vendor_id"`
	ConsecutiveFailures  int            `json:"consecutive_failures"`
	LastSuccessfulMethod ScrapingMethod `json:"last_successful_method,omitempty"`
	IsQuarantined        bool           `json:"is_quarantined"`
	QuarantineUntil      *time.Time     `json:"quarantine_until,omitempty"`
	LastAttemptAt        *time.Time     `json:"last_attempt_at,omitempty"`
}

// QuarantinedAt reports whether the vendor is still quarantined at t.
func (h VendorHealth) QuarantinedAt(t time.Time) bool {
	if !h.IsQuarantined {
		return false
	}
	return h.QuarantineUntil == nil || t.Before(*h.QuarantineUntil)
}

// Vendor pairs a config with its current health.
type Vendor struct {
	Config    VendorScrapeConfig `json:"config"`
	Health    VendorHealth       `json:"health"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// ScrapeConfig returns the config with its failure counter taken from health.
func (v Vendor) ScrapeConfig() VendorScrapeConfig {
	cfg := v.Config
	cfg.VendorID = v.Health.VendorID
	if cfg.VendorID == "" {
		cfg.VendorID = v.Config.VendorID
	}
	cfg.ConsecutiveFailures = v.Health.ConsecutiveFailures
	return cfg
}
