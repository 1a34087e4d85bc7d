package strategy

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

// Tier groups vendors by scrape frequency.
type Tier string

const (
	Tier1 Tier = "tier1"
	Tier2 Tier = "tier2"
	Tier3 Tier = "tier3"
)

// TierFor derives a vendor tier from its scrape frequency.
func TierFor(freq model.ScrapeFrequency) Tier {
	switch freq {
	case model.FrequencyDaily:
		return Tier1
	case model.FrequencyWeekly:
		return Tier2
	default:
		return Tier3
	}
}

// Policy is the method whitelist and per-scrape cost ceiling of a tier.
type Policy struct {
	AllowedMethods   []model.ScrapingMethod `yaml:"allowed_methods"`
	MaxCostPerScrape float64                `yaml:"max_cost_per_scrape"`
}

// Permits reports whether the tier whitelists m.
func (p Policy) Permits(m model.ScrapingMethod) bool {
	for _, a := range p.AllowedMethods {
		if a == m {
			return true
		}
	}
	return false
}

// Policies maps each tier to its policy.
type Policies map[Tier]Policy

// For returns the policy of tier t. An unconfigured tier permits only the
// browser method at no cost.
func (ps Policies) For(t Tier) Policy {
	if p, ok := ps[t]; ok {
		return p
	}
	return Policy{AllowedMethods: []model.ScrapingMethod{model.MethodPlaywright}}
}

// DefaultPolicies returns the built-in tier policies.
func DefaultPolicies() Policies {
	return Policies{
		Tier1: {
			AllowedMethods:   []model.ScrapingMethod{model.MethodPlaywright, model.MethodFirecrawl, model.MethodVision},
			MaxCostPerScrape: 0.05,
		},
		Tier2: {
			AllowedMethods:   []model.ScrapingMethod{model.MethodPlaywright, model.MethodFirecrawl},
			MaxCostPerScrape: 0.01,
		},
		Tier3: {
			AllowedMethods:   []model.ScrapingMethod{model.MethodPlaywright},
			MaxCostPerScrape: 0,
		},
	}
}

// PoliciesFromConfig converts the tiers config section. Tiers absent from
// the config keep their defaults.
func PoliciesFromConfig(tiers map[string]config.TierConfig) (Policies, error) {
	out := DefaultPolicies()
	for name, tc := range tiers {
		p := Policy{MaxCostPerScrape: tc.MaxCostPerScrape}
		for _, s := range tc.AllowedMethods {
			m, err := model.ParseMethod(s)
			if err != nil {
				return nil, eris.Wrapf(err, "strategy: tier %s", name)
			}
			p.AllowedMethods = append(p.AllowedMethods, m)
		}
		out[Tier(strings.ToLower(name))] = p
	}
	return out, nil
}

// LoadPolicyFile reads tier policies from a YAML file with a top-level
// "tiers" key.
func LoadPolicyFile(path string) (Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "strategy: read policy file %s", path)
	}

	var wrapper struct {
		Tiers map[string]struct {
			AllowedMethods   []string `yaml:"allowed_methods"`
			MaxCostPerScrape float64  `yaml:"max_cost_per_scrape"`
		} `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "strategy: parse policy file")
	}
	if len(wrapper.Tiers) == 0 {
		return nil, eris.Errorf("strategy: policy file %s defines no tiers", path)
	}

	tiers := make(map[string]config.TierConfig, len(wrapper.Tiers))
	for name, t := range wrapper.Tiers {
		if t.MaxCostPerScrape < 0 {
			return nil, eris.Errorf("strategy: tier %s: negative max_cost_per_scrape", name)
		}
		tiers[name] = config.TierConfig{AllowedMethods: t.AllowedMethods, MaxCostPerScrape: t.MaxCostPerScrape}
	}
	return PoliciesFromConfig(tiers)
}
