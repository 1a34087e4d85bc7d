package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
)

func ample() model.Remaining {
	return model.Remaining{
		model.PeriodDaily:   5,
		model.PeriodWeekly:  25,
		model.PeriodMonthly: 80,
	}
}

func newSelector() *Selector {
	return NewSelector(DefaultPolicies(), cost.NewCalculator(cost.DefaultRates()))
}

func vendor(freq model.ScrapeFrequency) model.VendorScrapeConfig {
	return model.VendorScrapeConfig{
		VendorID:                    "acme",
		PricingURL:                  "https://acme.test/pricing",
		ScrapeFrequency:             freq,
		MaxFailuresBeforeEscalation: 3,
	}
}

func TestSelect_DailyAmpleBudget(t *testing.T) {
	t.Parallel()

	s := newSelector().Select(vendor(model.FrequencyDaily), ample())

	assert.Equal(t, Tier1, s.Tier)
	assert.Equal(t, model.MethodPlaywright, s.PrimaryMethod)
	assert.Equal(t, []model.ScrapingMethod{model.MethodFirecrawl, model.MethodVision}, s.FallbackChain)
	assert.True(t, s.AllowEscalation)
	assert.InDelta(t, 0.05, s.MaxBudget, 1e-9)
}

func TestSelect_TierWhitelists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		freq  model.ScrapeFrequency
		tier  Tier
		chain []model.ScrapingMethod
	}{
		{model.FrequencyDaily, Tier1, []model.ScrapingMethod{model.MethodFirecrawl, model.MethodVision}},
		{model.FrequencyWeekly, Tier2, []model.ScrapingMethod{model.MethodFirecrawl}},
		{model.FrequencyMonthly, Tier3, nil},
		{"", Tier3, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier)+"/"+string(tt.freq), func(t *testing.T) {
			t.Parallel()
			s := newSelector().Select(vendor(tt.freq), ample())
			assert.Equal(t, tt.tier, s.Tier)
			assert.Equal(t, model.MethodPlaywright, s.PrimaryMethod)
			assert.Equal(t, tt.chain, s.FallbackChain)
		})
	}
}

func TestSelect_MonthlyHeadroomGatesPaidMethods(t *testing.T) {
	t.Parallel()

	h := ample()
	h[model.PeriodMonthly] = 0.01 // covers firecrawl (~0.0063), not vision (~0.024)
	s := newSelector().Select(vendor(model.FrequencyDaily), h)
	assert.Equal(t, []model.ScrapingMethod{model.MethodFirecrawl}, s.FallbackChain)
	assert.InDelta(t, 0.01, s.MaxBudget, 1e-9)

	h[model.PeriodMonthly] = 0
	s = newSelector().Select(vendor(model.FrequencyDaily), h)
	assert.Empty(t, s.FallbackChain)
	assert.Equal(t, []model.ScrapingMethod{model.MethodPlaywright}, s.Candidates())
}

func TestSelect_TierCeilingGatesPaidMethods(t *testing.T) {
	t.Parallel()

	v := vendor(model.FrequencyDaily)
	v.MethodCosts = map[model.ScrapingMethod]float64{model.MethodVision: 0.2}
	s := newSelector().Select(v, ample())
	assert.Equal(t, []model.ScrapingMethod{model.MethodFirecrawl}, s.FallbackChain)
}

func TestSelect_PreferredMethodPromoted(t *testing.T) {
	t.Parallel()

	v := vendor(model.FrequencyDaily)
	v.PreferredMethods = []model.ScrapingMethod{model.MethodVision}
	s := newSelector().Select(v, ample())

	assert.Equal(t, model.MethodVision, s.PrimaryMethod)
	assert.Equal(t, []model.ScrapingMethod{model.MethodPlaywright, model.MethodFirecrawl}, s.FallbackChain)
}

func TestSelect_PreferredMethodNotInChainIgnored(t *testing.T) {
	t.Parallel()

	v := vendor(model.FrequencyWeekly)
	v.PreferredMethods = []model.ScrapingMethod{model.MethodVision}
	s := newSelector().Select(v, ample())

	assert.Equal(t, model.MethodPlaywright, s.PrimaryMethod)
	assert.Equal(t, []model.ScrapingMethod{model.MethodFirecrawl}, s.FallbackChain)
}

func TestSelect_PreferredPlaywrightKeepsChain(t *testing.T) {
	t.Parallel()

	v := vendor(model.FrequencyDaily)
	v.PreferredMethods = []model.ScrapingMethod{model.MethodPlaywright}
	s := newSelector().Select(v, ample())

	assert.Equal(t, model.MethodPlaywright, s.PrimaryMethod)
	assert.Equal(t, []model.ScrapingMethod{model.MethodFirecrawl, model.MethodVision}, s.FallbackChain)
}

func TestSelect_AllowEscalation(t *testing.T) {
	t.Parallel()

	v := vendor(model.FrequencyDaily)
	v.ConsecutiveFailures = 2
	assert.True(t, newSelector().Select(v, ample()).AllowEscalation)

	v.ConsecutiveFailures = 3
	assert.False(t, newSelector().Select(v, ample()).AllowEscalation)
}

func TestSelect_Deterministic(t *testing.T) {
	t.Parallel()

	v := vendor(model.FrequencyDaily)
	v.PreferredMethods = []model.ScrapingMethod{model.MethodFirecrawl}
	sel := newSelector()
	assert.Equal(t, sel.Select(v, ample()), sel.Select(v, ample()))
}

func TestPolicy_Permits(t *testing.T) {
	t.Parallel()

	p := DefaultPolicies()[Tier2]
	assert.True(t, p.Permits(model.MethodFirecrawl))
	assert.False(t, p.Permits(model.MethodVision))

	unknown := Policies{}.For("tier9")
	assert.True(t, unknown.Permits(model.MethodPlaywright))
	assert.False(t, unknown.Permits(model.MethodFirecrawl))
}

func TestPoliciesFromConfig(t *testing.T) {
	t.Parallel()

	ps, err := PoliciesFromConfig(map[string]config.TierConfig{
		"Tier3": {AllowedMethods: []string{"playwright", "Firecrawl"}, MaxCostPerScrape: 0.02},
	})
	require.NoError(t, err)
	assert.True(t, ps[Tier3].Permits(model.MethodFirecrawl))
	assert.InDelta(t, 0.02, ps[Tier3].MaxCostPerScrape, 1e-9)
	// Untouched tiers keep defaults.
	assert.True(t, ps[Tier1].Permits(model.MethodVision))

	_, err = PoliciesFromConfig(map[string]config.TierConfig{"tier1": {AllowedMethods: []string{"fax"}}})
	assert.Error(t, err)
}

func TestLoadPolicyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	yaml := `
tiers:
  tier1:
    allowed_methods: [playwright, vision]
    max_cost_per_scrape: 0.03
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	ps, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, []model.ScrapingMethod{model.MethodPlaywright, model.MethodVision}, ps[Tier1].AllowedMethods)
	assert.InDelta(t, 0.03, ps[Tier1].MaxCostPerScrape, 1e-9)

	sel := NewSelector(ps, cost.NewCalculator(cost.DefaultRates()))
	s := sel.Select(vendor(model.FrequencyDaily), ample())
	assert.Equal(t, []model.ScrapingMethod{model.MethodVision}, s.FallbackChain)
}

func TestLoadPolicyFile_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("other: 1\n"), 0o644))
	_, err = LoadPolicyFile(empty)
	assert.Error(t, err)

	neg := filepath.Join(dir, "neg.yaml")
	require.NoError(t, os.WriteFile(neg, []byte("tiers:\n  tier1:\n    max_cost_per_scrape: -1\n"), 0o644))
	_, err = LoadPolicyFile(neg)
	assert.Error(t, err)
}
