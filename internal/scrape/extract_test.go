package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pricingMarkdown = `# Pricing

Simple plans for growing teams.

## Starter
**Free**
- 1 user
- 3 projects

## Pro
$40 /month per user
- Unlimited projects
- [Priority support](https://acme.test/support)

### Team | $1,200/year

## Enterprise
[Contact sales](https://acme.test/sales)
`

func TestExtractTiers(t *testing.T) {
	tiers := ExtractTiers(pricingMarkdown)
	require.Len(t, tiers, 4)

	assert.Equal(t, "Starter", tiers[0].Name)
	assert.Equal(t, "0", tiers[0].Price)
	assert.Equal(t, []string{"1 user", "3 projects"}, tiers[0].Features)

	assert.Equal(t, "Pro", tiers[1].Name)
	assert.Equal(t, "40", tiers[1].Price)
	assert.Equal(t, "monthly", tiers[1].BillingPeriod)
	assert.Equal(t, "per_user", tiers[1].UnitBasis)
	assert.Equal(t, []string{"Unlimited projects", "Priority support"}, tiers[1].Features)

	assert.Equal(t, "Team", tiers[2].Name)
	assert.Equal(t, "1200", tiers[2].Price)
	assert.Equal(t, "annual", tiers[2].BillingPeriod)

	assert.Equal(t, "Enterprise", tiers[3].Name)
	assert.Equal(t, "contact", tiers[3].Price)
}

func TestExtractTiers_FirstPriceWins(t *testing.T) {
	md := "## Pro\n$40/mo\nor $400/yr billed annually\n"
	tiers := ExtractTiers(md)
	require.Len(t, tiers, 1)
	assert.Equal(t, "40", tiers[0].Price)
	assert.Equal(t, "monthly", tiers[0].BillingPeriod)
}

func TestExtractTiers_NoPricing(t *testing.T) {
	assert.Empty(t, ExtractTiers("# About us\nWe build things.\n"))
	assert.Empty(t, ExtractTiers(""))
	// A price with no heading above it has no tier name.
	assert.Empty(t, ExtractTiers("Plans from $10/month"))
}

func TestExtractTiers_BoldPriceIsNotHeading(t *testing.T) {
	tiers := ExtractTiers("**Basic**\n**$9/mo**\n")
	require.Len(t, tiers, 1)
	assert.Equal(t, "Basic", tiers[0].Name)
	assert.Equal(t, "9", tiers[0].Price)
}

func TestConverterMarkdown(t *testing.T) {
	html := `<html><head><script>alert(1)</script></head><body>
<h2>Pro</h2><p onclick="x()">$40/month</p><ul><li>SSO</li></ul></body></html>`

	md, err := NewConverter().Markdown(html, "https://acme.test/pricing")
	require.NoError(t, err)
	assert.NotContains(t, md, "alert")
	assert.Contains(t, md, "## Pro")

	tiers := ExtractTiers(md)
	require.Len(t, tiers, 1)
	assert.Equal(t, "40", tiers[0].Price)
	assert.Equal(t, []string{"SSO"}, tiers[0].Features)
}

func TestSnippetTruncates(t *testing.T) {
	long := make([]byte, 800)
	for i := range long {
		long[i] = 'x'
	}
	s := snippet(ExtractTiers("## Pro\n$1 " + string(long)))
	assert.Len(t, s, 500)
}
