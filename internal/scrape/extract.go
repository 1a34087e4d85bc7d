package scrape

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// Converter sanitizes rendered HTML and converts it to markdown.
type Converter struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

// NewConverter creates a Converter with the commonmark and table plugins.
func NewConverter() *Converter {
	return &Converter{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Markdown strips scripts, styles and inline handlers from html, then
// converts what is left.
func (c *Converter) Markdown(html, pageURL string) (string, error) {
	clean := c.policy.Sanitize(html)
	out, err := c.md.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil {
		return "", eris.Wrap(err, "scrape: html to markdown")
	}
	return strings.TrimSpace(out), nil
}

var (
	headingRe = regexp.MustCompile(`^(?:#{1,6}\s+(.+?)\s*#*|\*\*([^*]+)\*\*|__([^_]+)__)$`)
	priceRe   = regexp.MustCompile(`(?:US)?\$\s?(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	periodRe  = regexp.MustCompile(`(?i)(?:/\s*|\bper\s+|\ba\s+)(month|mo|year|yr|annum|week|day)\b|\b(monthly|annually|yearly|weekly|daily)\b`)
	unitRe    = regexp.MustCompile(`(?i)(?:/\s*|\bper\s+|\beach\s+)(user|seat|member|agent|editor|host|node)s?\b`)
	contactRe = regexp.MustCompile(`(?i)\bcontact\s+(?:us|sales)\b|\bcustom\s+pricing\b|\btalk\s+to\s+sales\b|\bget\s+a\s+quote\b`)
	freeRe    = regexp.MustCompile(`(?i)^(?:\*\*)?free(?:\s+forever)?(?:\*\*)?$`)
	bulletRe  = regexp.MustCompile(`^[-*+]\s+(.+)$`)
	linkRe    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

const (
	maxTierName     = 40
	maxTierFeatures = 15
)

// ExtractTiers reads plan tiers off a markdown rendering of a pricing page.
// A tier is a heading followed by a price line, a free marker or a contact
// call to action; bullets under it become features.
func ExtractTiers(markdown string) []model.ExtractedTier {
	var tiers []model.ExtractedTier
	seen := make(map[string]bool)
	name := ""
	cur := -1

	for _, line := range strings.Split(markdown, "\n") {
		text := strings.TrimSpace(linkRe.ReplaceAllString(line, "$1"))
		if text == "" {
			continue
		}

		if h := heading(text); h != "" {
			cur = -1
			name = h
			if loc := priceRe.FindStringIndex(h); loc != nil {
				name = strings.Trim(strings.TrimSpace(h[:loc[0]]), "-–:|")
				name = strings.TrimSpace(name)
				if name != "" && !seen[strings.ToLower(name)] {
					cur = addTier(&tiers, seen, name, priceTier(h))
				}
			}
			if len(name) > maxTierName {
				name = ""
			}
			continue
		}

		if cur >= 0 {
			if m := bulletRe.FindStringSubmatch(text); m != nil {
				if len(tiers[cur].Features) < maxTierFeatures {
					tiers[cur].Features = append(tiers[cur].Features, strings.TrimSpace(m[1]))
				}
				continue
			}
		}

		if name == "" || seen[strings.ToLower(name)] {
			continue
		}

		switch {
		case priceRe.MatchString(text):
			cur = addTier(&tiers, seen, name, priceTier(text))
		case freeRe.MatchString(text):
			cur = addTier(&tiers, seen, name, model.ExtractedTier{Price: "0", Raw: text})
		case contactRe.MatchString(text):
			cur = addTier(&tiers, seen, name, model.ExtractedTier{Price: "contact", Raw: text})
		}
	}
	return tiers
}

func heading(line string) string {
	m := headingRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return strings.TrimSpace(strings.Trim(m[1], "*_"))
	}
	// Bold lines are headings only when they carry no price of their own.
	g := strings.TrimSpace(m[2] + m[3])
	if priceRe.MatchString(g) || freeRe.MatchString(g) || contactRe.MatchString(g) {
		return ""
	}
	return g
}

func priceTier(line string) model.ExtractedTier {
	t := model.ExtractedTier{Raw: line}
	if m := priceRe.FindStringSubmatch(line); m != nil {
		t.Price = strings.ReplaceAll(m[1], ",", "")
	}
	if m := periodRe.FindStringSubmatch(line); m != nil {
		t.BillingPeriod = billingPeriod(strings.ToLower(m[1] + m[2]))
	}
	if m := unitRe.FindStringSubmatch(line); m != nil {
		t.UnitBasis = "per_" + strings.ToLower(m[1])
	}
	return t
}

func billingPeriod(s string) string {
	switch s {
	case "month", "mo", "monthly":
		return "monthly"
	case "year", "yr", "annum", "annually", "yearly":
		return "annual"
	case "week", "weekly":
		return "weekly"
	case "day", "daily":
		return "daily"
	}
	return ""
}

func addTier(tiers *[]model.ExtractedTier, seen map[string]bool, name string, t model.ExtractedTier) int {
	t.Name = name
	*tiers = append(*tiers, t)
	seen[strings.ToLower(name)] = true
	return len(*tiers) - 1
}

// snippet joins the raw lines of tiers, truncated for evidence storage.
func snippet(tiers []model.ExtractedTier) string {
	var b strings.Builder
	for _, t := range tiers {
		if b.Len() > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Raw)
		if b.Len() >= 500 {
			break
		}
	}
	s := b.String()
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
