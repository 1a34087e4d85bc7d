package scrape

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/normalize"
	"github.com/sells-group/pricewatch/pkg/anthropic"
)

const visionSystemPrompt = `You extract SaaS pricing from screenshots of pricing pages.
Reply with a single JSON object and nothing else:
{"tiers":[{"name":"","price":"","billing_period":"monthly|annual|","units":"","unit_basis":"","features":[]}]}
Use the number only for price ("49", "0"), "contact" when the page asks
users to contact sales, and leave fields empty when the page does not say.
Return {"tiers":[]} if the page shows no pricing.`

const visionUserPrompt = "List every plan tier shown on this pricing page."

// VisionAdapter screenshots the page and asks a vision model to read it.
type VisionAdapter struct {
	renderer  Renderer
	client    anthropic.Client
	calc      *cost.Calculator
	model     string
	maxTokens int64
}

// NewVisionAdapter creates the vision-method adapter. A nil client means no
// API key is configured.
func NewVisionAdapter(r Renderer, client anthropic.Client, calc *cost.Calculator, modelID string, maxTokens int64) *VisionAdapter {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &VisionAdapter{renderer: r, client: client, calc: calc, model: modelID, maxTokens: maxTokens}
}

func (a *VisionAdapter) Method() model.ScrapingMethod { return model.MethodVision }

// Execute renders a screenshot and extracts tiers from the model reply.
func (a *VisionAdapter) Execute(ctx context.Context, vendor model.VendorScrapeConfig) (*model.ScrapeResult, error) {
	started := time.Now().UTC()
	if a.client == nil {
		return failure(vendor, model.MethodVision, started, model.ErrCodeMissingCredentials, "anthropic api key not configured", false, ""), nil
	}
	if vendor.PricingURL == "" {
		return failure(vendor, model.MethodVision, started, model.ErrCodeInvalidTarget, "vendor has no pricing url", false, ""), nil
	}

	page, err := a.renderer.Render(ctx, vendor.PricingURL, RenderOptions{Screenshot: true})
	if err != nil {
		return nil, eris.Wrap(err, "vision: render")
	}
	if page.StatusCode == 404 || page.StatusCode == 410 {
		return failure(vendor, model.MethodVision, started, model.ErrCodeInvalidTarget, "pricing page not found", false, ""), nil
	}
	if len(page.Screenshot) == 0 {
		return failure(vendor, model.MethodVision, started, model.ErrCodeAdapter, "empty screenshot", true, ""), nil
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    visionSystemPrompt,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: visionUserPrompt,
			Images:  []anthropic.Image{{MediaType: "image/png", Data: page.Screenshot}},
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "vision: extract")
	}

	spent := a.calc.Vision(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	zap.L().Debug("vision: model usage",
		zap.String("vendor_id", vendor.VendorID),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", spent),
	)

	tiers, err := parseVisionTiers(resp.Text())
	if err != nil {
		r := failure(vendor, model.MethodVision, started, model.ErrCodeAdapter, err.Error(), true, "")
		r.ActualCost = spent
		return r, nil
	}

	ev := &model.Evidence{
		Method:           model.MethodVision,
		ExtractionMethod: normalize.ExtractVision,
		SourceURL:        vendor.PricingURL,
		Snippet:          snippet(tiers),
	}
	return success(vendor, model.MethodVision, started, tiers, ev, spent, ""), nil
}

type visionReply struct {
	Tiers []struct {
		Name          string   `json:"name"`
		Price         string   `json:"price"`
		BillingPeriod string   `json:"billing_period"`
		Units         string   `json:"units"`
		UnitBasis     string   `json:"unit_basis"`
		Features      []string `json:"features"`
	} `json:"tiers"`
}

// parseVisionTiers decodes the first JSON object in text.
func parseVisionTiers(text string) ([]model.ExtractedTier, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, eris.New("vision: reply has no json object")
	}

	var reply visionReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, eris.Wrap(err, "vision: decode reply")
	}

	var tiers []model.ExtractedTier
	for _, t := range reply.Tiers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		tiers = append(tiers, model.ExtractedTier{
			Name:          name,
			Price:         strings.TrimPrefix(strings.TrimSpace(t.Price), "$"),
			BillingPeriod: t.BillingPeriod,
			Units:         t.Units,
			UnitBasis:     t.UnitBasis,
			Features:      t.Features,
			Raw:           name + " " + t.Price,
		})
	}
	return tiers, nil
}
