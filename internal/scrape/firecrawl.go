package scrape

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/normalize"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/pkg/firecrawl"
)

// FirecrawlAdapter scrapes through the hosted Firecrawl API.
type FirecrawlAdapter struct {
	client firecrawl.Client
	calc   *cost.Calculator
	retry  resilience.RetryConfig
}

// NewFirecrawlAdapter creates the firecrawl-method adapter. A nil client
// means no API key is configured; every attempt then fails with
// missing_credentials.
func NewFirecrawlAdapter(client firecrawl.Client, calc *cost.Calculator, retries int) *FirecrawlAdapter {
	rc := resilience.DefaultRetryConfig().WithAttempts(retries + 1)
	rc.OnRetry = resilience.RetryLogger("firecrawl", "scrape")
	return &FirecrawlAdapter{client: client, calc: calc, retry: rc}
}

func (a *FirecrawlAdapter) Method() model.ScrapingMethod { return model.MethodFirecrawl }

// Execute scrapes the pricing page as markdown.
func (a *FirecrawlAdapter) Execute(ctx context.Context, vendor model.VendorScrapeConfig) (*model.ScrapeResult, error) {
	started := time.Now().UTC()
	if a.client == nil {
		return failure(vendor, model.MethodFirecrawl, started, model.ErrCodeMissingCredentials, "firecrawl api key not configured", false, ""), nil
	}
	if vendor.PricingURL == "" {
		return failure(vendor, model.MethodFirecrawl, started, model.ErrCodeInvalidTarget, "vendor has no pricing url", false, ""), nil
	}

	resp, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*firecrawl.ScrapeResponse, error) {
		r, err := a.client.Scrape(ctx, firecrawl.ScrapeRequest{
			URL:             vendor.PricingURL,
			Formats:         []string{"markdown"},
			OnlyMainContent: true,
			WaitFor:         1000,
		})
		return r, classifyAPIError(err)
	})
	if err != nil {
		var apiErr *firecrawl.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case 401, 402, 403:
				return failure(vendor, model.MethodFirecrawl, started, model.ErrCodeMissingCredentials, apiErr.Error(), false, ""), nil
			case 400, 404:
				return failure(vendor, model.MethodFirecrawl, started, model.ErrCodeInvalidTarget, apiErr.Error(), false, ""), nil
			}
		}
		return nil, err
	}

	credits := resp.Data.Metadata.CreditsUsed
	if credits <= 0 {
		credits = 1
	}
	spent := a.calc.Firecrawl(credits)

	if !resp.Success {
		r := failure(vendor, model.MethodFirecrawl, started, model.ErrCodeAdapter, "firecrawl: "+resp.Error, true, model.MethodVision)
		r.ActualCost = spent
		return r, nil
	}
	if r := pageFailure(vendor, model.MethodFirecrawl, started, resp.Data.Metadata.StatusCode, nil, resp.Data.Markdown, model.MethodVision); r != nil {
		r.ActualCost = spent
		return r, nil
	}

	tiers := ExtractTiers(resp.Data.Markdown)
	ev := &model.Evidence{
		Method:           model.MethodFirecrawl,
		ExtractionMethod: normalize.ExtractText,
		SourceURL:        vendor.PricingURL,
		Snippet:          snippet(tiers),
	}
	return success(vendor, model.MethodFirecrawl, started, tiers, ev, spent, model.MethodVision), nil
}

// classifyAPIError marks retryable HTTP statuses as transient.
func classifyAPIError(err error) error {
	var apiErr *firecrawl.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(eris.Wrap(err, "firecrawl"), apiErr.StatusCode)
	}
	return err
}
