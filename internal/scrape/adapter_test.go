package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/pkg/anthropic"
	"github.com/sells-group/pricewatch/pkg/firecrawl"
)

type fakeRenderer struct {
	page *Page
	err  error
	opts RenderOptions
}

func (f *fakeRenderer) Render(_ context.Context, url string, opts RenderOptions) (*Page, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	p := *f.page
	p.URL = url
	return &p, nil
}

type fakeAnthropic struct {
	resp *anthropic.MessageResponse
	err  error
	req  anthropic.MessageRequest
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.req = req
	return f.resp, f.err
}

var acme = model.VendorScrapeConfig{VendorID: "acme", PricingURL: "https://acme.test/pricing"}

const pricingHTML = `<html><body><h2>Pro</h2><p>$40/month</p><h2>Enterprise</h2><p>Contact sales</p></body></html>`

func TestRegistry(t *testing.T) {
	r := NewRegistry(ManualAdapter{}, NewBrowserAdapter(&fakeRenderer{}, 0))
	a, ok := r.Get(model.MethodPlaywright)
	require.True(t, ok)
	assert.Equal(t, model.MethodPlaywright, a.Method())

	_, ok = r.Get(model.MethodVision)
	assert.False(t, ok)
	assert.Equal(t, []model.ScrapingMethod{model.MethodPlaywright, model.MethodManual}, r.Methods())
}

func TestManualAdapter(t *testing.T) {
	res, err := ManualAdapter{}.Execute(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeSkipped, res.Status)
	assert.False(t, res.Succeeded())
	assert.Equal(t, model.ErrCodeSkipped, res.Error.Code)
}

func TestBrowserAdapter(t *testing.T) {
	tests := []struct {
		name      string
		renderer  *fakeRenderer
		vendor    model.VendorScrapeConfig
		wantErr   bool
		wantTiers int
		wantCode  string
		wantRetry bool
		wantNext  model.ScrapingMethod
	}{
		{
			name:      "extracts tiers",
			renderer:  &fakeRenderer{page: &Page{StatusCode: 200, HTML: pricingHTML}},
			vendor:    acme,
			wantTiers: 2,
		},
		{
			name:      "blocked suggests firecrawl",
			renderer:  &fakeRenderer{page: &Page{StatusCode: 200, HTML: "<p>Checking your browser before accessing</p>"}},
			vendor:    acme,
			wantCode:  model.ErrCodeBlocked,
			wantRetry: true,
			wantNext:  model.MethodFirecrawl,
		},
		{
			name:     "not found is invalid target",
			renderer: &fakeRenderer{page: &Page{StatusCode: 404, HTML: "gone"}},
			vendor:   acme,
			wantCode: model.ErrCodeInvalidTarget,
		},
		{
			name:      "no pricing",
			renderer:  &fakeRenderer{page: &Page{StatusCode: 200, HTML: "<h1>About</h1><p>We build things</p>"}},
			vendor:    acme,
			wantCode:  model.ErrCodeNoPricing,
			wantRetry: true,
			wantNext:  model.MethodFirecrawl,
		},
		{
			name:     "missing url",
			renderer: &fakeRenderer{},
			vendor:   model.VendorScrapeConfig{VendorID: "acme"},
			wantCode: model.ErrCodeInvalidTarget,
		},
		{
			name:     "render error",
			renderer: &fakeRenderer{err: errors.New("chrome crashed")},
			vendor:   acme,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewBrowserAdapter(tt.renderer, 0).Execute(context.Background(), tt.vendor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "acme", res.VendorID)
			assert.Equal(t, model.MethodPlaywright, res.MethodUsed)
			if tt.wantCode == "" {
				assert.True(t, res.Succeeded())
				assert.Len(t, res.Tiers, tt.wantTiers)
				require.NotNil(t, res.Evidence)
				assert.Equal(t, acme.PricingURL, res.Evidence.SourceURL)
				return
			}
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantCode, res.Error.Code)
			assert.Equal(t, tt.wantRetry, res.Error.ShouldRetry)
			assert.Equal(t, tt.wantNext, res.Error.SuggestedNextMethod)
		})
	}
}

func firecrawlServer(t *testing.T, status int, body any, calls *atomic.Int32) firecrawl.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return firecrawl.NewClient("fc-key", firecrawl.WithBaseURL(srv.URL))
}

func TestFirecrawlAdapter_Success(t *testing.T) {
	var calls atomic.Int32
	client := firecrawlServer(t, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"markdown": "## Pro\n$40/month\n",
			"metadata": map[string]any{"statusCode": 200, "creditsUsed": 1},
		},
	}, &calls)
	calc := cost.NewCalculator(cost.DefaultRates())

	res, err := NewFirecrawlAdapter(client, calc, 0).Execute(context.Background(), acme)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.InDelta(t, calc.Firecrawl(1), res.ActualCost, 1e-9)
	assert.Equal(t, "text", res.Evidence.ExtractionMethod)
}

func TestFirecrawlAdapter_Failures(t *testing.T) {
	calc := cost.NewCalculator(cost.DefaultRates())

	t.Run("no client", func(t *testing.T) {
		res, err := NewFirecrawlAdapter(nil, calc, 0).Execute(context.Background(), acme)
		require.NoError(t, err)
		assert.Equal(t, model.ErrCodeMissingCredentials, res.Error.Code)
		assert.False(t, res.Error.ShouldRetry)
	})

	t.Run("unauthorized", func(t *testing.T) {
		var calls atomic.Int32
		client := firecrawlServer(t, http.StatusUnauthorized, map[string]any{"error": "bad key"}, &calls)
		res, err := NewFirecrawlAdapter(client, calc, 2).Execute(context.Background(), acme)
		require.NoError(t, err)
		assert.Equal(t, model.ErrCodeMissingCredentials, res.Error.Code)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("server error retried then returned", func(t *testing.T) {
		var calls atomic.Int32
		client := firecrawlServer(t, http.StatusBadGateway, map[string]any{"error": "upstream"}, &calls)
		_, err := NewFirecrawlAdapter(client, calc, 1).Execute(context.Background(), acme)
		require.Error(t, err)
		assert.True(t, resilience.IsTransient(err))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("blocked suggests vision", func(t *testing.T) {
		var calls atomic.Int32
		client := firecrawlServer(t, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"markdown": "Please solve the captcha",
				"metadata": map[string]any{"statusCode": 200},
			},
		}, &calls)
		res, err := NewFirecrawlAdapter(client, calc, 0).Execute(context.Background(), acme)
		require.NoError(t, err)
		assert.Equal(t, model.ErrCodeBlocked, res.Error.Code)
		assert.Equal(t, model.MethodVision, res.Error.SuggestedNextMethod)
		assert.Greater(t, res.ActualCost, 0.0)
	})
}

func TestVisionAdapter(t *testing.T) {
	calc := cost.NewCalculator(cost.DefaultRates())
	renderer := &fakeRenderer{page: &Page{StatusCode: 200, Screenshot: []byte("png")}}
	client := &fakeAnthropic{resp: &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "Here you go:\n" +
			`{"tiers":[{"name":"Pro","price":"$40","billing_period":"monthly"},{"name":"","price":"1"}]}`}},
		Usage: anthropic.TokenUsage{InputTokens: 2000, OutputTokens: 200},
	}}

	res, err := NewVisionAdapter(renderer, client, calc, "claude-sonnet-4-5-20250929", 0).Execute(context.Background(), acme)
	require.NoError(t, err)
	assert.True(t, renderer.opts.Screenshot)
	require.True(t, res.Succeeded())
	require.Len(t, res.Tiers, 1)
	assert.Equal(t, "40", res.Tiers[0].Price)
	assert.InDelta(t, calc.Vision(2000, 200), res.ActualCost, 1e-9)
	assert.Equal(t, "vision", res.Evidence.ExtractionMethod)
	require.Len(t, client.req.Messages, 1)
	assert.Equal(t, "image/png", client.req.Messages[0].Images[0].MediaType)
	assert.EqualValues(t, 1024, client.req.MaxTokens)
}

func TestVisionAdapter_BadReply(t *testing.T) {
	calc := cost.NewCalculator(cost.DefaultRates())
	renderer := &fakeRenderer{page: &Page{StatusCode: 200, Screenshot: []byte("png")}}
	client := &fakeAnthropic{resp: &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "I cannot read this page."}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 10},
	}}

	res, err := NewVisionAdapter(renderer, client, calc, "m", 256).Execute(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, model.ErrCodeAdapter, res.Error.Code)
	assert.Greater(t, res.ActualCost, 0.0)

	res, err = NewVisionAdapter(renderer, nil, calc, "m", 256).Execute(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, model.ErrCodeMissingCredentials, res.Error.Code)
}

type errAdapter struct{ calls int }

func (e *errAdapter) Method() model.ScrapingMethod { return model.MethodFirecrawl }

func (e *errAdapter) Execute(context.Context, model.VendorScrapeConfig) (*model.ScrapeResult, error) {
	e.calls++
	return nil, errors.New("backend down")
}

func TestWithBreakers(t *testing.T) {
	inner := &errAdapter{}
	breakers := resilience.NewMethodBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	r := WithBreakers(NewRegistry(inner), breakers)

	a, ok := r.Get(model.MethodFirecrawl)
	require.True(t, ok)
	assert.Equal(t, model.MethodFirecrawl, a.Method())

	for i := 0; i < 2; i++ {
		_, err := a.Execute(context.Background(), acme)
		assert.EqualError(t, err, "backend down")
	}
	_, err := a.Execute(context.Background(), acme)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, resilience.CircuitOpen, breakers.States()[model.MethodFirecrawl])
}
