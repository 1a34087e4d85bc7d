package scrape

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/normalize"
)

// Page is a rendered pricing page.
type Page struct {
	URL        string
	StatusCode int
	HTML       string
	Screenshot []byte
}

// RenderOptions controls what Render captures.
type RenderOptions struct {
	Screenshot bool
}

// Renderer loads a URL in a real browser.
type Renderer interface {
	Render(ctx context.Context, url string, opts RenderOptions) (*Page, error)
}

// BrowserPool owns one headless Chrome and bounds how many tabs are open at
// once. Chrome is launched on first use. Each Render holds a slot for its
// whole duration and always gives it back.
type BrowserPool struct {
	cfg   config.BrowserConfig
	slots chan struct{}

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowserPool creates a pool. Nothing is launched until Render.
func NewBrowserPool(cfg config.BrowserConfig) *BrowserPool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	return &BrowserPool{cfg: cfg, slots: make(chan struct{}, cfg.PoolSize)}
}

// Render navigates a fresh stealth tab to url and returns its HTML.
func (p *BrowserPool) Render(ctx context.Context, url string, opts RenderOptions) (*Page, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "browser: wait for slot")
	}
	defer func() { <-p.slots }()

	b, err := p.connect()
	if err != nil {
		return nil, err
	}

	tab, err := stealth.Page(b)
	if err != nil {
		return nil, eris.Wrap(err, "browser: open tab")
	}
	defer func() {
		if cerr := tab.Close(); cerr != nil {
			zap.L().Debug("browser: close tab", zap.Error(cerr))
		}
	}()
	tab = tab.Context(ctx)

	if err := tab.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: 1280, Height: 1800, DeviceScaleFactor: 1}); err != nil {
		return nil, eris.Wrap(err, "browser: set viewport")
	}

	var resp proto.NetworkResponseReceived
	waitResp := tab.WaitEvent(&resp)

	if err := tab.Navigate(url); err != nil {
		return nil, eris.Wrapf(err, "browser: navigate %s", url)
	}
	waitResp()
	if err := tab.WaitLoad(); err != nil {
		zap.L().Debug("browser: wait load", zap.String("url", url), zap.Error(err))
	}

	if settle := time.Duration(p.cfg.SettleMilli) * time.Millisecond; settle > 0 {
		t := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	html, err := tab.HTML()
	if err != nil {
		return nil, eris.Wrap(err, "browser: read html")
	}
	page := &Page{URL: url, StatusCode: http.StatusOK, HTML: html}
	if resp.Response != nil {
		page.StatusCode = resp.Response.Status
	}

	if opts.Screenshot {
		shot, err := tab.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
		if err != nil {
			return nil, eris.Wrap(err, "browser: screenshot")
		}
		page.Screenshot = shot
	}
	return page, nil
}

// Close shuts Chrome down. Render fails after Close.
func (p *BrowserPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	if p.browser != nil {
		err = p.browser.Close()
		p.browser = nil
	}
	if p.lnch != nil {
		p.lnch.Cleanup()
		p.lnch = nil
	}
	return eris.Wrap(err, "browser: close")
}

func (p *BrowserPool) connect() (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, eris.New("browser: pool is closed")
	}
	if p.browser != nil {
		return p.browser, nil
	}

	l := launcher.New().
		Headless(p.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	if p.cfg.BinPath != "" {
		l = l.Bin(p.cfg.BinPath)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "browser: launch")
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, eris.Wrap(err, "browser: connect")
	}
	zap.L().Info("browser: launched chrome", zap.Bool("headless", p.cfg.Headless), zap.Int("pool_size", p.cfg.PoolSize))

	p.browser = b
	p.lnch = l
	return b, nil
}

// BrowserAdapter scrapes with a self-hosted headless browser.
type BrowserAdapter struct {
	renderer Renderer
	conv     *Converter
	cost     float64
}

// NewBrowserAdapter creates the playwright-method adapter. cost is the
// per-scrape cost reported on results, normally zero.
func NewBrowserAdapter(r Renderer, cost float64) *BrowserAdapter {
	return &BrowserAdapter{renderer: r, conv: NewConverter(), cost: cost}
}

func (a *BrowserAdapter) Method() model.ScrapingMethod { return model.MethodPlaywright }

// Execute renders the pricing page and extracts tiers from its text.
func (a *BrowserAdapter) Execute(ctx context.Context, vendor model.VendorScrapeConfig) (*model.ScrapeResult, error) {
	started := time.Now().UTC()
	if vendor.PricingURL == "" {
		return failure(vendor, model.MethodPlaywright, started, model.ErrCodeInvalidTarget, "vendor has no pricing url", false, ""), nil
	}

	page, err := a.renderer.Render(ctx, vendor.PricingURL, RenderOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "browser: render")
	}

	if r := pageFailure(vendor, model.MethodPlaywright, started, page.StatusCode, nil, page.HTML, model.MethodFirecrawl); r != nil {
		return r, nil
	}

	md, err := a.conv.Markdown(page.HTML, vendor.PricingURL)
	if err != nil {
		return nil, err
	}
	tiers := ExtractTiers(md)
	ev := &model.Evidence{
		Method:           model.MethodPlaywright,
		ExtractionMethod: normalize.ExtractText,
		SourceURL:        vendor.PricingURL,
		Snippet:          snippet(tiers),
	}
	return success(vendor, model.MethodPlaywright, started, tiers, ev, a.cost, model.MethodFirecrawl), nil
}

// pageFailure maps HTTP status and block markers onto a failed result, or
// returns nil when the page looks usable.
func pageFailure(vendor model.VendorScrapeConfig, m model.ScrapingMethod, started time.Time, status int, header http.Header, body string, next model.ScrapingMethod) *model.ScrapeResult {
	if status == http.StatusNotFound || status == http.StatusGone {
		return failure(vendor, m, started, model.ErrCodeInvalidTarget, http.StatusText(status), false, "")
	}
	if bt := DetectBlock(status, header, body); bt != BlockNone {
		return failure(vendor, m, started, model.ErrCodeBlocked, "blocked by "+string(bt), true, next)
	}
	if status >= 500 {
		return failure(vendor, m, started, model.ErrCodeAdapter, http.StatusText(status), true, "")
	}
	return nil
}
