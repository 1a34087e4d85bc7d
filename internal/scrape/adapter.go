// Package scrape implements the per-method extraction backends that turn a
// vendor pricing page into raw tiers.
package scrape

import (
	"context"
	"sort"
	"time"

	"github.com/sells-group/pricewatch/internal/model"
)

// Adapter runs one scrape attempt with a single method. Expected failures
// (blocked, no pricing, missing credentials) are returned as a failed
// result; a Go error means the backend itself misbehaved.
type Adapter interface {
	Method() model.ScrapingMethod
	Execute(ctx context.Context, vendor model.VendorScrapeConfig) (*model.ScrapeResult, error)
}

// Registry maps methods to adapters.
type Registry struct {
	adapters map[model.ScrapingMethod]Adapter
}

// NewRegistry creates a Registry holding the given adapters. A later
// adapter for the same method replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ScrapingMethod]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Method().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Method()] = a
}

// Get returns the adapter for m.
func (r *Registry) Get(m model.ScrapingMethod) (Adapter, bool) {
	a, ok := r.adapters[m]
	return a, ok
}

// Methods lists registered methods in escalation order.
func (r *Registry) Methods() []model.ScrapingMethod {
	out := make([]model.ScrapingMethod, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// ManualAdapter stands in for human data entry, which happens outside the
// automated pipeline.
type ManualAdapter struct{}

func (ManualAdapter) Method() model.ScrapingMethod { return model.MethodManual }

func (ManualAdapter) Execute(_ context.Context, vendor model.VendorScrapeConfig) (*model.ScrapeResult, error) {
	now := time.Now().UTC()
	return &model.ScrapeResult{
		VendorID:    vendor.VendorID,
		MethodUsed:  model.MethodManual,
		Status:      model.ScrapeSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error: &model.ScrapeError{
			Message: "manual entry required",
			Code:    model.ErrCodeSkipped,
		},
	}, nil
}

// success builds a successful result, or a no_pricing_found failure when
// tiers is empty.
func success(vendor model.VendorScrapeConfig, m model.ScrapingMethod, started time.Time, tiers []model.ExtractedTier, ev *model.Evidence, cost float64, next model.ScrapingMethod) *model.ScrapeResult {
	now := time.Now().UTC()
	r := &model.ScrapeResult{
		VendorID:    vendor.VendorID,
		MethodUsed:  m,
		Status:      model.ScrapeSuccess,
		ActualCost:  cost,
		StartedAt:   started,
		CompletedAt: now,
		Duration:    now.Sub(started),
		Tiers:       tiers,
		Evidence:    ev,
	}
	if len(tiers) == 0 {
		r.Status = model.ScrapeFailed
		r.Tiers = nil
		r.Error = &model.ScrapeError{
			Message:             "no pricing found on page",
			Code:                model.ErrCodeNoPricing,
			ShouldRetry:         true,
			SuggestedNextMethod: next,
		}
	}
	return r
}

// failure builds a failed result with timing filled in.
func failure(vendor model.VendorScrapeConfig, m model.ScrapingMethod, started time.Time, code, msg string, retry bool, next model.ScrapingMethod) *model.ScrapeResult {
	r := model.Failure(vendor.VendorID, m, code, msg, retry)
	r.StartedAt = started
	r.Duration = r.CompletedAt.Sub(started)
	r.Error.SuggestedNextMethod = next
	return r
}
