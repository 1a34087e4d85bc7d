package scrape

import (
	"context"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// guarded runs an adapter behind its method's circuit breaker. Backend
// errors trip the breaker; failed results (blocked, no pricing) do not.
type guarded struct {
	Adapter
	cb *resilience.CircuitBreaker
}

// WithBreakers wraps every adapter in r with the breaker for its method
// and returns a new Registry.
func WithBreakers(r *Registry, breakers *resilience.MethodBreakers) *Registry {
	out := NewRegistry()
	for m, a := range r.adapters {
		out.Register(&guarded{Adapter: a, cb: breakers.For(m)})
	}
	return out
}

func (g *guarded) Execute(ctx context.Context, vendor model.VendorScrapeConfig) (*model.ScrapeResult, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) (*model.ScrapeResult, error) {
		return g.Adapter.Execute(ctx, vendor)
	})
}
