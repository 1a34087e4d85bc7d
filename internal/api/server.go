// Package api exposes job submission, budget state and normalization over
// HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

// Jobs is the queue surface used by the API.
type Jobs interface {
	Enqueue(ctx context.Context, nj model.NewJob) (*model.Job, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Stats(ctx context.Context) (model.QueueStats, error)
}

// Budget is the ledger surface used by the API.
type Budget interface {
	Stats(ctx context.Context, p model.Period) (*model.PeriodLedger, error)
	AllStats(ctx context.Context) ([]model.PeriodLedger, error)
	EmergencyShutdown(ctx context.Context, reason string) error
}

// Vendors reads and writes vendor configs.
type Vendors interface {
	UpsertVendor(ctx context.Context, cfg model.VendorScrapeConfig) error
	GetVendor(ctx context.Context, vendorID string) (*model.Vendor, error)
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. Gatherer may be nil, in which
// case /metrics serves the default registry.
type Deps struct {
	Jobs        Jobs
	Budget      Budget
	Vendors     Vendors
	Pinger      Pinger
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/stats", s.handleQueueStats)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Get("/budget", s.handleBudget)
		r.Get("/budget/{period}", s.handleBudgetPeriod)
		r.Post("/budget/shutdown", s.handleShutdown)

		r.Post("/normalize", s.handleNormalize)

		r.Get("/vendors/{id}", s.handleGetVendor)
		r.Put("/vendors/{id}", s.handlePutVendor)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
