package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/budget"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/normalize"
	"github.com/sells-group/pricewatch/internal/queue"
)

const maxBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pinger != nil {
		if err := s.deps.Pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "store unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req model.NewJob
	if !decode(w, r, &req) {
		return
	}
	job, err := s.deps.Jobs.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type periodView struct {
	model.PeriodLedger
	Remaining   float64 `json:"remaining"`
	Utilization float64 `json:"utilization"`
}

func viewOf(l model.PeriodLedger) periodView {
	return periodView{PeriodLedger: l, Remaining: l.Remaining(), Utilization: l.Utilization()}
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	ledgers, err := s.deps.Budget.AllStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]periodView, 0, len(ledgers))
	for _, l := range ledgers {
		out = append(out, viewOf(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": out})
}

func (s *Server) handleBudgetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := model.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	l, err := s.deps.Budget.Stats(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*l))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reason is required"})
		return
	}
	if err := s.deps.Budget.EmergencyShutdown(r.Context(), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutdown"})
}

type normalizeRequest struct {
	Pricing          normalize.RawPricing `json:"pricing"`
	Method           model.ScrapingMethod `json:"method,omitempty"`
	ExtractionMethod string               `json:"extraction_method,omitempty"`
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	var req normalizeRequest
	if !decode(w, r, &req) {
		return
	}
	var ev *model.Evidence
	if req.Method != "" || req.ExtractionMethod != "" {
		ev = &model.Evidence{Method: req.Method, ExtractionMethod: req.ExtractionMethod}
	}
	writeJSON(w, http.StatusOK, normalize.Normalize(req.Pricing, ev))
}

func (s *Server) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Vendors.GetVendor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if v == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "vendor not found"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePutVendor(w http.ResponseWriter, r *http.Request) {
	var cfg model.VendorScrapeConfig
	if !decode(w, r, &cfg) {
		return
	}
	id := chi.URLParam(r, "id")
	if cfg.VendorID != "" && cfg.VendorID != id {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "vendor_id does not match path"})
		return
	}
	cfg.VendorID = id
	if cfg.ScrapeFrequency == "" {
		cfg.ScrapeFrequency = model.FrequencyWeekly
	}
	if err := cfg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.deps.Vendors.UpsertVendor(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps store outages to 503 and everything else the domain
// rejects to 400. Unknown errors are 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, budget.ErrBudgetUnavailable), errors.Is(err, queue.ErrQueueUnavailable):
		zap.L().Error("api: backend unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
	case errors.Is(err, queue.ErrInvalidJob):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
