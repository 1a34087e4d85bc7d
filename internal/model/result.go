package model

import "time"

// ScrapeStatus is the outcome of a single attempt or session.
type ScrapeStatus string

const (
	ScrapeSuccess ScrapeStatus = "success"
	ScrapeFailed  ScrapeStatus = "failed"
	ScrapePartial ScrapeStatus = "partial"
	ScrapePending ScrapeStatus = "pending"
	ScrapeSkipped ScrapeStatus = "skipped"
)

// Error codes carried in ScrapeError.Code.
const (
	ErrCodeTimeout            = "timeout"
	ErrCodeBlocked            = "blocked"
	ErrCodeNoPricing          = "no_pricing_found"
	ErrCodeMissingCredentials = "missing_credentials"
	ErrCodeCircuitOpen        = "circuit_open"
	ErrCodeAdapter            = "adapter_error"
	ErrCodeInvalidTarget      = "invalid_target"
	ErrCodeInsufficientBudget = "insufficient_budget"
	ErrCodeNoMethods          = "no_methods"
	ErrCodeSkipped            = "skipped"
)

// ScrapeError describes why an attempt did not produce pricing.
type ScrapeError struct {
	Message             string         `json:"message"`
	Code                string         `json:"code"`
	ShouldRetry         bool           `json:"should_retry"`
	SuggestedNextMethod ScrapingMethod `json:"suggested_next_method,omitempty"`
}

func (e *ScrapeError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ExtractedTier is one pricing tier as read off a vendor page, before
// normalization. Price and Units are kept as raw strings.
type ExtractedTier struct {
	Name          string   `json:"name"`
	Price         string   `json:"price,omitempty"`
	BillingPeriod string   `json:"billing_period,omitempty"`
	Units         string   `json:"units,omitempty"`
	UnitBasis     string   `json:"unit_basis,omitempty"`
	Features      []string `json:"features,omitempty"`
	Raw           string   `json:"raw,omitempty"`
}

// Evidence records where extracted pricing came from.
type Evidence struct {
	Method           ScrapingMethod `json:"method"`
	ExtractionMethod string         `json:"extraction_method"`
	SourceURL        string         `json:"source_url,omitempty"`
	Snippet          string         `json:"snippet,omitempty"`
}

// ScrapeResult is the outcome of an attempt, or the terminal outcome of a session.
type ScrapeResult struct {
	VendorID    string          `json:"vendor_id"`
	MethodUsed  ScrapingMethod  `json:"method_used,omitempty"`
	Status      ScrapeStatus    `json:"status"`
	ActualCost  float64         `json:"actual_cost"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
	Tiers       []ExtractedTier `json:"tiers,omitempty"`
	Evidence    *Evidence       `json:"evidence,omitempty"`
	Error       *ScrapeError    `json:"error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// Succeeded reports whether the result carries usable pricing.
func (r *ScrapeResult) Succeeded() bool {
	return r != nil && (r.Status == ScrapeSuccess || r.Status == ScrapePartial) && len(r.Tiers) > 0
}

// Failure builds a failed result for vendorID.
func Failure(vendorID string, method ScrapingMethod, code, msg string, retry bool) *ScrapeResult {
	now := time.Now().UTC()
	return &ScrapeResult{
		VendorID:    vendorID,
		MethodUsed:  method,
		Status:      ScrapeFailed,
		StartedAt:   now,
		CompletedAt: now,
		Error:       &ScrapeError{Message: msg, Code: code, ShouldRetry: retry},
	}
}
