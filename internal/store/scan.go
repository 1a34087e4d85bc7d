package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

const jobColumns = `id, vendor_id, method, status, priority, attempt_count, max_attempts, result, error, claimed_by, lease_expires_at, created_at, updated_at, started_at, completed_at`

const vendorColumns = `vendor_id, name, pricing_url, preferred_methods, scrape_frequency, max_failures_before_escalation, method_costs, consecutive_failures, last_successful_method, is_quarantined, quarantine_until, last_attempt_at, created_at, updated_at`

const ledgerColumns = `period, limit_usd, spent, last_reset`

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var result []byte
	err := row.Scan(
		&j.ID, &j.VendorID, &j.Method, &j.Status, &j.Priority, &j.AttemptCount, &j.MaxAttempts,
		&result, &j.Error, &j.ClaimedBy, &j.LeaseExpiresAt,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func scanVendor(row scannable) (*model.Vendor, error) {
	var v model.Vendor
	var preferred, costs []byte
	err := row.Scan(
		&v.Config.VendorID, &v.Config.Name, &v.Config.PricingURL, &preferred,
		&v.Config.ScrapeFrequency, &v.Config.MaxFailuresBeforeEscalation, &costs,
		&v.Health.ConsecutiveFailures, &v.Health.LastSuccessfulMethod, &v.Health.IsQuarantined,
		&v.Health.QuarantineUntil, &v.Health.LastAttemptAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Health.VendorID = v.Config.VendorID
	v.Config.ConsecutiveFailures = v.Health.ConsecutiveFailures
	if len(preferred) > 0 {
		if err := json.Unmarshal(preferred, &v.Config.PreferredMethods); err != nil {
			return nil, eris.Wrapf(err, "unmarshal preferred methods for %s", v.Config.VendorID)
		}
	}
	if len(costs) > 0 {
		if err := json.Unmarshal(costs, &v.Config.MethodCosts); err != nil {
			return nil, eris.Wrapf(err, "unmarshal method costs for %s", v.Config.VendorID)
		}
	}
	return &v, nil
}

func scanLedger(row scannable) (*model.PeriodLedger, error) {
	var l model.PeriodLedger
	if err := row.Scan(&l.Period, &l.Limit, &l.Spent, &l.LastReset); err != nil {
		return nil, err
	}
	l.LastReset = l.LastReset.UTC()
	return &l, nil
}

// vendorJSON encodes the JSON columns of a vendor row.
func vendorJSON(cfg model.VendorScrapeConfig) (preferred, costs []byte, err error) {
	methods := cfg.PreferredMethods
	if methods == nil {
		methods = []model.ScrapingMethod{}
	}
	if preferred, err = json.Marshal(methods); err != nil {
		return nil, nil, eris.Wrap(err, "marshal preferred methods")
	}
	mc := cfg.MethodCosts
	if mc == nil {
		mc = map[model.ScrapingMethod]float64{}
	}
	if costs, err = json.Marshal(mc); err != nil {
		return nil, nil, eris.Wrap(err, "marshal method costs")
	}
	return preferred, costs, nil
}

// resultPayload is the JSON body stored alongside each recorded attempt.
type resultPayload struct {
	Tiers    []model.ExtractedTier `json:"tiers,omitempty"`
	Evidence *model.Evidence       `json:"evidence,omitempty"`
	Error    *model.ScrapeError    `json:"error,omitempty"`
}

func resultJSON(r *model.ScrapeResult) ([]byte, string, string, error) {
	payload, err := json.Marshal(resultPayload{Tiers: r.Tiers, Evidence: r.Evidence, Error: r.Error})
	if err != nil {
		return nil, "", "", eris.Wrap(err, "marshal scrape result")
	}
	var code, msg string
	if r.Error != nil {
		code, msg = r.Error.Code, r.Error.Message
	}
	return payload, code, msg, nil
}

// completedAt returns the completion timestamp for terminal statuses.
func completedAt(status model.JobStatus, now time.Time) *time.Time {
	if status.Terminal() {
		return &now
	}
	return nil
}

// epsilon absorbs float accumulation when spent+cost is compared against a
// period limit.
const epsilon = 1e-9
