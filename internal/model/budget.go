package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Period identifies a budget tracking window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Periods lists every budget window in a stable order.
func Periods() []Period {
	return []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}
}

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", eris.Errorf("model: unknown budget period %q", s)
}

// PeriodLedger is the persisted state of one budget window.
type PeriodLedger struct {
	Period    Period    `json:"period"`
	Limit     float64   `json:"limit"`
	Spent     float64   `json:"spent"`
	LastReset time.Time `json:"last_reset"`
}

// Remaining returns the headroom left in the period, never negative.
func (p PeriodLedger) Remaining() float64 {
	if r := p.Limit - p.Spent; r > 0 {
		return r
	}
	return 0
}

// Utilization returns spent/limit in [0,1]. A zero limit counts as fully used.
func (p PeriodLedger) Utilization() float64 {
	if p.Limit <= 0 {
		return 1
	}
	u := p.Spent / p.Limit
	if u > 1 {
		return 1
	}
	if u < 0 {
		return 0
	}
	return u
}

// BudgetAllocation is the audit record of one allocation request.
type BudgetAllocation struct {
	ID        string         `json:"id"`
	Method    ScrapingMethod `json:"method"`
	VendorID  string         `json:"vendor_id"`
	Cost      float64        `json:"cost"`
	Approved  bool           `json:"approved"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Remaining maps each period to its headroom after an operation.
type Remaining map[Period]float64

// Min returns the smallest headroom across all periods.
func (r Remaining) Min() float64 {
	first := true
	var lo float64
	for _, v := range r {
		if first || v < lo {
			lo = v
			first = false
		}
	}
	return lo
}
