package flqa

import (
	"math"
	"strings"
	"time"
)

// Waiver eligibility thresholds.
const (
	GCIMin = 5000.0
	TXMin  = 2
)

// Display/product thresholds, not part of the official rule.
const (
	AlmostGCIHint = 3500.0
	RiskDays      = 30
)

// Status is the closed classification enumeration.
type Status string

const (
	StatusFLAOnly      Status = "FLA_ONLY"
	StatusFLQAEligible Status = "FLQA_ELIGIBLE"
	StatusFLQAActive   Status = "FLQA_ACTIVE"
	StatusFLQAAtRisk   Status = "FLQA_AT_RISK"
	StatusAlmostFLQA   Status = "ALMOST_FLQA"
)

// Eligibility is the computed classification for one agent.
type Eligibility struct {
	EligibleNow bool
	Status      Status
	MissingGCI  float64
	MissingTX   int
	// DaysToExpire is nil when no parseable expiry date exists. Negative
	// means already expired.
	DaysToExpire *int
}

// ComputeEligibility is the pure decision table. Absent gci/tx count as 0
// for the eligibility test; the distinction between absent and explicit 0
// is preserved upstream for the KPI layer's activity checks. asOf makes
// the computation deterministic; callers inject it instead of reading the
// clock here.
func ComputeEligibility(gci6M *float64, tx6M *int, flqaExpires *string, asOf time.Time) Eligibility {
	gci := 0.0
	if gci6M != nil {
		gci = *gci6M
	}
	tx := 0
	if tx6M != nil {
		tx = *tx6M
	}

	eligible := gci >= GCIMin || tx >= TXMin

	var dte *int
	if flqaExpires != nil {
		dte = daysToExpire(*flqaExpires, asOf)
	}

	status := StatusFLAOnly
	if eligible {
		// Expiry acts as "active until": an eligible agent with a live
		// expiry date is ACTIVE, otherwise merely ELIGIBLE. At-risk only
		// upgrades ACTIVE, never ELIGIBLE, since it presupposes a live
		// non-nil expiry.
		stillActive := dte != nil && *dte >= 0
		if stillActive {
			status = StatusFLQAActive
			if *dte <= RiskDays {
				status = StatusFLQAAtRisk
			}
		} else {
			status = StatusFLQAEligible
		}
	} else if tx == 1 || gci >= AlmostGCIHint {
		status = StatusAlmostFLQA
	}

	return Eligibility{
		EligibleNow:  eligible,
		Status:       status,
		MissingGCI:   math.Max(0, GCIMin-gci),
		MissingTX:    maxInt(0, TXMin-tx),
		DaysToExpire: dte,
	}
}

// daysToExpire returns the ceiling of (expiry - asOf) in whole days, or
// nil when the date does not parse.
func daysToExpire(expires string, asOf time.Time) *int {
	d, ok := parseExpiryDate(expires)
	if !ok {
		return nil
	}
	days := int(math.Ceil(d.Sub(asOf).Hours() / 24))
	return &days
}

// parseExpiryDate accepts exactly ISO 2006-01-02 dates, or RFC3339
// timestamps. Ambiguous formats (MM/DD vs DD/MM) are rejected rather than
// silently misparsed.
func parseExpiryDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
