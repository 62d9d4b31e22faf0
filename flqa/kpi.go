package flqa

// Read-time KPI reconciliation: merges the latest FLA snapshot (the agent
// universe) with the latest FLQA snapshot into the display-grade headline
// counts. This is the single canonical policy; the raw per-row counts are
// returned alongside so the headline figures can be reconciled against the
// underlying data.
//
// Per agent in the FLA universe:
//
//	hasActivity  = gci > 0 || tx > 0            (zero-defaulted numerics)
//	notExpired   = days_to_expire == nil || >= 0 (from the FLQA row)
//	countsAsFlqa = inFlqaFile && hasActivity && notExpired
//	countsAsFla  = !countsAsFlqa
//	atRisk       = countsAsFlqa && 0 <= days_to_expire <= 30
//	almost       = countsAsFla && (tx == 1 || (GCI_MIN - gci) <= 1500)

// AlmostGCIGap is the headline "almost" margin: an FLA agent within this
// much GCI of the threshold counts as almost-qualified.
const AlmostGCIGap = 1500.0

// UnifiedAgentRow is one FLA-universe agent with the reconciled flags.
type UnifiedAgentRow struct {
	AgentKey     string   `json:"agent_key"`
	GCI6M        *float64 `json:"gci_6m"`
	TX6M         *int     `json:"tx_6m"`
	EligibleNow  bool     `json:"eligible_now"`
	Status       Status   `json:"status"`
	MissingGCI   float64  `json:"missing_gci"`
	MissingTX    int      `json:"missing_tx"`
	InFLQAFile   bool     `json:"in_flqa_file"`
	DaysToExpire *int     `json:"days_to_expire"`
	HasActivity  bool     `json:"has_activity"`
	NotExpired   bool     `json:"not_expired"`
	CountsAsFLQA bool     `json:"counts_as_flqa"`
	CountsAsFLA  bool     `json:"counts_as_fla"`
	AtRisk       bool     `json:"at_risk"`
	Almost       bool     `json:"almost"`
}

// HeadlineKPIs are the four authoritative dashboard counts.
type HeadlineKPIs struct {
	FLATotal   int `json:"fla_total"`
	FLQATotal  int `json:"flqa_total"`
	FLQAAtRisk int `json:"flqa_at_risk"`
	AlmostFLQA int `json:"almost_flqa"`
}

// RawKPIs are the debug counts used to reconcile the headline figures
// against the stored rows.
type RawKPIs struct {
	TotalRows          int `json:"total_rows"`
	RawEligible        int `json:"raw_eligible"`
	RawFLAOnlyStatus   int `json:"raw_fla_only_status"`
	RawEligibleStatus  int `json:"raw_eligible_status"`
	RawActiveStatus    int `json:"raw_active_status"`
	RawAtRiskStatus    int `json:"raw_at_risk_status"`
	RawAlmostStatus    int `json:"raw_almost_status"`
	ExcludedNoActivity int `json:"excluded_no_activity"`
	ExcludedExpired    int `json:"excluded_expired"`
}

// ReconcileKPIs applies the canonical policy over the FLA universe.
// flqaRows may be empty (no FLQA snapshot yet); FLQA membership and expiry
// then simply never apply.
func ReconcileKPIs(flaRows, flqaRows []SnapshotAgentRow) ([]UnifiedAgentRow, HeadlineKPIs, RawKPIs) {
	flqaByKey := make(map[string]SnapshotAgentRow, len(flqaRows))
	for _, r := range flqaRows {
		flqaByKey[r.AgentKey] = r
	}

	unified := make([]UnifiedAgentRow, 0, len(flaRows))
	var kpis HeadlineKPIs
	raw := RawKPIs{TotalRows: len(flaRows)}

	for _, r := range flaRows {
		gci := floatVal(r.GCI6M)
		tx := intVal(r.TX6M)
		hasActivity := gci > 0 || tx > 0

		var dte *int
		inFLQA := false
		if fr, ok := flqaByKey[r.AgentKey]; ok {
			inFLQA = true
			dte = fr.DaysToExpire
		}
		notExpired := dte == nil || *dte >= 0

		countsAsFLQA := inFLQA && hasActivity && notExpired
		countsAsFLA := !countsAsFLQA
		atRisk := countsAsFLQA && dte != nil && *dte >= 0 && *dte <= RiskDays
		almost := countsAsFLA && (tx == 1 || GCIMin-gci <= AlmostGCIGap)

		unified = append(unified, UnifiedAgentRow{
			AgentKey:     r.AgentKey,
			GCI6M:        r.GCI6M,
			TX6M:         r.TX6M,
			EligibleNow:  r.EligibleNow,
			Status:       r.Status,
			MissingGCI:   r.MissingGCI,
			MissingTX:    r.MissingTX,
			InFLQAFile:   inFLQA,
			DaysToExpire: dte,
			HasActivity:  hasActivity,
			NotExpired:   notExpired,
			CountsAsFLQA: countsAsFLQA,
			CountsAsFLA:  countsAsFLA,
			AtRisk:       atRisk,
			Almost:       almost,
		})

		if countsAsFLA {
			kpis.FLATotal++
		}
		if countsAsFLQA {
			kpis.FLQATotal++
		}
		if atRisk {
			kpis.FLQAAtRisk++
		}
		if almost {
			kpis.AlmostFLQA++
		}

		if r.EligibleNow {
			raw.RawEligible++
		}
		switch r.Status {
		case StatusFLAOnly:
			raw.RawFLAOnlyStatus++
		case StatusFLQAEligible:
			raw.RawEligibleStatus++
		case StatusFLQAActive:
			raw.RawActiveStatus++
		case StatusFLQAAtRisk:
			raw.RawAtRiskStatus++
		case StatusAlmostFLQA:
			raw.RawAlmostStatus++
		}
		if !hasActivity {
			raw.ExcludedNoActivity++
		}
		if inFLQA && hasActivity && !notExpired {
			raw.ExcludedExpired++
		}
	}

	return unified, kpis, raw
}

func floatVal(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func intVal(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
