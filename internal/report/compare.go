package report

// growthPct returns the percentage growth from previous to current, or nil
// when the previous value is zero. A zero baseline makes growth undefined;
// callers must render "n/a" for nil rather than 0 or infinity.
func growthPct(current, previous float64) *float64 {
	if previous == 0 {
		return nil
	}
	pct := (current - previous) / previous * 100
	return &pct
}

// compareSummaries derives period-over-period growth from two reconciled
// summaries.
func compareSummaries(current, previous RevenueSummary, previousWindow TimeWindow) *PeriodComparison {
	return &PeriodComparison{
		Current:        current,
		Previous:       previous,
		PreviousWindow: previousWindow,
		Growth: GrowthRates{
			TotalRevenuePct:      growthPct(current.TotalRevenue, previous.TotalRevenue),
			AttributedRevenuePct: growthPct(current.AttributedRevenue, previous.AttributedRevenue),
			CampaignRevenuePct:   growthPct(current.CampaignRevenue, previous.CampaignRevenue),
			FlowRevenuePct:       growthPct(current.FlowRevenue, previous.FlowRevenue),
		},
	}
}
