package report

import (
	"context"
	"fmt"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
)

// DefaultKAVTolerancePct is the slack allowed before a KAV above 100% is
// flagged as an attribution inconsistency. Small overshoots are expected
// when the relative timeframe approximation and the exact aggregate range
// disagree at the edges.
const DefaultKAVTolerancePct = 0.5

// Reconciler computes total account revenue over an exact window via the
// metric-aggregates endpoint and reconciles it against the single-touch
// attributed revenue from values reports.
type Reconciler struct {
	client       *klaviyo.Client
	timezone     string
	tolerancePct float64
}

// NewReconciler builds a Reconciler. tolerancePct <= 0 falls back to
// DefaultKAVTolerancePct.
func NewReconciler(client *klaviyo.Client, timezone string, tolerancePct float64) *Reconciler {
	if tolerancePct <= 0 {
		tolerancePct = DefaultKAVTolerancePct
	}
	if timezone == "" {
		timezone = "UTC"
	}
	return &Reconciler{client: client, timezone: timezone, tolerancePct: tolerancePct}
}

// TotalRevenue sums the conversion metric's value over the exact window,
// day by day, using the multi-touch metric-aggregates endpoint. This figure
// is the KAV denominator and is never mixed into attributed revenue.
func (r *Reconciler) TotalRevenue(ctx context.Context, metric *klaviyo.ConversionMetric, window TimeWindow) (float64, error) {
	if metric == nil {
		return 0, fmt.Errorf("total revenue: conversion metric is required")
	}

	resp, err := r.client.QueryMetricAggregates(ctx, klaviyo.AggregateRequestAttributes{
		MetricID:     metric.MetricID,
		Measurements: []string{"sum_value"},
		Interval:     "day",
		Filter: klaviyo.BuildDateRangeFilter(
			window.Start.Format("2006-01-02T15:04:05"),
			window.End.Format("2006-01-02T15:04:05"),
		),
		Timezone: r.timezone,
	})
	if err != nil {
		return 0, fmt.Errorf("total revenue for %s: %w", window, err)
	}

	var total float64
	for _, series := range resp.Data.Attributes.Data {
		for _, v := range series.Measurements["sum_value"] {
			total += v
		}
	}
	return total, nil
}

// Reconcile combines the single-touch campaign and flow statistics with the
// multi-touch account total into a RevenueSummary plus diagnostics. Either
// statistics set may be nil when its fetch failed entirely; the summary then
// degrades with a diagnostic rather than reporting a silent zero.
func (r *Reconciler) Reconcile(campaigns, flows *StatisticsSet, totalRevenue float64, totalOK bool) (RevenueSummary, []string, error) {
	var diagnostics []string

	if campaigns != nil && campaigns.Model != SingleTouch {
		return RevenueSummary{}, nil, fmt.Errorf("reconcile: campaign statistics are %s, expected %s", campaigns.Model, SingleTouch)
	}
	if flows != nil && flows.Model != SingleTouch {
		return RevenueSummary{}, nil, fmt.Errorf("reconcile: flow statistics are %s, expected %s", flows.Model, SingleTouch)
	}

	summary := RevenueSummary{TotalRevenue: totalRevenue}

	if campaigns == nil {
		diagnostics = append(diagnostics, "campaign statistics unavailable; campaign revenue excluded from attribution")
	} else {
		summary.CampaignRevenue = campaigns.Total("conversion_value")
		diagnostics = append(diagnostics, partialDiagnostics(campaigns)...)
	}
	if flows == nil {
		diagnostics = append(diagnostics, "flow statistics unavailable; flow revenue excluded from attribution")
	} else {
		summary.FlowRevenue = flows.Total("conversion_value")
		diagnostics = append(diagnostics, partialDiagnostics(flows)...)
	}
	summary.AttributedRevenue = summary.CampaignRevenue + summary.FlowRevenue

	switch {
	case !totalOK:
		summary.InsufficientData = true
		diagnostics = append(diagnostics, "total revenue unavailable; KAV cannot be computed")
	case totalRevenue == 0:
		summary.InsufficientData = true
		diagnostics = append(diagnostics, "total revenue is zero for the window; KAV reported as 0 (insufficient data)")
	default:
		summary.KAVPercentage = summary.AttributedRevenue / totalRevenue * 100
		if summary.KAVPercentage > 100+r.tolerancePct {
			// Report the real figure; clamping would hide the inconsistency.
			diagnostics = append(diagnostics, fmt.Sprintf(
				"AttributionInconsistency: attributed revenue %.2f exceeds total revenue %.2f (KAV %.1f%%)",
				summary.AttributedRevenue, totalRevenue, summary.KAVPercentage))
			logger.Warn("attributed revenue exceeds total",
				"attributed", summary.AttributedRevenue,
				"total", totalRevenue,
				"kav_pct", summary.KAVPercentage)
		}
	}

	return summary, diagnostics, nil
}

func partialDiagnostics(set *StatisticsSet) []string {
	if !set.Partial {
		return nil
	}
	var out []string
	for _, failure := range set.FailedBatches {
		out = append(out, fmt.Sprintf("%s statistics batch %d failed (%d entities: %s..%s): %s",
			set.Kind, failure.Index, len(failure.EntityIDs),
			failure.EntityIDs[0], failure.EntityIDs[len(failure.EntityIDs)-1],
			failure.Reason))
	}
	return out
}
