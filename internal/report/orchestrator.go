package report

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
)

// Options tunes one report run.
type Options struct {
	Statistics []string // statistic names, DefaultStatistics() when empty
	BatchSize  int
	BatchDelay time.Duration
	Timezone   string
	// Compare enables the period-over-period comparison against the
	// contiguous preceding window of equal length.
	Compare bool
	// KAVTolerancePct widens the threshold before KAV above 100% is flagged.
	KAVTolerancePct float64
	// CampaignIDs / FlowIDs restrict the run to an explicit entity set.
	// When empty, entities are discovered from the account and campaigns
	// are pre-filtered to those sent inside the window.
	CampaignIDs []string
	FlowIDs     []string
}

// Orchestrator drives a full report run: conversion metric resolution,
// entity discovery, batched statistics fetching for campaigns and flows,
// revenue reconciliation, and optional period comparison.
type Orchestrator struct {
	client   *klaviyo.Client
	resolver *klaviyo.MetricResolver
}

func NewOrchestrator(client *klaviyo.Client, resolver *klaviyo.MetricResolver) *Orchestrator {
	return &Orchestrator{client: client, resolver: resolver}
}

// Run executes the pipeline for one window. Conversion metric resolution is
// the only fatal step: without a metric no revenue figure is meaningful.
// Every later failure degrades the run instead, with a diagnostic recording
// exactly what is missing.
func (o *Orchestrator) Run(ctx context.Context, window TimeWindow, opts Options) (*NormalizedReportData, error) {
	runID := uuid.New().String()
	started := time.Now()
	logger.Info("report run starting", "run_id", runID, "window", window.String())

	// Metric identity can change upstream between runs; the resolution
	// cache lives for exactly this run.
	defer o.resolver.Invalidate()

	metric, err := o.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("report run %s: resolve conversion metric: %w", runID, err)
	}

	report := &NormalizedReportData{
		RunID:            runID,
		AccountKey:       o.client.AccountKey(),
		Window:           window,
		TimeframeKey:     window.TimeframeKey(),
		ConversionMetric: *metric,
		GeneratedAt:      started,
	}

	campaigns, flows, err := o.discoverEntities(ctx, window, opts)
	if err != nil {
		return nil, fmt.Errorf("report run %s: %w", runID, err)
	}

	if opts.Timezone == "" {
		opts.Timezone = window.Timezone
	}
	reconciler := NewReconciler(o.client, opts.Timezone, opts.KAVTolerancePct)
	campaignFetcher := NewCampaignStatisticsFetcher(o.client, opts.BatchSize, opts.BatchDelay)
	flowFetcher := NewFlowStatisticsFetcher(o.client, opts.BatchSize, opts.BatchDelay)

	summary, diagnostics, campaignStats, flowStats, err := o.runWindow(
		ctx, window, metric, reconciler, campaignFetcher, flowFetcher,
		campaignIDs(campaigns), flowIDs(flows), opts.Statistics)
	if err != nil {
		return nil, fmt.Errorf("report run %s: %w", runID, err)
	}
	report.Summary = summary
	report.Diagnostics = append(report.Diagnostics, diagnostics...)
	report.Partial = (campaignStats != nil && campaignStats.Partial) ||
		(flowStats != nil && flowStats.Partial) ||
		campaignStats == nil || flowStats == nil

	report.Campaigns = campaignSummaries(campaigns, campaignStats)
	report.Flows = flowSummaries(flows, flowStats)

	if opts.Compare {
		o.compare(ctx, report, window, metric, reconciler, campaignFetcher, flowFetcher, opts)
	}

	logger.Info("report run finished",
		"run_id", runID,
		"duration", time.Since(started).String(),
		"campaigns", len(report.Campaigns),
		"flows", len(report.Flows),
		"partial", report.Partial,
		"kav_pct", report.Summary.KAVPercentage)
	return report, nil
}

// runWindow fetches campaign and flow statistics concurrently (each fetcher
// batches sequentially inside), then the window's total revenue, and
// reconciles the three. Both statistics fetches failing entirely is fatal;
// one failing degrades the run.
func (o *Orchestrator) runWindow(
	ctx context.Context,
	window TimeWindow,
	metric *klaviyo.ConversionMetric,
	reconciler *Reconciler,
	campaignFetcher, flowFetcher *StatisticsFetcher,
	campaignIDs, flowIDs []string,
	statistics []string,
) (RevenueSummary, []string, *StatisticsSet, *StatisticsSet, error) {
	timeframe := window.TimeframeKey()

	var (
		wg            sync.WaitGroup
		campaignStats *StatisticsSet
		flowStats     *StatisticsSet
		campaignErr   error
		flowErr       error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		campaignStats, campaignErr = campaignFetcher.GetStatistics(ctx, campaignIDs, statistics, timeframe, metric)
	}()
	go func() {
		defer wg.Done()
		flowStats, flowErr = flowFetcher.GetStatistics(ctx, flowIDs, statistics, timeframe, metric)
	}()
	wg.Wait()

	if campaignErr != nil && flowErr != nil {
		return RevenueSummary{}, nil, nil, nil,
			fmt.Errorf("both statistics fetches failed: campaigns: %v; flows: %v", campaignErr, flowErr)
	}

	var diagnostics []string
	if campaignErr != nil {
		logger.Warn("campaign statistics fetch failed", "window", window.String(), "error", campaignErr.Error())
		diagnostics = append(diagnostics, fmt.Sprintf("campaign statistics fetch failed: %v", campaignErr))
		campaignStats = nil
	}
	if flowErr != nil {
		logger.Warn("flow statistics fetch failed", "window", window.String(), "error", flowErr.Error())
		diagnostics = append(diagnostics, fmt.Sprintf("flow statistics fetch failed: %v", flowErr))
		flowStats = nil
	}

	totalRevenue, totalErr := reconciler.TotalRevenue(ctx, metric, window)
	if totalErr != nil {
		logger.Warn("total revenue fetch failed", "window", window.String(), "error", totalErr.Error())
		diagnostics = append(diagnostics, fmt.Sprintf("total revenue fetch failed: %v", totalErr))
	}

	summary, reconDiags, err := reconciler.Reconcile(campaignStats, flowStats, totalRevenue, totalErr == nil)
	if err != nil {
		return RevenueSummary{}, nil, nil, nil, err
	}
	diagnostics = append(diagnostics, reconDiags...)
	return summary, diagnostics, campaignStats, flowStats, nil
}

// compare runs the pipeline again for the preceding window and attaches the
// comparison. Comparison failures never fail the run.
func (o *Orchestrator) compare(
	ctx context.Context,
	report *NormalizedReportData,
	window TimeWindow,
	metric *klaviyo.ConversionMetric,
	reconciler *Reconciler,
	campaignFetcher, flowFetcher *StatisticsFetcher,
	opts Options,
) {
	previous := window.Previous()

	prevCampaigns, prevFlows, err := o.discoverEntities(ctx, previous, opts)
	if err != nil {
		report.Diagnostics = append(report.Diagnostics,
			fmt.Sprintf("comparison skipped: entity discovery for %s failed: %v", previous, err))
		return
	}

	prevSummary, prevDiags, _, _, err := o.runWindow(
		ctx, previous, metric, reconciler, campaignFetcher, flowFetcher,
		campaignIDs(prevCampaigns), flowIDs(prevFlows), opts.Statistics)
	if err != nil {
		report.Diagnostics = append(report.Diagnostics,
			fmt.Sprintf("comparison skipped: previous period %s failed: %v", previous, err))
		return
	}
	for _, d := range prevDiags {
		report.Diagnostics = append(report.Diagnostics, "previous period: "+d)
	}
	// Flow statistics cannot be date-filtered inside a relative timeframe,
	// so previous-period flow revenue is an approximation over the covering
	// timeframe.
	if len(prevFlows) > 0 {
		report.Diagnostics = append(report.Diagnostics,
			fmt.Sprintf("previous period flow figures approximate the %s timeframe, not the exact window %s",
				previous.TimeframeKey(), previous))
	}

	report.Comparison = compareSummaries(report.Summary, prevSummary, previous)
}

// discoverEntities resolves the campaign and flow universe for a window.
// Explicit ID lists in opts win; otherwise campaigns are listed from the
// account and pre-filtered to sends inside the window, and flows to those
// live at any point before the window's end.
func (o *Orchestrator) discoverEntities(ctx context.Context, window TimeWindow, opts Options) ([]klaviyo.Campaign, []klaviyo.Flow, error) {
	var (
		campaigns []klaviyo.Campaign
		flows     []klaviyo.Flow
	)

	if len(opts.CampaignIDs) > 0 {
		for _, id := range opts.CampaignIDs {
			campaigns = append(campaigns, klaviyo.Campaign{ID: id})
		}
	} else {
		all, err := o.client.GetCampaigns(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list campaigns: %w", err)
		}
		for _, c := range all {
			if c.Status == klaviyo.StatusDraft {
				continue
			}
			if !c.SendTime.IsZero() && !window.Contains(c.SendTime) {
				continue
			}
			campaigns = append(campaigns, c)
		}
	}

	if len(opts.FlowIDs) > 0 {
		for _, id := range opts.FlowIDs {
			flows = append(flows, klaviyo.Flow{ID: id})
		}
	} else {
		all, err := o.client.GetFlows(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list flows: %w", err)
		}
		for _, f := range all {
			if f.Status != klaviyo.StatusLive {
				continue
			}
			if !f.Created.IsZero() && !f.Created.Before(window.End) {
				continue
			}
			flows = append(flows, f)
		}
	}

	logger.Debug("entities discovered",
		"window", window.String(), "campaigns", len(campaigns), "flows", len(flows))
	return campaigns, flows, nil
}

func campaignIDs(campaigns []klaviyo.Campaign) []string {
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
	}
	return ids
}

func flowIDs(flows []klaviyo.Flow) []string {
	ids := make([]string, 0, len(flows))
	for _, f := range flows {
		ids = append(ids, f.ID)
	}
	return ids
}

func campaignSummaries(campaigns []klaviyo.Campaign, stats *StatisticsSet) []EntitySummary {
	out := make([]EntitySummary, 0, len(campaigns))
	for _, c := range campaigns {
		s := EntitySummary{ID: c.ID, Name: c.Name, Kind: KindCampaign, Status: c.Status}
		fillStats(&s, stats)
		out = append(out, s)
	}
	sortByRevenue(out)
	return out
}

func flowSummaries(flows []klaviyo.Flow, stats *StatisticsSet) []EntitySummary {
	out := make([]EntitySummary, 0, len(flows))
	for _, f := range flows {
		s := EntitySummary{ID: f.ID, Name: f.Name, Kind: KindFlow, Status: f.Status}
		fillStats(&s, stats)
		out = append(out, s)
	}
	sortByRevenue(out)
	return out
}

func fillStats(s *EntitySummary, stats *StatisticsSet) {
	if stats == nil {
		return
	}
	row, ok := stats.Rows[s.ID]
	if !ok {
		return
	}
	s.Recipients = row.Stat("recipients")
	s.Opens = row.Stat("opens")
	s.Clicks = row.Stat("clicks")
	s.Conversions = row.Stat("conversions")
	s.Revenue = row.Stat("conversion_value")
	s.CalculateRates()
}

func sortByRevenue(entities []EntitySummary) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Revenue != entities[j].Revenue {
			return entities[i].Revenue > entities[j].Revenue
		}
		return entities[i].ID < entities[j].ID
	})
}
