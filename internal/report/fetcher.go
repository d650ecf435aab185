package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
)

const (
	// DefaultBatchSize is the number of entity IDs per values-report call.
	DefaultBatchSize = 10
	// DefaultBatchDelay is the pause between consecutive batches.
	DefaultBatchDelay = 5 * time.Second
)

// valuesQuery is the shape shared by QueryCampaignValues and QueryFlowValues.
type valuesQuery func(ctx context.Context, attrs klaviyo.ValuesRequestAttributes) ([]klaviyo.ValuesRow, error)

// StatisticsFetcher retrieves values-report statistics for a set of entity
// IDs, batching requests and caching complete results for the lifetime of
// the fetcher. Fetchers are run-scoped: construct a fresh one per report run
// so cached figures never go stale across runs.
type StatisticsFetcher struct {
	kind       EntityKind
	filterKey  string
	accountKey string
	query      valuesQuery
	batchSize  int
	batchDelay time.Duration

	mu    sync.Mutex
	cache map[string]*StatisticsSet
}

// NewCampaignStatisticsFetcher builds a fetcher backed by the
// campaign-values-reports endpoint.
func NewCampaignStatisticsFetcher(client *klaviyo.Client, batchSize int, batchDelay time.Duration) *StatisticsFetcher {
	return newStatisticsFetcher(KindCampaign, "campaign_id", client.AccountKey(), client.QueryCampaignValues, batchSize, batchDelay)
}

// NewFlowStatisticsFetcher builds a fetcher backed by the
// flow-values-reports endpoint.
func NewFlowStatisticsFetcher(client *klaviyo.Client, batchSize int, batchDelay time.Duration) *StatisticsFetcher {
	return newStatisticsFetcher(KindFlow, "flow_id", client.AccountKey(), client.QueryFlowValues, batchSize, batchDelay)
}

func newStatisticsFetcher(kind EntityKind, filterKey, accountKey string, query valuesQuery, batchSize int, batchDelay time.Duration) *StatisticsFetcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchDelay < 0 {
		batchDelay = DefaultBatchDelay
	}
	return &StatisticsFetcher{
		kind:       kind,
		filterKey:  filterKey,
		accountKey: accountKey,
		query:      query,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		cache:      make(map[string]*StatisticsSet),
	}
}

// GetStatistics fetches the named statistics for entityIDs over the given
// timeframe, splitting into sequential batches with a delay between them.
// A failed batch is logged and skipped; the returned set is then tagged
// Partial with the failed batch recorded. Only when every batch fails is an
// error returned. Complete (non-partial) results are cached so a repeat call
// with the same arguments issues no upstream requests.
func (f *StatisticsFetcher) GetStatistics(ctx context.Context, entityIDs []string, statistics []string, timeframe klaviyo.TimeframeKey, metric *klaviyo.ConversionMetric) (*StatisticsSet, error) {
	if len(entityIDs) == 0 {
		return &StatisticsSet{Kind: f.kind, Model: SingleTouch, Rows: map[string]StatisticsRow{}}, nil
	}
	if len(statistics) == 0 {
		statistics = DefaultStatistics()
	}
	if metric == nil {
		return nil, fmt.Errorf("%s statistics: conversion metric is required", f.kind)
	}

	key := f.cacheKey(entityIDs, statistics, timeframe, metric.MetricID)
	f.mu.Lock()
	if cached, ok := f.cache[key]; ok {
		f.mu.Unlock()
		logger.Debug("statistics cache hit", "kind", string(f.kind), "entities", len(entityIDs))
		return cached, nil
	}
	f.mu.Unlock()

	set := &StatisticsSet{
		Kind:  f.kind,
		Model: SingleTouch,
		Rows:  make(map[string]StatisticsRow, len(entityIDs)),
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s statistics: %w", f.kind, err)
	}

	batches := splitBatches(entityIDs, f.batchSize)
	for i, batch := range batches {
		if i > 0 {
			if err := f.waitBetweenBatches(ctx); err != nil {
				// Stop dispatching; everything not yet fetched is a failure.
				for j := i; j < len(batches); j++ {
					set.FailedBatches = append(set.FailedBatches, BatchFailure{
						Index:     j,
						EntityIDs: batches[j],
						Reason:    err.Error(),
					})
				}
				set.Partial = true
				break
			}
		}

		filter, err := klaviyo.BuildIDFilter(batch, f.filterKey)
		if err != nil {
			return nil, fmt.Errorf("%s statistics batch %d: %w", f.kind, i, err)
		}

		// A batch already in flight is allowed to finish even if the run is
		// canceled; cancellation takes effect at the next inter-batch wait.
		// The client's own timeout bounds the detached request.
		rows, err := f.query(context.WithoutCancel(ctx), klaviyo.ValuesRequestAttributes{
			Statistics:         statistics,
			Timeframe:          klaviyo.Timeframe{Key: timeframe},
			Filter:             filter,
			ConversionMetricID: metric.MetricID,
		})
		if err != nil {
			logger.Warn("statistics batch failed",
				"kind", string(f.kind), "batch", i, "entities", len(batch), "error", err.Error())
			set.FailedBatches = append(set.FailedBatches, BatchFailure{
				Index:     i,
				EntityIDs: batch,
				Reason:    err.Error(),
			})
			set.Partial = true
			continue
		}

		for _, row := range rows {
			id := row.Groupings[f.filterKey]
			if id == "" {
				continue
			}
			if _, exists := set.Rows[id]; exists {
				// Later batches never overwrite earlier results.
				logger.Warn("duplicate entity in statistics results", "kind", string(f.kind), "id", id)
				continue
			}
			set.Rows[id] = StatisticsRow{EntityID: id, Statistics: row.Statistics}
		}
	}

	if len(set.FailedBatches) == len(batches) {
		return nil, fmt.Errorf("%s statistics: all %d batches failed: %s",
			f.kind, len(batches), set.FailedBatches[0].Reason)
	}

	if !set.Partial {
		f.mu.Lock()
		f.cache[key] = set
		f.mu.Unlock()
	}

	logger.Info("statistics fetched",
		"kind", string(f.kind),
		"requested", len(entityIDs),
		"returned", len(set.Rows),
		"batches", len(batches),
		"failed_batches", len(set.FailedBatches))
	return set, nil
}

// waitBetweenBatches sleeps for the configured delay, returning early if the
// context is canceled.
func (f *StatisticsFetcher) waitBetweenBatches(ctx context.Context) error {
	if f.batchDelay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(f.batchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cacheKey builds a deterministic key over everything that influences the
// result. The account key is included so fetchers can never serve one
// account's figures to another. Segments are length-prefixed so an id
// containing a separator character cannot collide two keys.
func (f *StatisticsFetcher) cacheKey(entityIDs, statistics []string, timeframe klaviyo.TimeframeKey, metricID string) string {
	ids := append([]string(nil), entityIDs...)
	sort.Strings(ids)
	stats := append([]string(nil), statistics...)
	sort.Strings(stats)

	segments := []string{f.accountKey, string(f.kind), string(timeframe), metricID}
	segments = append(segments, ids...)
	segments = append(segments, stats...)

	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "%d:%s|", len(s), s)
	}
	return b.String()
}

func splitBatches(ids []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
