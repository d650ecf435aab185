package klaviyo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
)

// conversionMetricCandidates is the ordered list of event names tried when
// resolving the account's purchase metric. Storefront integrations name the
// order event differently; the list is ordered from most to least specific.
var conversionMetricCandidates = []string{
	"Ordered Product",
	"Placed Order",
	"Purchase",
	"Completed Order",
	"Order",
	"Checkout",
}

// MetricResolver discovers the account-specific conversion metric and caches
// the result per account for the lifetime of one report run. Metric identity
// can change upstream, so the cache must not outlive the run.
type MetricResolver struct {
	client               *Client
	preferredIntegration string

	mu    sync.Mutex
	cache map[string]*ConversionMetric // account key -> resolved metric
}

// NewMetricResolver creates a resolver bound to one client. The preferred
// integration hint (e.g. "Shopify") breaks ties when several integrations
// define a metric with the same name.
func NewMetricResolver(client *Client, preferredIntegration string) *MetricResolver {
	return &MetricResolver{
		client:               client,
		preferredIntegration: preferredIntegration,
		cache:                make(map[string]*ConversionMetric),
	}
}

// Resolve returns the account's conversion metric, trying each candidate name
// in order and preferring a metric from the configured integration. Returns
// ErrNoConversionMetric if no candidate resolves — callers must treat that as
// fatal, never as "revenue is zero".
func (r *MetricResolver) Resolve(ctx context.Context) (*ConversionMetric, error) {
	account := r.client.AccountKey()

	r.mu.Lock()
	if cached, ok := r.cache[account]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	for _, name := range conversionMetricCandidates {
		metrics, err := r.client.GetMetricsByName(ctx, name)
		if err != nil {
			// A malformed request or bad credentials will fail for every
			// candidate; surface it instead of burning the whole list.
			if IsClientError(err) {
				return nil, fmt.Errorf("metric lookup for %q: %w", name, err)
			}
			logger.Warn("metric lookup failed, trying next candidate",
				"candidate", name, "error", err.Error())
			continue
		}
		if len(metrics) == 0 {
			continue
		}

		chosen := r.pick(metrics)
		resolved := &ConversionMetric{
			MetricID:          chosen.ID,
			ResolvedName:      chosen.Name,
			IntegrationSource: chosen.Integration,
		}

		r.mu.Lock()
		r.cache[account] = resolved
		r.mu.Unlock()

		logger.Info("conversion metric resolved",
			"metric_id", resolved.MetricID,
			"name", resolved.ResolvedName,
			"integration", resolved.IntegrationSource)
		return resolved, nil
	}

	return nil, ErrNoConversionMetric
}

// pick chooses among same-named metrics: the one whose integration matches
// the preferred storefront platform wins, otherwise the first match.
func (r *MetricResolver) pick(metrics []Metric) Metric {
	if r.preferredIntegration != "" {
		for _, m := range metrics {
			if strings.EqualFold(m.Integration, r.preferredIntegration) {
				return m
			}
		}
	}
	return metrics[0]
}

// Invalidate drops the cached resolution for the client's account. Called at
// run boundaries; resolution results must not be reused across runs.
func (r *MetricResolver) Invalidate() {
	r.mu.Lock()
	delete(r.cache, r.client.AccountKey())
	r.mu.Unlock()
}
