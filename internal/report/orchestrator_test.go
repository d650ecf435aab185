package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
)

// stubAccount is a canned Klaviyo account served over httptest. Revenue per
// entity is keyed by the requested timeframe so current and previous
// comparison periods can differ.
type stubAccount struct {
	metricName       string
	campaigns        []stubCampaign
	flows            []stubFlow
	revenueByWindow  map[klaviyo.TimeframeKey]float64 // per-entity values-report revenue
	totalByRangeFrom map[string]float64               // metric-aggregates total keyed by range start date
	flowValuesStatus int                              // non-zero forces flow-values failures
}

type stubCampaign struct {
	id, name string
	sendTime time.Time
}

type stubFlow struct {
	id, name string
	created  time.Time
}

func (s *stubAccount) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics/", func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		data := []map[string]interface{}{}
		if s.metricName != "" && strings.Contains(filter, fmt.Sprintf("%q", s.metricName)) {
			data = append(data, map[string]interface{}{
				"id": "WJQs6L",
				"attributes": map[string]interface{}{
					"name":        s.metricName,
					"integration": map[string]string{"name": "Shopify", "category": "eCommerce"},
				},
			})
		}
		writeJSON(w, map[string]interface{}{"data": data, "links": map[string]string{"next": ""}})
	})

	mux.HandleFunc("/campaigns/", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]interface{}{}
		for _, c := range s.campaigns {
			data = append(data, map[string]interface{}{
				"id": c.id,
				"attributes": map[string]interface{}{
					"name":      c.name,
					"status":    "Sent",
					"send_time": c.sendTime.Format(time.RFC3339),
				},
			})
		}
		writeJSON(w, map[string]interface{}{"data": data, "links": map[string]string{"next": ""}})
	})

	mux.HandleFunc("/flows/", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]interface{}{}
		for _, f := range s.flows {
			data = append(data, map[string]interface{}{
				"id": f.id,
				"attributes": map[string]interface{}{
					"name":    f.name,
					"status":  "live",
					"created": f.created.Format(time.RFC3339),
				},
			})
		}
		writeJSON(w, map[string]interface{}{"data": data, "links": map[string]string{"next": ""}})
	})

	values := func(field string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if field == "flow_id" && s.flowValuesStatus != 0 {
				http.Error(w, `{"errors":[{"detail":"boom"}]}`, s.flowValuesStatus)
				return
			}
			var req klaviyo.ValuesRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			perEntity := s.revenueByWindow[req.Data.Attributes.Timeframe.Key]

			rows := []map[string]interface{}{}
			for _, id := range idsFromFilter(req.Data.Attributes.Filter) {
				rows = append(rows, map[string]interface{}{
					"groupings": map[string]string{field: id},
					"statistics": map[string]float64{
						"recipients":       200,
						"opens":            80,
						"clicks":           20,
						"conversions":      4,
						"conversion_value": perEntity,
					},
				})
			}
			writeJSON(w, map[string]interface{}{
				"data": map[string]interface{}{
					"type":       "values-report",
					"attributes": map[string]interface{}{"results": rows},
				},
			})
		}
	}
	mux.HandleFunc("/campaign-values-reports/", values("campaign_id"))
	mux.HandleFunc("/flow-values-reports/", values("flow_id"))

	mux.HandleFunc("/metric-aggregates/", func(w http.ResponseWriter, r *http.Request) {
		var req klaviyo.AggregateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// greater-or-equal(datetime,2026-08-01T00:00:00)
		from := req.Data.Attributes.Filter[0]
		from = from[strings.Index(from, ",")+1 : strings.Index(from, "T")]
		total := s.totalByRangeFrom[from]
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{
				"type": "metric-aggregate",
				"attributes": map[string]interface{}{
					"dates": []string{from},
					"data": []map[string]interface{}{
						{"dimensions": []string{}, "measurements": map[string][]float64{"sum_value": {total}}},
					},
				},
			},
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestOrchestrator(t *testing.T, account *stubAccount) (*Orchestrator, func()) {
	t.Helper()
	srv := httptest.NewServer(account.handler(t))
	client := newTestKlaviyoClient(t, srv)
	resolver := klaviyo.NewMetricResolver(client, "Shopify")
	return NewOrchestrator(client, resolver), srv.Close
}

// currentWindow returns the last 30 full days ending today UTC.
func currentWindow(t *testing.T) TimeWindow {
	t.Helper()
	end := time.Now().UTC().Truncate(24 * time.Hour)
	w, err := NewTimeWindow(end.AddDate(0, 0, -30), end, "UTC")
	require.NoError(t, err)
	return w
}

func TestOrchestratorRun(t *testing.T) {
	window := currentWindow(t)
	account := &stubAccount{
		metricName: "Placed Order",
		campaigns: []stubCampaign{
			{id: "c1", name: "August Promo", sendTime: window.Start.AddDate(0, 0, 2)},
			{id: "c2", name: "Flash Sale", sendTime: window.Start.AddDate(0, 0, 10)},
			{id: "c0", name: "Old News", sendTime: window.Start.AddDate(0, 0, -40)},
		},
		flows: []stubFlow{
			{id: "f1", name: "Welcome Series", created: window.Start.AddDate(0, -6, 0)},
		},
		revenueByWindow: map[klaviyo.TimeframeKey]float64{
			window.TimeframeKey(): 100,
		},
		totalByRangeFrom: map[string]float64{
			window.Start.Format("2006-01-02"): 600,
		},
	}
	orch, cleanup := newTestOrchestrator(t, account)
	defer cleanup()

	report, err := orch.Run(context.Background(), window, Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "Placed Order", report.ConversionMetric.ResolvedName)
	assert.False(t, report.Partial)
	assert.Nil(t, report.Comparison)

	// c0 was sent outside the window and must be excluded.
	require.Len(t, report.Campaigns, 2)
	require.Len(t, report.Flows, 1)

	assert.Equal(t, 200.0, report.Summary.CampaignRevenue)
	assert.Equal(t, 100.0, report.Summary.FlowRevenue)
	assert.Equal(t, 300.0, report.Summary.AttributedRevenue)
	assert.Equal(t, 600.0, report.Summary.TotalRevenue)
	assert.Equal(t, 50.0, report.Summary.KAVPercentage)

	c := report.Campaigns[0]
	assert.Equal(t, 100.0, c.Revenue)
	assert.InDelta(t, 0.4, c.OpenRate, 0.001)
	assert.InDelta(t, 0.02, c.ConversionRate, 0.001)
}

func TestOrchestratorComparisonZeroBaseline(t *testing.T) {
	window := currentWindow(t)
	previous := window.Previous()
	account := &stubAccount{
		metricName: "Placed Order",
		campaigns: []stubCampaign{
			{id: "c1", name: "August Promo", sendTime: window.Start.AddDate(0, 0, 2)},
		},
		flows: []stubFlow{
			{id: "f1", name: "Welcome Series", created: window.Start.AddDate(0, -6, 0)},
		},
		revenueByWindow: map[klaviyo.TimeframeKey]float64{
			window.TimeframeKey():   100,
			previous.TimeframeKey(): 0,
		},
		totalByRangeFrom: map[string]float64{
			window.Start.Format("2006-01-02"):   400,
			previous.Start.Format("2006-01-02"): 0,
		},
	}
	orch, cleanup := newTestOrchestrator(t, account)
	defer cleanup()

	report, err := orch.Run(context.Background(), window, Options{Compare: true})
	require.NoError(t, err)
	require.NotNil(t, report.Comparison)

	// Zero baselines make growth undefined, not 0 or infinite.
	assert.Nil(t, report.Comparison.Growth.TotalRevenuePct)
	assert.Nil(t, report.Comparison.Growth.AttributedRevenuePct)
	assert.Nil(t, report.Comparison.Growth.CampaignRevenuePct)
	assert.Nil(t, report.Comparison.Growth.FlowRevenuePct)

	assert.Equal(t, previous.Start, report.Comparison.PreviousWindow.Start)
	assert.True(t, report.Comparison.Previous.InsufficientData)
}

func TestOrchestratorComparisonGrowth(t *testing.T) {
	window := currentWindow(t)
	previous := window.Previous()
	account := &stubAccount{
		metricName: "Placed Order",
		flows: []stubFlow{
			{id: "f1", name: "Welcome Series", created: window.Start.AddDate(0, -6, 0)},
		},
		revenueByWindow: map[klaviyo.TimeframeKey]float64{
			window.TimeframeKey():   150,
			previous.TimeframeKey(): 100,
		},
		totalByRangeFrom: map[string]float64{
			window.Start.Format("2006-01-02"):   300,
			previous.Start.Format("2006-01-02"): 300,
		},
	}
	orch, cleanup := newTestOrchestrator(t, account)
	defer cleanup()

	report, err := orch.Run(context.Background(), window, Options{Compare: true})
	require.NoError(t, err)
	require.NotNil(t, report.Comparison)

	require.NotNil(t, report.Comparison.Growth.FlowRevenuePct)
	assert.InDelta(t, 50.0, *report.Comparison.Growth.FlowRevenuePct, 0.001)
	require.NotNil(t, report.Comparison.Growth.TotalRevenuePct)
	assert.InDelta(t, 0.0, *report.Comparison.Growth.TotalRevenuePct, 0.001)
}

func TestOrchestratorFatalWhenMetricUnresolved(t *testing.T) {
	account := &stubAccount{metricName: ""} // no candidate matches
	orch, cleanup := newTestOrchestrator(t, account)
	defer cleanup()

	_, err := orch.Run(context.Background(), currentWindow(t), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, klaviyo.ErrNoConversionMetric)
}

func TestOrchestratorDegradesWhenFlowStatisticsFail(t *testing.T) {
	window := currentWindow(t)
	account := &stubAccount{
		metricName: "Placed Order",
		campaigns: []stubCampaign{
			{id: "c1", name: "August Promo", sendTime: window.Start.AddDate(0, 0, 2)},
		},
		flows: []stubFlow{
			{id: "f1", name: "Welcome Series", created: window.Start.AddDate(0, -6, 0)},
		},
		revenueByWindow: map[klaviyo.TimeframeKey]float64{
			window.TimeframeKey(): 100,
		},
		totalByRangeFrom: map[string]float64{
			window.Start.Format("2006-01-02"): 400,
		},
		flowValuesStatus: http.StatusBadGateway,
	}
	orch, cleanup := newTestOrchestrator(t, account)
	defer cleanup()

	report, err := orch.Run(context.Background(), window, Options{})
	require.NoError(t, err, "flow failures degrade the run, they do not abort it")

	assert.True(t, report.Partial)
	assert.Equal(t, 100.0, report.Summary.CampaignRevenue)
	assert.Equal(t, 0.0, report.Summary.FlowRevenue)
	require.NotEmpty(t, report.Diagnostics)
	joined := strings.Join(report.Diagnostics, "\n")
	assert.Contains(t, joined, "flow statistics unavailable")
	// The fetch error itself reaches the report, not only the log.
	assert.Contains(t, joined, "flow statistics fetch failed")
}

func TestOrchestratorReResolvesMetricEachRun(t *testing.T) {
	window := currentWindow(t)
	account := &stubAccount{
		metricName: "Placed Order",
		flows: []stubFlow{
			{id: "f1", name: "Welcome Series", created: window.Start.AddDate(0, -6, 0)},
		},
		revenueByWindow: map[klaviyo.TimeframeKey]float64{
			window.TimeframeKey(): 100,
		},
		totalByRangeFrom: map[string]float64{
			window.Start.Format("2006-01-02"): 200,
		},
	}
	orch, cleanup := newTestOrchestrator(t, account)
	defer cleanup()

	first, err := orch.Run(context.Background(), window, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Placed Order", first.ConversionMetric.ResolvedName)

	// The account's order event is renamed between runs. A resolution cached
	// across the run boundary would keep reporting the old metric.
	account.metricName = "Purchase"

	second, err := orch.Run(context.Background(), window, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Purchase", second.ConversionMetric.ResolvedName)
}

func TestOrchestratorExplicitEntityIDs(t *testing.T) {
	window := currentWindow(t)
	account := &stubAccount{
		metricName: "Placed Order",
		revenueByWindow: map[klaviyo.TimeframeKey]float64{
			window.TimeframeKey(): 50,
		},
		totalByRangeFrom: map[string]float64{
			window.Start.Format("2006-01-02"): 200,
		},
	}
	orch, cleanup := newTestOrchestrator(t, account)
	defer cleanup()

	report, err := orch.Run(context.Background(), window, Options{
		CampaignIDs: []string{"cx1", "cx2"},
		FlowIDs:     []string{"fx1"},
	})
	require.NoError(t, err)
	assert.Len(t, report.Campaigns, 2)
	assert.Len(t, report.Flows, 1)
	assert.Equal(t, 100.0, report.Summary.CampaignRevenue)
	assert.Equal(t, 50.0, report.Summary.FlowRevenue)
}
