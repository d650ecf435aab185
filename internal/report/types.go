// Package report implements the revenue attribution and metrics aggregation
// pipeline: batched statistics fetching, single-touch vs multi-touch revenue
// reconciliation, period comparison, and the normalized structure handed to
// narrative generation.
package report

import (
	"fmt"
	"time"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
)

// EntityKind distinguishes campaigns from flows.
type EntityKind string

const (
	KindCampaign EntityKind = "campaign"
	KindFlow     EntityKind = "flow"
)

// AttributionModel tags where revenue figures came from. Values-report
// figures are single-touch; metric-aggregate figures are multi-touch. The
// two must never be summed together.
type AttributionModel string

const (
	SingleTouch AttributionModel = "single_touch"
	MultiTouch  AttributionModel = "multi_touch"
)

// TimeWindow is an exact (start, end) pair with a timezone. The reporting
// endpoints only accept enumerated relative timeframes, so exact windows are
// approximated: pick the covering relative timeframe, then pre-filter
// entities by exact dates client-side.
type TimeWindow struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone"`
}

// NewTimeWindow validates and constructs a TimeWindow.
func NewTimeWindow(start, end time.Time, timezone string) (TimeWindow, error) {
	if !start.Before(end) {
		return TimeWindow{}, fmt.Errorf("time window: start %s is not before end %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	if timezone == "" {
		timezone = "UTC"
	}
	return TimeWindow{Start: start, End: end, Timezone: timezone}, nil
}

// Days returns the window length in whole days, rounded up.
func (w TimeWindow) Days() int {
	d := int(w.End.Sub(w.Start).Hours() / 24)
	if w.End.Sub(w.Start)%(24*time.Hour) != 0 {
		d++
	}
	return d
}

// Previous returns the contiguous window of identical length immediately
// preceding this one.
func (w TimeWindow) Previous() TimeWindow {
	length := w.End.Sub(w.Start)
	return TimeWindow{
		Start:    w.Start.Add(-length),
		End:      w.Start,
		Timezone: w.Timezone,
	}
}

// Contains reports whether t falls inside the window (inclusive start,
// exclusive end).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// TimeframeKey returns the smallest enumerated relative timeframe that
// covers the whole window measured back from now. For a window that does not
// end near now (e.g. the previous comparison period) this necessarily covers
// more than the window itself; the excess is trimmed client-side by entity
// date pre-filtering. Exact bit-for-bit reproducibility across days is not
// achievable on top of relative timeframes.
func (w TimeWindow) TimeframeKey() klaviyo.TimeframeKey {
	daysBack := int(time.Until(w.Start).Hours() / -24)
	if daysBack < w.Days() {
		daysBack = w.Days()
	}
	return klaviyo.ClosestTimeframe(daysBack)
}

// String renders the window as "2026-08-01..2026-08-31".
func (w TimeWindow) String() string {
	return w.Start.Format("2006-01-02") + ".." + w.End.Format("2006-01-02")
}

// DefaultStatistics is the statistic set requested from the values-report
// endpoints when the caller does not specify one.
func DefaultStatistics() []string {
	return []string{"recipients", "opens", "clicks", "conversions", "conversion_value"}
}

// StatisticsRow is one entity's statistics from a values report.
type StatisticsRow struct {
	EntityID   string             `json:"entity_id"`
	Statistics map[string]float64 `json:"statistics"`
}

// Stat returns a named statistic, 0 when absent.
func (r StatisticsRow) Stat(name string) float64 {
	return r.Statistics[name]
}

// BatchFailure records one failed statistics batch so partial results can
// name exactly which entities are missing.
type BatchFailure struct {
	Index     int      `json:"index"`
	EntityIDs []string `json:"entity_ids"`
	Reason    string   `json:"reason"`
}

// StatisticsSet is the tagged outcome of a statistics fetch. "No data" and
// "zero data" are never conflated: a row with zeros is genuine zero
// performance, a missing row appears in FailedBatches and flips Partial.
type StatisticsSet struct {
	Kind          EntityKind               `json:"kind"`
	Model         AttributionModel         `json:"model"`
	Rows          map[string]StatisticsRow `json:"rows"`
	Partial       bool                     `json:"partial"`
	FailedBatches []BatchFailure           `json:"failed_batches,omitempty"`
}

// Total sums a named statistic over all rows.
func (s *StatisticsSet) Total(name string) float64 {
	var total float64
	for _, row := range s.Rows {
		total += row.Stat(name)
	}
	return total
}

// RevenueSummary is the reconciled revenue picture for one window.
// CampaignRevenue + FlowRevenue == AttributedRevenue by construction (all
// three from the single-touch source); TotalRevenue is multi-touch sourced
// and only ever used as the KAV denominator.
type RevenueSummary struct {
	TotalRevenue      float64 `json:"total_revenue"`
	AttributedRevenue float64 `json:"attributed_revenue"`
	CampaignRevenue   float64 `json:"campaign_revenue"`
	FlowRevenue       float64 `json:"flow_revenue"`
	KAVPercentage     float64 `json:"kav_percentage"`
	InsufficientData  bool    `json:"insufficient_data"`
}

// GrowthRates holds period-over-period growth percentages. A nil field means
// the previous-period baseline was zero and growth is undefined — never
// reported as 0 or infinity.
type GrowthRates struct {
	TotalRevenuePct      *float64 `json:"total_revenue_pct"`
	AttributedRevenuePct *float64 `json:"attributed_revenue_pct"`
	CampaignRevenuePct   *float64 `json:"campaign_revenue_pct"`
	FlowRevenuePct       *float64 `json:"flow_revenue_pct"`
}

// PeriodComparison pairs the current summary with the immediately preceding
// equal-length period and the derived growth rates.
type PeriodComparison struct {
	Current        RevenueSummary `json:"current"`
	Previous       RevenueSummary `json:"previous"`
	PreviousWindow TimeWindow     `json:"previous_window"`
	Growth         GrowthRates    `json:"growth"`
}

// EntitySummary is the per-entity slice of the report.
type EntitySummary struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Kind           EntityKind           `json:"kind"`
	Status         klaviyo.EntityStatus `json:"status"`
	Recipients     float64              `json:"recipients"`
	Opens          float64              `json:"opens"`
	Clicks         float64              `json:"clicks"`
	Conversions    float64              `json:"conversions"`
	Revenue        float64              `json:"revenue"`
	OpenRate       float64              `json:"open_rate"`
	ClickRate      float64              `json:"click_rate"`
	ConversionRate float64              `json:"conversion_rate"`
}

// CalculateRates derives rate fields from the raw counts.
func (e *EntitySummary) CalculateRates() {
	if e.Recipients > 0 {
		e.OpenRate = e.Opens / e.Recipients
		e.ClickRate = e.Clicks / e.Recipients
		e.ConversionRate = e.Conversions / e.Recipients
	}
}

// NormalizedReportData is the pipeline's output: everything the narrative
// and templating layers need, plus diagnostics explaining any degradation.
// Callers never receive silently-zeroed revenue — a zero always comes with
// either genuine zero rows or a diagnostic.
type NormalizedReportData struct {
	RunID            string                    `json:"run_id"`
	AccountKey       string                    `json:"account_key"`
	Window           TimeWindow                `json:"window"`
	TimeframeKey     klaviyo.TimeframeKey      `json:"timeframe_key"`
	ConversionMetric klaviyo.ConversionMetric  `json:"conversion_metric"`
	Summary          RevenueSummary            `json:"summary"`
	Comparison       *PeriodComparison         `json:"comparison,omitempty"`
	Campaigns        []EntitySummary           `json:"campaigns"`
	Flows            []EntitySummary           `json:"flows"`
	Partial          bool                      `json:"partial"`
	Diagnostics      []string                  `json:"diagnostics,omitempty"`
	GeneratedAt      time.Time                 `json:"generated_at"`
}
