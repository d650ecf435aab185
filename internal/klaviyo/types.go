package klaviyo

import "time"

// Config holds Klaviyo API client settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Revision   string
	Timeout    time.Duration
	MaxRetries int
}

// EntityStatus is the lifecycle status of a campaign or flow.
type EntityStatus string

const (
	StatusLive     EntityStatus = "live"
	StatusDraft    EntityStatus = "draft"
	StatusArchived EntityStatus = "archived"
)

// Campaign is an email campaign as listed by GET /campaigns/.
type Campaign struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Status   EntityStatus `json:"status"`
	Channel  string       `json:"channel"`
	SendTime time.Time    `json:"send_time"`
}

// Flow is an automation flow as listed by GET /flows/.
type Flow struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Status  EntityStatus `json:"status"`
	Created time.Time    `json:"created"`
	Updated time.Time    `json:"updated"`
}

// Metric is an event metric definition as listed by GET /metrics/.
type Metric struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Integration string `json:"integration"`
}

// ConversionMetric is the resolved "purchase" event definition for one account.
// All revenue and conversion statistics are computed against this metric.
type ConversionMetric struct {
	MetricID          string `json:"metric_id"`
	ResolvedName      string `json:"resolved_name"`
	IntegrationSource string `json:"integration_source"`
}

// TimeframeKey is one of the relative reporting windows the values-report
// endpoints accept. Arbitrary (start, end) ranges are NOT supported there;
// callers pick the closest enumerated window and pre-filter entities by date.
type TimeframeKey string

const (
	TimeframeLast7Days   TimeframeKey = "last_7_days"
	TimeframeLast30Days  TimeframeKey = "last_30_days"
	TimeframeLast90Days  TimeframeKey = "last_90_days"
	TimeframeLast365Days TimeframeKey = "last_365_days"
)

// Timeframe wraps a TimeframeKey in the request shape the API expects.
type Timeframe struct {
	Key TimeframeKey `json:"key"`
}

// Days returns the nominal length of the window in days.
func (k TimeframeKey) Days() int {
	switch k {
	case TimeframeLast7Days:
		return 7
	case TimeframeLast30Days:
		return 30
	case TimeframeLast90Days:
		return 90
	case TimeframeLast365Days:
		return 365
	default:
		return 0
	}
}

// ClosestTimeframe maps a window length to the smallest enumerated relative
// timeframe that fully covers it, measured from now. This is an approximation
// of exact-range semantics and is documented as such; results are additionally
// pre-filtered by exact dates client-side.
func ClosestTimeframe(days int) TimeframeKey {
	switch {
	case days <= 7:
		return TimeframeLast7Days
	case days <= 30:
		return TimeframeLast30Days
	case days <= 90:
		return TimeframeLast90Days
	default:
		return TimeframeLast365Days
	}
}

// ========== Values report (single-touch reporting endpoint) ==========

// ValuesRequest is the body of POST /campaign-values-reports/ and
// POST /flow-values-reports/.
type ValuesRequest struct {
	Data ValuesRequestData `json:"data"`
}

// ValuesRequestData is the JSON:API resource wrapper of a values request.
type ValuesRequestData struct {
	Type       string                  `json:"type"`
	Attributes ValuesRequestAttributes `json:"attributes"`
}

// ValuesRequestAttributes carries the actual query.
type ValuesRequestAttributes struct {
	Statistics         []string  `json:"statistics"`
	Timeframe          Timeframe `json:"timeframe"`
	Filter             string    `json:"filter,omitempty"`
	ConversionMetricID string    `json:"conversion_metric_id"`
}

// ValuesResponse is the envelope of a values-report response.
type ValuesResponse struct {
	Data struct {
		Attributes struct {
			Results []ValuesRow `json:"results"`
		} `json:"attributes"`
	} `json:"data"`
}

// ValuesRow is one row of a values report: an entity grouping plus the
// requested statistics. All revenue figures here are single-touch attributed,
// consistent with the upstream dashboard.
type ValuesRow struct {
	Groupings  map[string]string  `json:"groupings"`
	Statistics map[string]float64 `json:"statistics"`
}

// ========== Metric aggregates (multi-touch, exact date ranges) ==========

// AggregateRequest is the body of POST /metric-aggregates/. Unlike the
// values-report endpoints it accepts exact datetime range filters, but its
// revenue is multi-touch and must never be summed with values-report revenue.
type AggregateRequest struct {
	Data AggregateRequestData `json:"data"`
}

// AggregateRequestData is the JSON:API resource wrapper of an aggregate request.
type AggregateRequestData struct {
	Type       string                     `json:"type"`
	Attributes AggregateRequestAttributes `json:"attributes"`
}

// AggregateRequestAttributes carries the aggregate query.
type AggregateRequestAttributes struct {
	MetricID     string   `json:"metric_id"`
	Measurements []string `json:"measurements"`
	Interval     string   `json:"interval"`
	Filter       []string `json:"filter"`
	Timezone     string   `json:"timezone,omitempty"`
}

// AggregateResponse is the envelope of a metric-aggregates response.
type AggregateResponse struct {
	Data struct {
		Attributes struct {
			Dates []string        `json:"dates"`
			Data  []AggregateData `json:"data"`
		} `json:"attributes"`
	} `json:"data"`
}

// AggregateData is one dimension group with its time-bucketed measurement series.
type AggregateData struct {
	Dimensions   []string             `json:"dimensions"`
	Measurements map[string][]float64 `json:"measurements"`
}

// ========== Entity listing envelopes (JSON:API with cursor pagination) ==========

type listLinks struct {
	Next string `json:"next"`
}

type campaignResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name     string     `json:"name"`
		Status   string     `json:"status"`
		Channel  string     `json:"channel"`
		SendTime *time.Time `json:"send_time"`
	} `json:"attributes"`
}

type campaignsResponse struct {
	Data  []campaignResource `json:"data"`
	Links listLinks          `json:"links"`
}

type flowResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name    string     `json:"name"`
		Status  string     `json:"status"`
		Created *time.Time `json:"created"`
		Updated *time.Time `json:"updated"`
	} `json:"attributes"`
}

type flowsResponse struct {
	Data  []flowResource `json:"data"`
	Links listLinks      `json:"links"`
}

type metricResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name        string `json:"name"`
		Integration struct {
			Name     string `json:"name"`
			Category string `json:"category"`
		} `json:"integration"`
	} `json:"attributes"`
}

type metricsResponse struct {
	Data  []metricResource `json:"data"`
	Links listLinks        `json:"links"`
}
