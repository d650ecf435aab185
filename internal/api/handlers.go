package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
	"github.com/ignite/klaviyo-insights/internal/pkg/distlock"
	"github.com/ignite/klaviyo-insights/internal/pkg/httputil"
	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
	"github.com/ignite/klaviyo-insights/internal/report"
)

// ReportRunner executes a report run. Satisfied by *report.Orchestrator.
type ReportRunner interface {
	Run(ctx context.Context, window report.TimeWindow, opts report.Options) (*report.NormalizedReportData, error)
}

// NarrativeGenerator turns a finished report into prose. Satisfied by
// *narrative.Generator.
type NarrativeGenerator interface {
	Generate(ctx context.Context, data *report.NormalizedReportData) (string, error)
}

// Archive persists finished reports. Satisfied by *report.S3Archive.
type Archive interface {
	Save(ctx context.Context, data *report.NormalizedReportData) error
	Load(ctx context.Context, accountKey, window, runID string) (*report.NormalizedReportData, error)
}

// Handlers holds the HTTP handlers and their dependencies. Narrative,
// archive, and the run lock are optional; endpoints degrade when absent.
type Handlers struct {
	runner     ReportRunner
	resolver   *klaviyo.MetricResolver
	narrative  NarrativeGenerator
	archive    Archive
	locks      *distlock.Factory
	accountKey string
	defaults   report.Options
}

// NewHandlers creates the handler set.
func NewHandlers(runner ReportRunner, resolver *klaviyo.MetricResolver, accountKey string, defaults report.Options) *Handlers {
	return &Handlers{
		runner:     runner,
		resolver:   resolver,
		accountKey: accountKey,
		defaults:   defaults,
	}
}

// SetNarrative wires the optional narrative generator.
func (h *Handlers) SetNarrative(g NarrativeGenerator) { h.narrative = g }

// SetArchive wires the optional report archive.
func (h *Handlers) SetArchive(a Archive) { h.archive = a }

// SetLockFactory wires the per-account run lock.
func (h *Handlers) SetLockFactory(f *distlock.Factory) { h.locks = f }

// HealthCheck responds to GET /health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// generateReportRequest is the body of POST /api/reports/generate.
type generateReportRequest struct {
	Start       string   `json:"start"`    // YYYY-MM-DD
	End         string   `json:"end"`      // YYYY-MM-DD, exclusive
	Timezone    string   `json:"timezone"` // IANA name, default UTC
	Compare     bool     `json:"compare"`
	Narrative   bool     `json:"narrative"`
	Statistics  []string `json:"statistics,omitempty"`
	CampaignIDs []string `json:"campaign_ids,omitempty"`
	FlowIDs     []string `json:"flow_ids,omitempty"`
}

// generateReportResponse wraps the report with its optional narrative.
type generateReportResponse struct {
	Report    *report.NormalizedReportData `json:"report"`
	Narrative string                       `json:"narrative,omitempty"`
}

// GenerateReport handles POST /api/reports/generate: runs the full pipeline
// for the requested window and returns the normalized report.
func (h *Handlers) GenerateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	window, err := parseWindow(req.Start, req.End, req.Timezone)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if h.locks != nil {
		lock := h.locks.Lock("report-run:" + h.accountKey)
		acquired, err := lock.Acquire(r.Context())
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if !acquired {
			httputil.Error(w, http.StatusConflict,
				"a report run is already in progress for this account")
			return
		}
		defer lock.Release(context.WithoutCancel(r.Context()))
	}

	opts := h.defaults
	opts.Compare = opts.Compare || req.Compare
	if len(req.Statistics) > 0 {
		opts.Statistics = req.Statistics
	}
	opts.CampaignIDs = req.CampaignIDs
	opts.FlowIDs = req.FlowIDs

	data, err := h.runner.Run(r.Context(), window, opts)
	if err != nil {
		if errors.Is(err, klaviyo.ErrNoConversionMetric) {
			httputil.Error(w, http.StatusUnprocessableEntity,
				"no conversion metric found for this account")
			return
		}
		var apiErr *klaviyo.APIError
		if errors.As(err, &apiErr) && klaviyo.IsClientError(err) {
			httputil.Error(w, http.StatusBadGateway,
				"upstream rejected the request: "+apiErr.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}

	resp := generateReportResponse{Report: data}
	if req.Narrative && h.narrative != nil {
		text, err := h.narrative.Generate(r.Context(), data)
		if err != nil {
			// Narrative failure never withholds the figures.
			logger.Warn("narrative generation failed", "run_id", data.RunID, "error", err.Error())
			data.Diagnostics = append(data.Diagnostics, "narrative generation failed: "+err.Error())
		} else {
			resp.Narrative = text
		}
	}

	if h.archive != nil {
		if err := h.archive.Save(r.Context(), data); err != nil {
			logger.Warn("report archive failed", "run_id", data.RunID, "error", err.Error())
		}
	}

	httputil.OK(w, resp)
}

// GetArchivedReport handles GET /api/reports/{window}/{runID}.
func (h *Handlers) GetArchivedReport(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		httputil.Error(w, http.StatusNotImplemented, "report archive is not configured")
		return
	}
	window := chi.URLParam(r, "window")
	runID := chi.URLParam(r, "runID")

	data, err := h.archive.Load(r.Context(), h.accountKey, window, runID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if data == nil {
		httputil.NotFound(w, "no archived report for "+window+"/"+runID)
		return
	}
	httputil.OK(w, data)
}

// GetConversionMetric handles GET /api/conversion-metric.
func (h *Handlers) GetConversionMetric(w http.ResponseWriter, r *http.Request) {
	metric, err := h.resolver.Resolve(r.Context())
	if err != nil {
		if errors.Is(err, klaviyo.ErrNoConversionMetric) {
			httputil.NotFound(w, "no conversion metric found for this account")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, metric)
}

func parseWindow(start, end, timezone string) (report.TimeWindow, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return report.TimeWindow{}, errors.New("unknown timezone: " + timezone)
		}
	}
	s, err := time.ParseInLocation("2006-01-02", start, loc)
	if err != nil {
		return report.TimeWindow{}, errors.New("start must be YYYY-MM-DD")
	}
	e, err := time.ParseInLocation("2006-01-02", end, loc)
	if err != nil {
		return report.TimeWindow{}, errors.New("end must be YYYY-MM-DD")
	}
	return report.NewTimeWindow(s, e, timezone)
}
