package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
	"github.com/ignite/klaviyo-insights/internal/report"
)

type stubRunner struct {
	lastWindow report.TimeWindow
	lastOpts   report.Options
	data       *report.NormalizedReportData
	err        error
}

func (s *stubRunner) Run(ctx context.Context, window report.TimeWindow, opts report.Options) (*report.NormalizedReportData, error) {
	s.lastWindow = window
	s.lastOpts = opts
	return s.data, s.err
}

type stubNarrative struct {
	text string
	err  error
}

func (s *stubNarrative) Generate(ctx context.Context, data *report.NormalizedReportData) (string, error) {
	return s.text, s.err
}

type stubArchive struct {
	saved  *report.NormalizedReportData
	stored map[string]*report.NormalizedReportData
}

func (s *stubArchive) Save(ctx context.Context, data *report.NormalizedReportData) error {
	s.saved = data
	return nil
}

func (s *stubArchive) Load(ctx context.Context, accountKey, window, runID string) (*report.NormalizedReportData, error) {
	return s.stored[window+"/"+runID], nil
}

func sampleReportData() *report.NormalizedReportData {
	return &report.NormalizedReportData{
		RunID:      "run-42",
		AccountKey: "acct",
		Summary: report.RevenueSummary{
			TotalRevenue:      2000,
			AttributedRevenue: 800,
			KAVPercentage:     40,
		},
		GeneratedAt: time.Now().UTC(),
	}
}

func newTestServer(runner *stubRunner) (*Handlers, *httptest.Server) {
	h := NewHandlers(runner, nil, "acct", report.Options{BatchSize: 10})
	srv := httptest.NewServer(SetupRoutes(h))
	return h, srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func TestHealthCheck(t *testing.T) {
	_, srv := newTestServer(&stubRunner{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestGenerateReport(t *testing.T) {
	runner := &stubRunner{data: sampleReportData()}
	h, srv := newTestServer(runner)
	defer srv.Close()

	archive := &stubArchive{}
	h.SetArchive(archive)
	h.SetNarrative(&stubNarrative{text: "Email drove 40% of revenue."})

	resp := postJSON(t, srv.URL+"/api/reports/generate", map[string]interface{}{
		"start":     "2026-08-01",
		"end":       "2026-08-31",
		"compare":   true,
		"narrative": true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body generateReportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "run-42", body.Report.RunID)
	assert.Equal(t, "Email drove 40% of revenue.", body.Narrative)

	assert.True(t, runner.lastOpts.Compare)
	assert.Equal(t, 10, runner.lastOpts.BatchSize, "server defaults carry through")
	assert.Equal(t, "2026-08-01", runner.lastWindow.Start.Format("2006-01-02"))

	require.NotNil(t, archive.saved)
	assert.Equal(t, "run-42", archive.saved.RunID)
}

func TestGenerateReportNarrativeFailureDegrades(t *testing.T) {
	runner := &stubRunner{data: sampleReportData()}
	h, srv := newTestServer(runner)
	defer srv.Close()
	h.SetNarrative(&stubNarrative{err: errors.New("model unavailable")})

	resp := postJSON(t, srv.URL+"/api/reports/generate", map[string]interface{}{
		"start": "2026-08-01", "end": "2026-08-31", "narrative": true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body generateReportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Narrative)
	require.NotEmpty(t, body.Report.Diagnostics)
	assert.Contains(t, body.Report.Diagnostics[0], "narrative generation failed")
}

func TestGenerateReportInvalidWindow(t *testing.T) {
	_, srv := newTestServer(&stubRunner{})
	defer srv.Close()

	cases := []map[string]interface{}{
		{"start": "2026-08-31", "end": "2026-08-01"},
		{"start": "not-a-date", "end": "2026-08-31"},
		{"start": "2026-08-01", "end": "2026-08-31", "timezone": "Mars/Olympus"},
	}
	for _, c := range cases {
		resp := postJSON(t, srv.URL+"/api/reports/generate", c)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestGenerateReportNoConversionMetric(t *testing.T) {
	runner := &stubRunner{err: klaviyo.ErrNoConversionMetric}
	_, srv := newTestServer(runner)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/reports/generate", map[string]interface{}{
		"start": "2026-08-01", "end": "2026-08-31",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetArchivedReport(t *testing.T) {
	h, srv := newTestServer(&stubRunner{})
	defer srv.Close()
	h.SetArchive(&stubArchive{stored: map[string]*report.NormalizedReportData{
		"2026-08-01..2026-08-31/run-42": sampleReportData(),
	}})

	resp, err := http.Get(srv.URL + "/api/reports/2026-08-01..2026-08-31/run-42")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	missing, err := http.Get(srv.URL + "/api/reports/2026-08-01..2026-08-31/run-99")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestGetArchivedReportUnconfigured(t *testing.T) {
	_, srv := newTestServer(&stubRunner{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/reports/2026-08-01..2026-08-31/run-42")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
