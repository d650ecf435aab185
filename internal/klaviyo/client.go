package klaviyo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/klaviyo-insights/internal/pkg/httpretry"
	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
	"github.com/ignite/klaviyo-insights/internal/pkg/ratelimit"
)

const maxLoggedBody = 512

// Client is the Klaviyo API client. It is the single entry point to the
// upstream API: every call passes through the shared rate-limit gate before
// being dispatched, so concurrent fetchers cannot blow the account budget.
type Client struct {
	baseURL    string
	apiKey     string
	revision   string
	accountKey string
	httpClient httpretry.HTTPDoer
	gate       ratelimit.Gate
}

// NewClient creates a new Klaviyo API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		revision:   cfg.Revision,
		accountKey: hashAccountKey(cfg.APIKey),
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, cfg.MaxRetries),
		gate: ratelimit.NewLocalGate(0),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// SetGate replaces the default in-process request gate, e.g. with the
// Redis-backed gate when multiple processes share one API key.
func (c *Client) SetGate(gate ratelimit.Gate) {
	if gate != nil {
		c.gate = gate
	}
}

// AccountKey returns a stable, non-secret identifier for the account this
// client is bound to. It discriminates caches and rate-limit counters when
// the process serves multiple accounts.
func (c *Client) AccountKey() string {
	return c.accountKey
}

// hashAccountKey derives a short stable id from the API key without ever
// exposing the key itself.
func hashAccountKey(apiKey string) string {
	h := fnv.New64a()
	h.Write([]byte(apiKey))
	return fmt.Sprintf("%x", h.Sum64())
}

// doRequest performs an authenticated request to the Klaviyo API and
// classifies any failure. The retry client handles 429/5xx retries and
// Retry-After internally; whatever status survives retries is classified here.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	var logged string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
		logged = truncate(string(jsonBody), maxLoggedBody)
	}

	if err := c.gate.Wait(ctx, c.accountKey); err != nil {
		return nil, fmt.Errorf("rate limit gate: %w", err)
	}

	logger.Debug("klaviyo request", "method", method, "path", path, "body", logged)

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Klaviyo-API-Key "+c.apiKey)
	req.Header.Set("revision", c.revision)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Path:       path,
			Body:       truncate(string(respBody), maxLoggedBody),
		}
	}

	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ========== Entity listing ==========

// GetCampaigns retrieves all email campaigns, following cursor pagination.
func (c *Client) GetCampaigns(ctx context.Context) ([]Campaign, error) {
	params := url.Values{}
	params.Set("filter", `equals(messages.channel,'email')`)
	params.Set("fields[campaign]", "name,status,send_time")
	path := "/campaigns/?" + params.Encode()

	var campaigns []Campaign
	for path != "" {
		respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var response campaignsResponse
		if err := json.Unmarshal(respBody, &response); err != nil {
			return nil, fmt.Errorf("failed to parse campaigns response: %w", err)
		}

		for _, res := range response.Data {
			campaign := Campaign{
				ID:      res.ID,
				Name:    res.Attributes.Name,
				Status:  normalizeStatus(res.Attributes.Status),
				Channel: res.Attributes.Channel,
			}
			if res.Attributes.SendTime != nil {
				campaign.SendTime = *res.Attributes.SendTime
			}
			campaigns = append(campaigns, campaign)
		}

		path = nextPath(response.Links.Next, c.baseURL)
	}

	return campaigns, nil
}

// GetFlows retrieves all flows, following cursor pagination.
func (c *Client) GetFlows(ctx context.Context) ([]Flow, error) {
	params := url.Values{}
	params.Set("fields[flow]", "name,status,created,updated")
	path := "/flows/?" + params.Encode()

	var flows []Flow
	for path != "" {
		respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var response flowsResponse
		if err := json.Unmarshal(respBody, &response); err != nil {
			return nil, fmt.Errorf("failed to parse flows response: %w", err)
		}

		for _, res := range response.Data {
			flow := Flow{
				ID:     res.ID,
				Name:   res.Attributes.Name,
				Status: normalizeStatus(res.Attributes.Status),
			}
			if res.Attributes.Created != nil {
				flow.Created = *res.Attributes.Created
			}
			if res.Attributes.Updated != nil {
				flow.Updated = *res.Attributes.Updated
			}
			flows = append(flows, flow)
		}

		path = nextPath(response.Links.Next, c.baseURL)
	}

	return flows, nil
}

// normalizeStatus folds upstream status strings into the EntityStatus enum.
// Klaviyo reports campaign statuses like "Sent" and flow statuses like
// "live"/"draft"/"archived" depending on revision.
func normalizeStatus(raw string) EntityStatus {
	switch strings.ToLower(raw) {
	case "draft":
		return StatusDraft
	case "archived":
		return StatusArchived
	default:
		return StatusLive
	}
}

// nextPath converts an absolute links.next URL into a path+query relative to
// the client base URL. Returns "" when there is no next page.
func nextPath(next, baseURL string) string {
	if next == "" {
		return ""
	}
	if strings.HasPrefix(next, baseURL) {
		return strings.TrimPrefix(next, baseURL)
	}
	// Fall back to parsing the URL if the host differs (e.g. test servers).
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	p := strings.TrimPrefix(u.Path, "/api")
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// ========== Metric lookup ==========

// GetMetricsByName retrieves metric definitions matching the given name.
// Multiple metrics can share a name when several integrations track the same
// event; the resolver disambiguates by integration source.
func (c *Client) GetMetricsByName(ctx context.Context, name string) ([]Metric, error) {
	params := url.Values{}
	params.Set("filter", fmt.Sprintf("equals(name,%q)", name))
	path := "/metrics/?" + params.Encode()

	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var response metricsResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse metrics response: %w", err)
	}

	metrics := make([]Metric, 0, len(response.Data))
	for _, res := range response.Data {
		metrics = append(metrics, Metric{
			ID:          res.ID,
			Name:        res.Attributes.Name,
			Integration: res.Attributes.Integration.Name,
		})
	}

	return metrics, nil
}

// ========== Reporting endpoints ==========

// QueryCampaignValues runs one campaign values report. Results are
// single-touch attributed: each conversion is credited to exactly one
// campaign, never double-counted against a flow.
func (c *Client) QueryCampaignValues(ctx context.Context, attrs ValuesRequestAttributes) ([]ValuesRow, error) {
	return c.queryValues(ctx, "/campaign-values-reports/", "campaign-values-report", attrs)
}

// QueryFlowValues runs one flow values report (single-touch, flow-scoped).
func (c *Client) QueryFlowValues(ctx context.Context, attrs ValuesRequestAttributes) ([]ValuesRow, error) {
	return c.queryValues(ctx, "/flow-values-reports/", "flow-values-report", attrs)
}

func (c *Client) queryValues(ctx context.Context, path, reportType string, attrs ValuesRequestAttributes) ([]ValuesRow, error) {
	request := ValuesRequest{
		Data: ValuesRequestData{
			Type:       reportType,
			Attributes: attrs,
		},
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, path, request)
	if err != nil {
		return nil, err
	}

	var response ValuesResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse values report response: %w", err)
	}

	return response.Data.Attributes.Results, nil
}

// QueryMetricAggregates runs one metric-aggregates query. This is the only
// endpoint that accepts exact datetime ranges, and its figures are
// multi-touch: a conversion may be credited to several channels at once.
// Never sum these with values-report revenue.
func (c *Client) QueryMetricAggregates(ctx context.Context, attrs AggregateRequestAttributes) (*AggregateResponse, error) {
	request := AggregateRequest{
		Data: AggregateRequestData{
			Type:       "metric-aggregate",
			Attributes: attrs,
		},
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/metric-aggregates/", request)
	if err != nil {
		return nil, err
	}

	var response AggregateResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse metric aggregates response: %w", err)
	}

	return &response, nil
}
