package narrative

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/klaviyo-insights/internal/klaviyo"
	"github.com/ignite/klaviyo-insights/internal/report"
)

type stubInvoker struct {
	lastInput *bedrockruntime.InvokeModelInput
	response  string
}

func (s *stubInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.lastInput = params
	body, _ := json.Marshal(map[string]interface{}{
		"content":     []map[string]string{{"type": "text", "text": s.response}},
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 500, "output_tokens": 120},
	})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func sampleReport() *report.NormalizedReportData {
	growth := 42.5
	return &report.NormalizedReportData{
		RunID: "run-1",
		Window: report.TimeWindow{
			Start:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			End:      time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
			Timezone: "UTC",
		},
		ConversionMetric: klaviyo.ConversionMetric{
			MetricID: "WJQs6L", ResolvedName: "Placed Order", IntegrationSource: "Shopify",
		},
		Summary: report.RevenueSummary{
			TotalRevenue:      20000,
			AttributedRevenue: 8000,
			CampaignRevenue:   5000,
			FlowRevenue:       3000,
			KAVPercentage:     40,
		},
		Comparison: &report.PeriodComparison{
			Growth: report.GrowthRates{
				TotalRevenuePct: &growth,
				// Flow baseline was zero.
				FlowRevenuePct: nil,
			},
		},
		Campaigns: []report.EntitySummary{
			{Name: "August Promo", Revenue: 3200, Conversions: 64, OpenRate: 0.41},
		},
		Flows: []report.EntitySummary{
			{Name: "Welcome Series", Revenue: 1800, Conversions: 40, OpenRate: 0.55},
		},
		Diagnostics: []string{"flow statistics batch 1 failed (10 entities: f11..f20): status 502"},
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(sampleReport())

	assert.Contains(t, prompt, "2026-08-01..2026-08-31")
	assert.Contains(t, prompt, "Placed Order")
	assert.Contains(t, prompt, "Total revenue: $20000.00")
	assert.Contains(t, prompt, "KAV: 40.0%")
	assert.Contains(t, prompt, "Total revenue growth: +42.5%")
	assert.Contains(t, prompt, "Flow revenue growth: n/a (no prior-period baseline)")
	assert.Contains(t, prompt, "August Promo: $3200.00 revenue")
	assert.Contains(t, prompt, "Data Caveats")
	assert.Contains(t, prompt, "batch 1 failed")
}

func TestBuildPromptInsufficientData(t *testing.T) {
	data := sampleReport()
	data.Summary.InsufficientData = true
	data.Comparison = nil

	prompt := BuildPrompt(data)
	assert.Contains(t, prompt, "KAV: insufficient data")
	assert.NotContains(t, prompt, "Versus Previous Period")
}

func TestGenerate(t *testing.T) {
	stub := &stubInvoker{response: "Your email program drove $8,000 of $20,000 total revenue (40% KAV)."}
	g := NewGeneratorWithClient(stub, "anthropic.claude-3-sonnet-20240229-v1:0")

	text, err := g.Generate(context.Background(), sampleReport())
	require.NoError(t, err)
	assert.Contains(t, text, "40% KAV")

	require.NotNil(t, stub.lastInput)
	assert.Equal(t, "anthropic.claude-3-sonnet-20240229-v1:0", *stub.lastInput.ModelId)

	var req bedrockRequest
	require.NoError(t, json.Unmarshal(stub.lastInput.Body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req.AnthropicVersion)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content[0].Text, "Attributed revenue")
}

func TestGenerateEmptyResponse(t *testing.T) {
	stub := &stubInvoker{response: ""}
	g := NewGeneratorWithClient(stub, "model")

	_, err := g.Generate(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no text content")
}
