// Package narrative turns a finished report into prose via AWS Bedrock.
// The model only ever sees the normalized figures, never raw API responses
// or credentials.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
	"github.com/ignite/klaviyo-insights/internal/report"
)

// ModelInvoker is the slice of the Bedrock runtime client the generator
// needs. Tests substitute a canned implementation.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Generator produces report narratives with a Bedrock-hosted model.
type Generator struct {
	client  ModelInvoker
	modelID string
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewGenerator creates a Bedrock-backed narrative generator.
func NewGenerator(ctx context.Context, modelID string) (*Generator, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if modelID == "" {
		modelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	logger.Info("narrative generator initialized", "model", modelID, "region", region)
	return &Generator{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// NewGeneratorWithClient wires an explicit invoker, used by tests.
func NewGeneratorWithClient(client ModelInvoker, modelID string) *Generator {
	return &Generator{client: client, modelID: modelID}
}

const systemPrompt = `You are an email marketing analyst writing a revenue attribution summary for a store owner. You receive reconciled figures from their email platform.

## Definitions
- Attributed revenue: revenue credited to a specific campaign or flow send (single-touch).
- Total revenue: all conversion revenue in the period, regardless of channel (multi-touch).
- KAV: attributed revenue as a percentage of total revenue.

## Guidelines
1. Lead with the headline numbers: total revenue, attributed revenue, KAV.
2. Call out the top revenue drivers by name.
3. When growth figures are marked "n/a", say the prior period had no baseline; never invent a percentage.
4. If diagnostics are present, mention the data caveats plainly.
5. Keep it under 300 words, no markdown headers.`

// Generate writes a narrative for the report.
func (g *Generator) Generate(ctx context.Context, data *report.NormalizedReportData) (string, error) {
	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1500,
		System:           systemPrompt,
		Messages: []bedrockMessage{
			{
				Role:    "user",
				Content: []bedrockContentBlock{{Type: "text", Text: BuildPrompt(data)}},
			},
		},
		Temperature: 0.4,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := g.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return "", fmt.Errorf("Bedrock API error: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, content := range response.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("Bedrock returned no text content (stop reason %q)", response.StopReason)
	}

	logger.Debug("narrative generated",
		"run_id", data.RunID,
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens)
	return text.String(), nil
}

// BuildPrompt renders the report figures into the model's input. Exported so
// the fallback text path and tests share the exact rendering.
func BuildPrompt(data *report.NormalizedReportData) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Reporting Period\n%s (conversion metric: %s via %s)\n\n",
		data.Window, data.ConversionMetric.ResolvedName, data.ConversionMetric.IntegrationSource)

	s := data.Summary
	fmt.Fprintf(&b, "## Revenue\n")
	fmt.Fprintf(&b, "- Total revenue: $%.2f\n", s.TotalRevenue)
	fmt.Fprintf(&b, "- Attributed revenue: $%.2f (campaigns $%.2f, flows $%.2f)\n",
		s.AttributedRevenue, s.CampaignRevenue, s.FlowRevenue)
	if s.InsufficientData {
		b.WriteString("- KAV: insufficient data\n")
	} else {
		fmt.Fprintf(&b, "- KAV: %.1f%%\n", s.KAVPercentage)
	}

	if cmp := data.Comparison; cmp != nil {
		fmt.Fprintf(&b, "\n## Versus Previous Period (%s)\n", cmp.PreviousWindow)
		fmt.Fprintf(&b, "- Total revenue growth: %s\n", formatGrowth(cmp.Growth.TotalRevenuePct))
		fmt.Fprintf(&b, "- Attributed revenue growth: %s\n", formatGrowth(cmp.Growth.AttributedRevenuePct))
		fmt.Fprintf(&b, "- Campaign revenue growth: %s\n", formatGrowth(cmp.Growth.CampaignRevenuePct))
		fmt.Fprintf(&b, "- Flow revenue growth: %s\n", formatGrowth(cmp.Growth.FlowRevenuePct))
	}

	writeEntities(&b, "Top Campaigns", data.Campaigns)
	writeEntities(&b, "Top Flows", data.Flows)

	if len(data.Diagnostics) > 0 {
		b.WriteString("\n## Data Caveats\n")
		for _, d := range data.Diagnostics {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	return b.String()
}

func writeEntities(b *strings.Builder, heading string, entities []report.EntitySummary) {
	if len(entities) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n", heading)
	for i, e := range entities {
		if i >= 5 {
			break
		}
		fmt.Fprintf(b, "- %s: $%.2f revenue, %.0f conversions, %.1f%% open rate\n",
			e.Name, e.Revenue, e.Conversions, e.OpenRate*100)
	}
}

// formatGrowth renders a growth pointer, with nil meaning no baseline.
func formatGrowth(pct *float64) string {
	if pct == nil {
		return "n/a (no prior-period baseline)"
	}
	return fmt.Sprintf("%+.1f%%", *pct)
}
