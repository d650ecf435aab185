package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
)

// S3Archive persists finished reports to S3 so historical runs survive
// restarts and can be re-rendered without re-querying the upstream API.
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive creates an archive writer against the given bucket.
func NewS3Archive(ctx context.Context, bucket, region string) (*S3Archive, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for report archive: %w", err)
	}
	return &S3Archive{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// key builds the object key: reports/<account>/<window>/<runID>.json.
func (a *S3Archive) key(report *NormalizedReportData) string {
	return fmt.Sprintf("reports/%s/%s/%s.json",
		report.AccountKey, report.Window.String(), report.RunID)
}

// Save writes a report to S3.
func (a *S3Archive) Save(ctx context.Context, report *NormalizedReportData) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report %s: %w", report.RunID, err)
	}

	key := a.key(report)
	contentType := "application/json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", a.bucket, key, err)
	}

	logger.Info("report archived", "run_id", report.RunID, "key", key, "bytes", len(body))
	return nil
}

// Load retrieves an archived report by account key, window, and run ID.
// Returns nil (not an error) when no such object exists.
func (a *S3Archive) Load(ctx context.Context, accountKey, window, runID string) (*NormalizedReportData, error) {
	key := fmt.Sprintf("reports/%s/%s/%s.json", accountKey, window, runID)
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", a.bucket, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading archived report body: %w", err)
	}
	var report NormalizedReportData
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("unmarshaling archived report: %w", err)
	}
	return &report, nil
}

// isNotFound reports whether an S3 error means the object does not exist.
func isNotFound(err error) bool {
	s := err.Error()
	for _, keyword := range []string{"NoSuchKey", "NotFound", "404"} {
		if strings.Contains(s, keyword) {
			return true
		}
	}
	return false
}
