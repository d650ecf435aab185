package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Klaviyo   KlaviyoConfig   `yaml:"klaviyo"`
	Redis     RedisConfig     `yaml:"redis"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Reporting ReportingConfig `yaml:"reporting"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// KlaviyoConfig holds Klaviyo API configuration
type KlaviyoConfig struct {
	APIKey               string `yaml:"api_key"`
	BaseURL              string `yaml:"base_url"`
	Revision             string `yaml:"revision"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	MaxRetries           int    `yaml:"max_retries"`
	PreferredIntegration string `yaml:"preferred_integration"`
	Timezone             string `yaml:"timezone"`
}

// Timeout returns the configured timeout as a duration
func (c KlaviyoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RedisConfig holds Redis configuration for the upstream request gate
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// BedrockConfig holds AWS Bedrock configuration for narrative generation
type BedrockConfig struct {
	ModelID string `yaml:"model_id"`
	Region  string `yaml:"region"`
	Enabled bool   `yaml:"enabled"`
}

// ArchiveConfig holds S3 report archive configuration
type ArchiveConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	Enabled  bool   `yaml:"enabled"`
}

// ReportingConfig holds statistics pipeline tuning knobs
type ReportingConfig struct {
	BatchSize         int     `yaml:"batch_size"`
	BatchDelaySeconds int     `yaml:"batch_delay_seconds"`
	KAVTolerancePct   float64 `yaml:"kav_tolerance_pct"`
	ComparisonEnabled bool    `yaml:"comparison_enabled"`
}

// BatchDelay returns the inter-batch delay as a duration
func (c ReportingConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelaySeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Klaviyo.BaseURL == "" {
		cfg.Klaviyo.BaseURL = "https://a.klaviyo.com/api"
	}
	if cfg.Klaviyo.Revision == "" {
		cfg.Klaviyo.Revision = "2024-10-15"
	}
	if cfg.Klaviyo.TimeoutSeconds == 0 {
		cfg.Klaviyo.TimeoutSeconds = 60
	}
	if cfg.Klaviyo.MaxRetries == 0 {
		cfg.Klaviyo.MaxRetries = 3
	}
	if cfg.Klaviyo.PreferredIntegration == "" {
		cfg.Klaviyo.PreferredIntegration = "Shopify"
	}
	if cfg.Klaviyo.Timezone == "" {
		cfg.Klaviyo.Timezone = "UTC"
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Reporting.BatchSize == 0 {
		cfg.Reporting.BatchSize = 10
	}
	if cfg.Reporting.BatchDelaySeconds == 0 {
		cfg.Reporting.BatchDelaySeconds = 5
	}
	if cfg.Reporting.KAVTolerancePct == 0 {
		cfg.Reporting.KAVTolerancePct = 0.5
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if apiKey := os.Getenv("KLAVIYO_API_KEY"); apiKey != "" {
		cfg.Klaviyo.APIKey = apiKey
	}
	if baseURL := os.Getenv("KLAVIYO_BASE_URL"); baseURL != "" {
		cfg.Klaviyo.BaseURL = baseURL
	}
	if revision := os.Getenv("KLAVIYO_REVISION"); revision != "" {
		cfg.Klaviyo.Revision = revision
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if bucket := os.Getenv("ARCHIVE_S3_BUCKET"); bucket != "" {
		cfg.Archive.S3Bucket = bucket
	}
	if region := os.Getenv("ARCHIVE_S3_REGION"); region != "" {
		cfg.Archive.S3Region = region
	}
	if model := os.Getenv("BEDROCK_MODEL_ID"); model != "" {
		cfg.Bedrock.ModelID = model
	}

	return cfg, nil
}
