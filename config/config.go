package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Asset mirror backends
const (
	MirrorNone  = "none"
	MirrorS3    = "s3"
	MirrorMinIO = "minio"
)

// Config holds the application configuration
type Config struct {
	// Server
	ServerPort string
	LogLevel   string

	// Campaigns. When DatabaseURL is set campaigns are read from Postgres,
	// otherwise from CampaignDir.
	DatabaseURL string
	CampaignDir string

	// Pipeline
	PipelineSpec   string
	AssetURLPrefix string

	// Asset mirror
	AssetMirror string
	AssetBucket string

	// AWS
	AWSRegion string

	// MinIO
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseSSL    bool
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		CampaignDir:    getEnv("CAMPAIGN_DIR", "campaigns"),
		PipelineSpec:   getEnv("PIPELINE_SPEC", "pipeline.yaml"),
		AssetURLPrefix: getEnv("ASSET_URL_PREFIX", "/assets"),
		AssetMirror:    strings.ToLower(getEnv("ASSET_MIRROR", MirrorNone)),
		AssetBucket:    getEnv("ASSET_BUCKET", ""),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:    getEnvBool("MINIO_USE_SSL", false),
	}
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.ServerPort); err != nil {
		return fmt.Errorf("invalid SERVER_PORT %q", c.ServerPort)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.AssetMirror {
	case MirrorNone:
	case MirrorS3:
		if c.AssetBucket == "" {
			return fmt.Errorf("ASSET_BUCKET is required for the s3 asset mirror")
		}
	case MirrorMinIO:
		if c.AssetBucket == "" || c.MinIOEndpoint == "" {
			return fmt.Errorf("ASSET_BUCKET and MINIO_ENDPOINT are required for the minio asset mirror")
		}
	default:
		return fmt.Errorf("invalid ASSET_MIRROR %q (want none, s3 or minio)", c.AssetMirror)
	}
	return nil
}

// ParseLogLevel maps LOG_LEVEL to a slog level
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", level)
	}
	return l, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
