package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the pipeline configuration, constructed once and passed into
// the orchestrator and sink constructors. No process-wide mutable state.
type Config struct {
	ProjectID string `yaml:"project_id"`
	DatasetID string `yaml:"dataset_id"`
	Location  string `yaml:"location"`

	InputDir     string `yaml:"input_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	FailedDir    string `yaml:"failed_dir"`

	BatchSize int `yaml:"batch_size"`
	Workers   int `yaml:"workers"`

	GCSArtifactBucket string `yaml:"gcs_artifact_bucket"`
	SentryDSN         string `yaml:"sentry_dsn"`
	LogLevel          string `yaml:"log_level"`
}

// LoadConfig reads configuration from environment variables, optionally
// overlaid by a YAML file. File values win over environment values so a
// checked-in config is reproducible.
func LoadConfig(path string) (*Config, error) {
	projectID := os.Getenv("BIGQUERY_PROJECT_ID")
	if projectID == "" {
		projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}

	cfg := &Config{
		ProjectID:         projectID,
		DatasetID:         envOr("BIGQUERY_DATASET", "fitness_data"),
		Location:          envOr("BIGQUERY_LOCATION", "US"),
		InputDir:          envOr("INPUT_DIR", "files"),
		ProcessedDir:      envOr("PROCESSED_DIR", "processed"),
		FailedDir:         envOr("FAILED_DIR", "failed"),
		BatchSize:         envInt("BATCH_SIZE", 1000),
		Workers:           envInt("WORKERS", 1),
		GCSArtifactBucket: os.Getenv("GCS_ARTIFACT_BUCKET"),
		SentryDSN:         os.Getenv("SENTRY_DSN"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	return cfg, nil
}

// Validate aggregates all configuration errors instead of stopping at the
// first, so a misconfigured deployment is fixable in one pass.
func (c *Config) Validate() error {
	var problems []string
	if c.ProjectID == "" {
		problems = append(problems, "project_id not set (BIGQUERY_PROJECT_ID)")
	}
	if c.DatasetID == "" {
		problems = append(problems, "dataset_id not set")
	}
	if c.InputDir == "" {
		problems = append(problems, "input_dir not set")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if c.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(problems, ", "))
	}
	return nil
}

// EnsureDirs creates the staging and terminal directories if absent.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.InputDir, c.ProcessedDir, c.FailedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// GetSlogHandlerOptions returns standard handler options for GCP
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// NewLogger builds the process logger at the configured level.
func NewLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, GetSlogHandlerOptions(level))).
		With("service", "warehouse")
}
