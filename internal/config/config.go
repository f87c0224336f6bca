// Package config provides configuration management for the capture-api
// service and worker.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Preview store kinds.
const (
	StoreLocal = "local"
	StoreMinio = "minio"
)

// Config holds all configuration for capture-api.
type Config struct {
	// Server settings
	Port string

	// Database settings
	DatabaseURL    string
	DatabaseDriver string
	MigrationsPath string

	// Temporal settings
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	// Auth settings
	JWKSUrl      string
	AuthIssuer   string
	AuthAudience string
	AuthDebug    bool

	// Clone settings
	CloneDispatchDelay time.Duration
	CloneChunkSize     int
	CloneParallelism   int
	// CloneUnitsPerSecond throttles unit copies per worker. Zero disables it.
	CloneUnitsPerSecond float64

	// Preview settings
	PreviewRoot     string
	PreviewFormat   string
	PreviewCron     string
	PreviewTimezone string
	PreviewStore    string

	PreviewMinioEndpoint  string
	PreviewMinioBucket    string
	PreviewMinioAccessKey string
	PreviewMinioSecretKey string
	PreviewMinioRegion    string

	// Worker settings
	WorkerHealthAddr string

	// LogDebug enables debug records.
	LogDebug bool
}

// Load reads configuration from environment variables with sensible
// defaults. When CAPTURE_CONFIG_FILE names a YAML file of the same keys, its
// values replace the defaults; environment variables still win.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CAPTURE_CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		Port: src.getEnv("CAPTURE_API_PORT", "4020"),

		DatabaseURL:    src.getEnv("DATABASE_URL", ""),
		DatabaseDriver: src.getEnv("DATABASE_DRIVER", "pgx"),
		MigrationsPath: src.getEnv("CAPTURE_MIGRATIONS_PATH", "./migrations"),

		TemporalAddress:   src.getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace: src.getEnv("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: src.getEnv("TEMPORAL_TASK_QUEUE", "capture"),

		JWKSUrl:      src.getEnv("AUTH_JWKS_URL", ""),
		AuthIssuer:   src.getEnv("AUTH_ISSUER", ""),
		AuthAudience: src.getEnv("AUTH_AUDIENCE", ""),
		AuthDebug:    src.getEnvBool("CAPTURE_AUTH_DEBUG", false),

		CloneDispatchDelay:  src.getEnvDuration("CLONE_DISPATCH_DELAY", 500*time.Millisecond),
		CloneChunkSize:      src.getEnvInt("CLONE_CHUNK_SIZE", 50),
		CloneParallelism:    src.getEnvInt("CLONE_PARALLELISM", 4),
		CloneUnitsPerSecond: src.getEnvFloat("CLONE_UNITS_PER_SECOND", 0),

		PreviewRoot:     src.getEnv("PREVIEW_ROOT", "./previews"),
		PreviewFormat:   src.getEnv("PREVIEW_FORMAT", "svg"),
		PreviewCron:     src.getEnv("PREVIEW_CRON", "*/1 * * * *"),
		PreviewTimezone: src.getEnv("PREVIEW_TIMEZONE", "UTC"),
		PreviewStore:    src.getEnv("PREVIEW_STORE", StoreLocal),

		PreviewMinioEndpoint:  src.getEnv("PREVIEW_MINIO_ENDPOINT", ""),
		PreviewMinioBucket:    src.getEnv("PREVIEW_MINIO_BUCKET", "previews"),
		PreviewMinioAccessKey: src.getEnv("PREVIEW_MINIO_ACCESS_KEY", ""),
		PreviewMinioSecretKey: src.getEnv("PREVIEW_MINIO_SECRET_KEY", ""),
		PreviewMinioRegion:    src.getEnv("PREVIEW_MINIO_REGION", "us-east-1"),

		WorkerHealthAddr: src.getEnv("WORKER_HEALTH_ADDR", ":4021"),

		LogDebug: src.getEnvBool("CAPTURE_LOG_DEBUG", false),
	}
	return cfg, nil
}

// Validate rejects settings the clone and preview jobs cannot run with.
func (c *Config) Validate() error {
	if c.CloneChunkSize < 1 {
		return fmt.Errorf("CLONE_CHUNK_SIZE must be positive, got %d", c.CloneChunkSize)
	}
	if c.CloneParallelism < 1 {
		return fmt.Errorf("CLONE_PARALLELISM must be positive, got %d", c.CloneParallelism)
	}
	if c.CloneUnitsPerSecond < 0 {
		return fmt.Errorf("CLONE_UNITS_PER_SECOND must not be negative, got %v", c.CloneUnitsPerSecond)
	}
	if c.CloneDispatchDelay < 0 {
		return fmt.Errorf("CLONE_DISPATCH_DELAY must not be negative, got %s", c.CloneDispatchDelay)
	}
	switch c.DatabaseDriver {
	case "pgx", "postgres":
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.PreviewStore {
	case StoreLocal:
		if c.PreviewRoot == "" {
			return fmt.Errorf("PREVIEW_ROOT is required for the local preview store")
		}
	case StoreMinio:
		if c.PreviewMinioEndpoint == "" {
			return fmt.Errorf("PREVIEW_MINIO_ENDPOINT is required for the minio preview store")
		}
	default:
		return fmt.Errorf("unknown PREVIEW_STORE %q", c.PreviewStore)
	}
	if c.PreviewFormat != "svg" {
		return fmt.Errorf("unsupported PREVIEW_FORMAT %q", c.PreviewFormat)
	}
	if _, err := time.LoadLocation(c.PreviewTimezone); err != nil {
		return fmt.Errorf("invalid PREVIEW_TIMEZONE %q: %w", c.PreviewTimezone, err)
	}
	return nil
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

func (s source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getEnvBool(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getEnvInt(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getEnvFloat(key string, defaultValue float64) float64 {
	if value := s.lookup(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
