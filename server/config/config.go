package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"

	SourceFiles    = "files"
	SourceRegistry = "registry"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Model    ModelConfig    `json:"model"`
	Security SecurityConfig `json:"security"`
	Cache    CacheConfig    `json:"cache"`
	Batch    BatchConfig    `json:"batch"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Environment     string        `json:"environment"`
}

// ModelConfig says where the bundle comes from. Source "files" reads the
// artifact and metadata paths; "registry" reads the sqlite registry, pinned
// to RegistryVersion or the active version. Backend "remote" scores through
// the scoring service at RemoteURL, with metadata still read locally.
type ModelConfig struct {
	Backend             string        `json:"backend"`
	Source              string        `json:"source"`
	ArtifactPath        string        `json:"artifact_path"`
	MetadataPath        string        `json:"metadata_path"`
	RegistryPath        string        `json:"registry_path"`
	RegistryVersion     string        `json:"registry_version"`
	RemoteURL           string        `json:"remote_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type SecurityConfig struct {
	JWTSecretKey        string        `json:"-"`
	AllowedOrigins      []string      `json:"allowed_origins"`
	MetricsAllowedIPs   []string      `json:"metrics_allowed_ips"`
	RateLimitRPS        int           `json:"rate_limit_rps"`
	RateLimitBurst      int           `json:"rate_limit_burst"`
	BatchRateLimitRPS   int           `json:"batch_rate_limit_rps"`
	BatchRateLimitBurst int           `json:"batch_rate_limit_burst"`
	MaxRequestSize      int64         `json:"max_request_size"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	EnableHTTPS         bool          `json:"enable_https"`
	CertFile            string        `json:"cert_file"`
	KeyFile             string        `json:"key_file"`
}

type CacheConfig struct {
	Enabled bool          `json:"enabled"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

type BatchConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
	MaxItems  int `json:"max_items"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8000),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			Environment:     getEnv("ENVIRONMENT", "development"),
		},
		Model: ModelConfig{
			Backend:             strings.ToLower(getEnv("MODEL_BACKEND", BackendLocal)),
			Source:              strings.ToLower(getEnv("MODEL_SOURCE", SourceFiles)),
			ArtifactPath:        getEnv("MODEL_ARTIFACT_PATH", "artifacts/stroke_model.json"),
			MetadataPath:        getEnv("MODEL_METADATA_PATH", "artifacts/model_meta.json"),
			RegistryPath:        getEnv("MODEL_REGISTRY_PATH", "data/registry.db"),
			RegistryVersion:     getEnv("MODEL_REGISTRY_VERSION", ""),
			RemoteURL:           getEnv("MODEL_REMOTE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("MODEL_TIMEOUT", 10*time.Second),
			MaxRetries:          getEnvAsInt("MODEL_MAX_RETRIES", 2),
			RetryDelay:          getEnvAsDuration("MODEL_RETRY_DELAY", 200*time.Millisecond),
			HealthCheckInterval: getEnvAsDuration("MODEL_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Security: SecurityConfig{
			JWTSecretKey:        getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins:      getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			MetricsAllowedIPs:   getEnvAsStringSlice("METRICS_ALLOWED_IPS", []string{"*"}),
			RateLimitRPS:        getEnvAsInt("RATE_LIMIT_RPS", 50),
			RateLimitBurst:      getEnvAsInt("RATE_LIMIT_BURST", 100),
			BatchRateLimitRPS:   getEnvAsInt("BATCH_RATE_LIMIT_RPS", 5),
			BatchRateLimitBurst: getEnvAsInt("BATCH_RATE_LIMIT_BURST", 10),
			MaxRequestSize:      getEnvAsInt64("MAX_REQUEST_SIZE", 1024*1024), // 1MB
			RequestTimeout:      getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:         getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:            getEnv("CERT_FILE", ""),
			KeyFile:             getEnv("KEY_FILE", ""),
		},
		Cache: CacheConfig{
			Enabled: getEnvAsBool("CACHE_ENABLED", true),
			MaxSize: getEnvAsInt("CACHE_MAX_SIZE", 10000),
			TTL:     getEnvAsDuration("CACHE_TTL", 10*time.Minute),
		},
		Batch: BatchConfig{
			Workers:   getEnvAsInt("BATCH_WORKERS", 4),
			QueueSize: getEnvAsInt("BATCH_QUEUE_SIZE", 256),
			MaxItems:  getEnvAsInt("BATCH_MAX_ITEMS", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	switch c.Model.Backend {
	case BackendLocal:
	case BackendRemote:
		if u, err := url.Parse(c.Model.RemoteURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, "remote model backend requires a valid MODEL_REMOTE_URL")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown model backend %q (want local or remote)", c.Model.Backend))
	}

	switch c.Model.Source {
	case SourceFiles:
		if c.Model.MetadataPath == "" {
			errors = append(errors, "model metadata path is required")
		}
		if c.Model.Backend == BackendLocal && c.Model.ArtifactPath == "" {
			errors = append(errors, "model artifact path is required for the local backend")
		}
	case SourceRegistry:
		if c.Model.RegistryPath == "" {
			errors = append(errors, "model registry path is required")
		}
		if c.Model.Backend == BackendRemote {
			errors = append(errors, "the registry source only serves the local backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown model source %q (want files or registry)", c.Model.Source))
	}

	if c.Model.MaxRetries < 0 {
		errors = append(errors, "model max retries must not be negative")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, using random key")
	}

	for _, origin := range c.Security.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errors = append(errors, fmt.Sprintf("allowed origin %q must start with http:// or https://", origin))
		}
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.RateLimitRPS <= 0 || c.Security.RateLimitBurst <= 0 {
		errors = append(errors, "rate limit rps and burst must be positive")
	}

	if c.Security.BatchRateLimitRPS <= 0 || c.Security.BatchRateLimitBurst <= 0 {
		errors = append(errors, "batch rate limit rps and burst must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "HTTPS requires CERT_FILE and KEY_FILE")
	}

	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		errors = append(errors, "cache max size must be positive")
	}

	if c.Batch.Workers <= 0 || c.Batch.MaxItems <= 0 || c.Batch.QueueSize < 0 {
		errors = append(errors, "batch workers and max items must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
