package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stats   StatsConfig   `yaml:"stats"`
	Cache   CacheConfig   `yaml:"cache"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// StatsConfig holds upstream stats endpoint configuration
type StatsConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	URLTemplate string `yaml:"url_template"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`

	// PendingRetryDefaultSeconds is used when a 202 reply has no Retry-After header.
	PendingRetryDefaultSeconds int `yaml:"pending_retry_default_seconds"`
	// MaxPendingRetries bounds how many 202 replies are tolerated per gap. 0 means no bound.
	MaxPendingRetries int `yaml:"max_pending_retries"`
}

// Timeout returns the configured timeout as a duration
func (c StatsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PendingRetryDefault returns the fallback wait for 202 replies
func (c StatsConfig) PendingRetryDefault() time.Duration {
	return time.Duration(c.PendingRetryDefaultSeconds) * time.Second
}

// CacheConfig holds range cache settings
type CacheConfig struct {
	// Version tags persisted snapshots; a mismatch discards the stored cache.
	Version               string   `yaml:"version"`
	PersistDebounceMillis int      `yaml:"persist_debounce_ms"`
	Persist               bool     `yaml:"persist"`
	WarmMetrics           []string `yaml:"warm_metrics"`
	WarmDays              int      `yaml:"warm_days"`
}

// PersistDebounce returns the delay between the last merge and the snapshot write
func (c CacheConfig) PersistDebounce() time.Duration {
	return time.Duration(c.PersistDebounceMillis) * time.Millisecond
}

// StorageConfig holds snapshot storage configuration
type StorageConfig struct {
	Type           string `yaml:"type"` // "local", "s3", "dynamodb", "redis", "postgres"
	LocalPath      string `yaml:"local_path"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Prefix       string `yaml:"s3_prefix"`
	DynamoDBTable  string `yaml:"dynamodb_table"`
	AWSRegion      string `yaml:"aws_region"`
	AWSProfile     string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
	AWSEndpoint    string `yaml:"aws_endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	DatabaseURL    string `yaml:"database_url"`
	KeyPrefix      string `yaml:"key_prefix"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the TTL for the snapshot write lock
func (c StorageConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level         string `yaml:"level"`
	RedactSecrets *bool  `yaml:"redact_secrets"`
}

// Redact reports whether secret redaction is on (default true)
func (c LogConfig) Redact() bool {
	return c.RedactSecrets == nil || *c.RedactSecrets
}

// DefaultURLTemplate is the upstream day-range JSON location.
const DefaultURLTemplate = "{{ base }}/{{ metric }}-day-{{ start }}-{{ end }}.json"

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

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if cfg.Stats.URLTemplate == "" {
		cfg.Stats.URLTemplate = DefaultURLTemplate
	}
	if cfg.Stats.TimeoutSeconds == 0 {
		cfg.Stats.TimeoutSeconds = 30
	}
	if cfg.Stats.MaxRetries == 0 {
		cfg.Stats.MaxRetries = 3
	}
	if cfg.Stats.PendingRetryDefaultSeconds == 0 {
		cfg.Stats.PendingRetryDefaultSeconds = 30
	}
	if cfg.Stats.MaxPendingRetries == 0 {
		cfg.Stats.MaxPendingRetries = 20
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "1"
	}
	if cfg.Cache.PersistDebounceMillis == 0 {
		cfg.Cache.PersistDebounceMillis = 2000
	}
	if cfg.Cache.WarmDays == 0 {
		cfg.Cache.WarmDays = 30
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Storage.LockTTLSeconds == 0 {
		cfg.Storage.LockTTLSeconds = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
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

	if v := os.Getenv("STATS_BASE_URL"); v != "" {
		cfg.Stats.BaseURL = v
	}
	if v := os.Getenv("STATS_API_KEY"); v != "" {
		cfg.Stats.APIKey = v
	}
	if v := os.Getenv("STATS_URL_TEMPLATE"); v != "" {
		cfg.Stats.URLTemplate = v
	}
	if v := os.Getenv("STATS_CACHE_VERSION"); v != "" {
		cfg.Cache.Version = v
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STORAGE_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("STORAGE_DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDBTable = v
	}
	if v := os.Getenv("AWS_ENDPOINT_URL"); v != "" {
		cfg.Storage.AWSEndpoint = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
