package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Oracle   OracleConfig   `yaml:"oracle" envconfig:"ORACLE"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig contains relational store configuration
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn" envconfig:"DSN"`
	MaxConns       int32         `yaml:"max_conns" envconfig:"MAX_CONNS" default:"10"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT" default:"5s"`
	QueryTimeout   time.Duration `yaml:"query_timeout" envconfig:"QUERY_TIMEOUT" default:"5s"`
}

// LicenseConfig contains activation and entitlement configuration
type LicenseConfig struct {
	DeviceCap        int    `yaml:"device_cap" envconfig:"DEVICE_CAP" default:"3"`
	GracePeriodDays  int    `yaml:"grace_period_days" envconfig:"GRACE_PERIOD_DAYS" default:"30"`
	TokenTTLDays     int    `yaml:"token_ttl_days" envconfig:"TOKEN_TTL_DAYS" default:"30"`
	SigningSecret    string `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	StrictTierSuffix bool   `yaml:"strict_tier_suffix" envconfig:"STRICT_TIER_SUFFIX" default:"false"`
	DefaultProduct   string `yaml:"default_product" envconfig:"DEFAULT_PRODUCT" default:"photobatchpro"`
}

// OracleConfig contains the authenticity oracle endpoint configuration
type OracleConfig struct {
	URL     string        `yaml:"url" envconfig:"URL" default:"https://api.gumroad.com/v2/licenses/verify"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AdminSecretHash string          `yaml:"admin_secret_hash" envconfig:"ADMIN_SECRET_HASH"`
	AllowedOrigins  []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"10"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"20"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licenseserver.log"`
}

// Load loads configuration from environment variables and an optional config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("LICENSED", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// configFilePath returns the config file location, overridable for deployments
func configFilePath() string {
	if p := os.Getenv("LICENSED_CONFIG_FILE"); p != "" {
		return p
	}
	return "licenseserver.yaml"
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileCfg, envCfg Config) Config {
	if envCfg.Server.Port == 0 {
		envCfg.Server.Port = fileCfg.Server.Port
	}
	if envCfg.Database.DSN == "" {
		envCfg.Database.DSN = fileCfg.Database.DSN
	}
	if envCfg.License.SigningSecret == "" {
		envCfg.License.SigningSecret = fileCfg.License.SigningSecret
	}
	if envCfg.License.DeviceCap == 0 {
		envCfg.License.DeviceCap = fileCfg.License.DeviceCap
	}
	if envCfg.License.GracePeriodDays == 0 {
		envCfg.License.GracePeriodDays = fileCfg.License.GracePeriodDays
	}
	if envCfg.License.TokenTTLDays == 0 {
		envCfg.License.TokenTTLDays = fileCfg.License.TokenTTLDays
	}
	if envCfg.Oracle.URL == "" {
		envCfg.Oracle.URL = fileCfg.Oracle.URL
	}
	if envCfg.Security.AdminSecretHash == "" {
		envCfg.Security.AdminSecretHash = fileCfg.Security.AdminSecretHash
	}
	return envCfg
}

// Validate checks that the configuration is usable. A missing signing secret
// or database DSN is fatal at startup, never a per-request condition.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.License.SigningSecret) == "" {
		return fmt.Errorf("license signing secret is required (LICENSED_LICENSE_SIGNING_SECRET)")
	}
	if len(c.License.SigningSecret) < 32 {
		return fmt.Errorf("license signing secret must be at least 32 bytes, got %d", len(c.License.SigningSecret))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database DSN is required (LICENSED_DATABASE_DSN)")
	}
	if c.License.DeviceCap < 1 {
		return fmt.Errorf("device cap must be at least 1, got %d", c.License.DeviceCap)
	}
	if c.License.GracePeriodDays < 1 {
		return fmt.Errorf("grace period must be at least 1 day, got %d", c.License.GracePeriodDays)
	}
	if c.License.TokenTTLDays < 1 {
		return fmt.Errorf("token TTL must be at least 1 day, got %d", c.License.TokenTTLDays)
	}
	if c.Oracle.URL == "" {
		return fmt.Errorf("oracle URL is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// GracePeriod returns the offline grace period as a duration
func (c *LicenseConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// TokenTTL returns the offline token lifetime as a duration
func (c *LicenseConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLDays) * 24 * time.Hour
}
