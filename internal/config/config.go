package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/patientcore/internal/platform/hipaa"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	LockLocal = "local"
	LockRedis = "redis"

	AuthDevelopment = "development"
	AuthSharedKey   = "shared-key"
	AuthExternal    = "external"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	StoreBackend string        `mapstructure:"STORE_BACKEND"`
	LockBackend  string        `mapstructure:"LOCK_BACKEND"`
	LockTTL      time.Duration `mapstructure:"LOCK_TTL"`
	RedisURL     string        `mapstructure:"REDIS_URL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	AuditRetentionDays int           `mapstructure:"AUDIT_RETENTION_DAYS"`
	RetentionInterval  time.Duration `mapstructure:"RETENTION_INTERVAL"`

	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3Prefix    string `mapstructure:"ARCHIVE_S3_PREFIX"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool    `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string  `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string  `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "CORS_ORIGINS",
	"STORE_BACKEND", "LOCK_BACKEND", "LOCK_TTL", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"AUDIT_RETENTION_DAYS", "RETENTION_INTERVAL",
	"ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PREFIX", "ARCHIVE_S3_PATH_STYLE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads .env (if present) and the environment. Call Validate before use.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // inferred, see ResolvedAuthMode
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("LOCK_BACKEND", LockLocal)
	v.SetDefault("LOCK_TTL", "10s")
	v.SetDefault("AUDIT_RETENTION_DAYS", hipaa.DefaultRetentionDays)
	v.SetDefault("RETENTION_INTERVAL", "24h")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get the permissive dev middleware, a configured signing key
// selects HS256 tokens and anything else validates against the issuer's JWKS.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	if c.AuthSigningKey != "" {
		return AuthSharedKey
	}
	return AuthExternal
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_BACKEND is \"postgres\""))
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND \"memory\" is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend))
	}

	switch c.LockBackend {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when LOCK_BACKEND is \"redis\""))
		}
		if c.LockTTL <= 0 {
			errs = append(errs, fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL))
		}
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockLocal, LockRedis, c.LockBackend))
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			errs = append(errs, errors.New("AUTH_MODE \"development\" is not allowed in production"))
		}
	case AuthSharedKey:
		if len(c.AuthSigningKey) < 32 {
			errs = append(errs, errors.New("AUTH_SIGNING_KEY must be at least 32 characters"))
		}
	case AuthExternal:
		if c.AuthIssuer == "" || c.AuthJWKSURL == "" {
			errs = append(errs, fmt.Errorf(
				"AUTH_ISSUER and AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q",
			AuthDevelopment, AuthSharedKey, AuthExternal, mode))
	}

	if c.AuditRetentionDays < hipaa.MinRetentionDays {
		errs = append(errs, fmt.Errorf("AUDIT_RETENTION_DAYS must be at least %d, got %d",
			hipaa.MinRetentionDays, c.AuditRetentionDays))
	}
	if c.RetentionInterval <= 0 {
		errs = append(errs, fmt.Errorf("RETENTION_INTERVAL must be positive, got %s", c.RetentionInterval))
	}

	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS_ENABLED is true"))
	}

	return errors.Join(errs...)
}

// ArchiveEnabled reports whether purged audit entries are copied to S3 first.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != ""
}
