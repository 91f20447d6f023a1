// Package config loads application settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	JWTSecret     string `mapstructure:"JWT_SECRET"`
	JWTAccessTTL  string `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	BcryptCost    int    `mapstructure:"BCRYPT_COST"`

	StoreDriver  string `mapstructure:"STORE_DRIVER"`
	MongoURI     string `mapstructure:"MONGODB_URI"`
	DatabaseName string `mapstructure:"DATABASE_NAME"`

	RateLimitDriver string `mapstructure:"RATE_LIMIT_DRIVER"`
	RedisURL        string `mapstructure:"REDIS_URL"`

	LockoutMaxAttempts int    `mapstructure:"LOCKOUT_MAX_ATTEMPTS"`
	LockoutDuration    string `mapstructure:"LOCKOUT_DURATION"`

	SessionAnonymousTTL  string `mapstructure:"SESSION_ANONYMOUS_TTL"`
	SessionOwnedTTL      string `mapstructure:"SESSION_OWNED_TTL"`
	SessionIdleLimit     string `mapstructure:"SESSION_IDLE_LIMIT"`
	SessionSweepInterval string `mapstructure:"SESSION_SWEEP_INTERVAL"`
	SessionCookieName    string `mapstructure:"SESSION_COOKIE_NAME"`

	CookieSecure   bool   `mapstructure:"COOKIE_SECURE"`
	CookieDomain   string `mapstructure:"COOKIE_DOMAIN"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	StorageDriver       string `mapstructure:"STORAGE_DRIVER"`
	GCSBucket           string `mapstructure:"GCS_BUCKET"`
	CredentialsFile     string `mapstructure:"CREDENTIALS_FILE_LOCATION"`
	R2Bucket            string `mapstructure:"R2_BUCKET"`
	R2AccessKeyID       string `mapstructure:"R2_ACCESS_KEY_ID"`
	R2SecretAccessKey   string `mapstructure:"R2_SECRET_ACCESS_KEY"`
	R2Endpoint          string `mapstructure:"R2_ENDPOINT"`
	LocalStorageDir     string `mapstructure:"LOCAL_STORAGE_DIR"`
	MaxUploadSizeMB     int    `mapstructure:"MAX_UPLOAD_SIZE_MB"`
	AllowedFileExts     string `mapstructure:"ALLOWED_FILE_EXTENSIONS"`
	AllowedFileMimeType string `mapstructure:"ALLOWED_FILE_MIME_TYPES"`

	AdminEmail    string `mapstructure:"ADMIN_EMAIL"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`

	ExposeDevTokens bool `mapstructure:"EXPOSE_DEV_TOKENS"`
}

// Load reads .env (if present) and builds Config from the environment.
// Environment variables win over .env entries.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// keys without defaults still need binding so Unmarshal sees them
var boundKeys = []string{
	"JWT_SECRET", "MONGODB_URI", "REDIS_URL", "COOKIE_DOMAIN", "ALLOWED_ORIGINS",
	"GCS_BUCKET", "CREDENTIALS_FILE_LOCATION", "R2_BUCKET", "R2_ACCESS_KEY_ID",
	"R2_SECRET_ACCESS_KEY", "R2_ENDPOINT", "ADMIN_EMAIL", "ADMIN_PASSWORD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", EnvDevelopment)
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("JWT_ACCESS_TTL", "24h")
	v.SetDefault("JWT_REFRESH_TTL", "7d")
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("STORE_DRIVER", "mongo")
	v.SetDefault("DATABASE_NAME", "perfdesign")
	v.SetDefault("RATE_LIMIT_DRIVER", "memory")
	v.SetDefault("LOCKOUT_MAX_ATTEMPTS", 5)
	v.SetDefault("LOCKOUT_DURATION", "2h")
	v.SetDefault("SESSION_ANONYMOUS_TTL", "2h")
	v.SetDefault("SESSION_OWNED_TTL", "24h")
	v.SetDefault("SESSION_IDLE_LIMIT", "7d")
	v.SetDefault("SESSION_SWEEP_INTERVAL", "15m")
	v.SetDefault("SESSION_COOKIE_NAME", "sessionId")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("STORAGE_DRIVER", "local")
	v.SetDefault("LOCAL_STORAGE_DIR", "tmp/uploads")
	v.SetDefault("MAX_UPLOAD_SIZE_MB", 5)
	v.SetDefault("ALLOWED_FILE_EXTENSIONS", ".png,.jpg,.jpeg,.svg,.dxf,.pdf")
	v.SetDefault("ALLOWED_FILE_MIME_TYPES", "image/png,image/jpeg,application/pdf,text/xml; charset=utf-8,text/plain; charset=utf-8")
	v.SetDefault("EXPOSE_DEV_TOKENS", false)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.IsProduction() && c.ExposeDevTokens {
		return errors.New("config: EXPOSE_DEV_TOKENS must not be true when APP_ENV=production")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.LockoutMaxAttempts < 1 {
		return errors.New("config: LOCKOUT_MAX_ATTEMPTS must be positive")
	}
	for key, raw := range map[string]string{
		"JWT_ACCESS_TTL":         c.JWTAccessTTL,
		"JWT_REFRESH_TTL":        c.JWTRefreshTTL,
		"LOCKOUT_DURATION":       c.LockoutDuration,
		"SESSION_ANONYMOUS_TTL":  c.SessionAnonymousTTL,
		"SESSION_OWNED_TTL":      c.SessionOwnedTTL,
		"SESSION_IDLE_LIMIT":     c.SessionIdleLimit,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
	} {
		d, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", key)
		}
	}
	switch c.StoreDriver {
	case "mongo":
		if c.MongoURI == "" {
			return errors.New("config: MONGODB_URI is required when STORE_DRIVER=mongo")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.RateLimitDriver {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL is required when RATE_LIMIT_DRIVER=redis")
		}
	default:
		return fmt.Errorf("config: unknown RATE_LIMIT_DRIVER %q", c.RateLimitDriver)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, EnvProduction)
}

func (c *Config) AccessTTL() time.Duration   { return mustDuration(c.JWTAccessTTL, 24*time.Hour) }
func (c *Config) RefreshTTL() time.Duration  { return mustDuration(c.JWTRefreshTTL, 7*24*time.Hour) }
func (c *Config) LockDuration() time.Duration { return mustDuration(c.LockoutDuration, 2*time.Hour) }

func (c *Config) AnonymousSessionTTL() time.Duration {
	return mustDuration(c.SessionAnonymousTTL, 2*time.Hour)
}

func (c *Config) OwnedSessionTTL() time.Duration {
	return mustDuration(c.SessionOwnedTTL, 24*time.Hour)
}

func (c *Config) IdleLimit() time.Duration { return mustDuration(c.SessionIdleLimit, 7*24*time.Hour) }

func (c *Config) SweepInterval() time.Duration {
	return mustDuration(c.SessionSweepInterval, 15*time.Minute)
}

func (c *Config) MaxUploadBytes() int64 {
	mb := c.MaxUploadSizeMB
	if mb <= 0 {
		mb = 5
	}
	return int64(mb) << 20
}

func (c *Config) Origins() []string { return SplitList(c.AllowedOrigins) }

// ParseDuration accepts everything time.ParseDuration does plus a whole
// number of days with a "d" suffix ("7d").
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}

func mustDuration(raw string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SplitList splits a comma separated env value, dropping blanks.
func SplitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
