package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

// Config is the exact recognized environment surface from spec §6.4.
type Config struct {
	NodeEnv  string `env:"NODE_ENV" envDefault:"development"`
	Port     int    `env:"PORT" envDefault:"8080"`
	Host     string `env:"HOST" envDefault:"0.0.0.0"`
	BaseURL  string `env:"BASE_URL" envDefault:""`

	JWTSecret   string `env:"JWT_SECRET"`
	APIKey      string `env:"API_KEY"`
	RequireAuth bool   `env:"REQUIRE_AUTH" envDefault:"true"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"*"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	SessionDir           string `env:"WHATSAPP_SESSION_DIR" envDefault:"./sessions"`
	UpstreamTimeoutMs    int    `env:"WHATSAPP_TIMEOUT" envDefault:"60000"`
	QRTimeoutMs          int    `env:"QR_TIMEOUT" envDefault:"120000"`
	MaxReconnectAttempts int    `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`

	DefaultWebhookURL    string `env:"LOCAI_WEBHOOK_URL" envDefault:""`
	DefaultWebhookSecret string `env:"LOCAI_WEBHOOK_SECRET" envDefault:""`

	RateLimitWindowMs int `env:"RATE_LIMIT_WINDOW" envDefault:"60000"`
	RateLimitMax      int `env:"RATE_LIMIT_MAX" envDefault:"100"`

	MaxFileSizeBytes int64  `env:"MAX_FILE_SIZE" envDefault:"10485760"`
	UploadDir        string `env:"UPLOAD_DIR" envDefault:"./uploads"`

	CacheTTLSeconds int `env:"CACHE_TTL" envDefault:"300"`

	EncryptionKey string `env:"ENCRYPTION_KEY" envDefault:""`
	RedisURL      string `env:"REDIS_URL" envDefault:""`
}

func (c *Config) IsProduction() bool { return c.NodeEnv == "production" }

func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMs) * time.Millisecond
}

func (c *Config) QRTimeout() time.Duration {
	return time.Duration(c.QRTimeoutMs) * time.Millisecond
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) AllowedOriginList() []string {
	if c.AllowedOrigins == "*" {
		return []string{"*"}
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces the minimum-length/weak-secret rules spec §6.4 requires,
// tightening further in production the way the teacher's config does.
func (c *Config) Validate() error {
	switch c.NodeEnv {
	case "development", "production", "test":
	default:
		return fmt.Errorf("NODE_ENV must be one of development|production|test, got %q", c.NodeEnv)
	}

	minJWT := 32
	if c.IsProduction() {
		minJWT = 64
	}
	if c.JWTSecret != "" {
		if err := validateSecret("JWT_SECRET", c.JWTSecret, minJWT); err != nil {
			return err
		}
	} else if c.IsProduction() {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	if c.APIKey != "" && len(c.APIKey) < 16 {
		return fmt.Errorf("API_KEY must be at least 16 characters")
	}

	switch c.LogLevel {
	case "fatal", "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of fatal|error|warn|info|debug|trace, got %q", c.LogLevel)
	}

	if c.IsProduction() {
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: credential bundles will not be encrypted at rest")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string, minLen int) error {
	if len(value) < minLen {
		return fmt.Errorf("%s must be at least %d characters", name, minLen)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
