package config

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	JWTSecret          string   `env:"JWT_SECRET,required"`
	JWTIssuer          string   `env:"JWT_ISSUER" envDefault:""`
	NonPairingSubjects []string `env:"NON_PAIRING_SUBJECTS" envSeparator:","`

	PairingSessionTTL   time.Duration `env:"PAIRING_SESSION_TTL" envDefault:"5m"`
	PairingMatchWindow  time.Duration `env:"PAIRING_MATCH_WINDOW" envDefault:"8m"`
	ProvisionCodeTTL    time.Duration `env:"PROVISION_CODE_TTL" envDefault:"15m"`
	ProvisionTokenTTL   time.Duration `env:"PROVISION_TOKEN_TTL" envDefault:"15m"`
	LockoutThreshold    int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration     time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`
	ClaimRateLimitPerIP int           `env:"CLAIM_RATE_LIMIT_PER_IP" envDefault:"20"`
	RetentionPeriod     time.Duration `env:"RETENTION_PERIOD" envDefault:"168h"`

	RustdeskHost  string `env:"RUSTDESK_HOST" envDefault:""`
	RustdeskRelay string `env:"RUSTDESK_RELAY" envDefault:""`
	RustdeskKey   string `env:"RUSTDESK_KEY" envDefault:""`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	EncryptionKey string `env:"ENCRYPTION_KEY"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// CanInitiatePairing reports whether subject may open pairing sessions.
func (c *Config) CanInitiatePairing(subject string) bool {
	return !slices.Contains(c.NonPairingSubjects, subject)
}

// InstallURL is the short link printed next to a provisioning code.
func (c *Config) InstallURL(codeID string) string {
	return fmt.Sprintf("%s/i/%s", strings.TrimRight(c.PublicBaseURL, "/"), codeID)
}

func (c *Config) Validate(isProduction bool) error {
	if c.PairingSessionTTL <= 0 || c.PairingMatchWindow <= 0 {
		return fmt.Errorf("PAIRING_SESSION_TTL and PAIRING_MATCH_WINDOW must be positive")
	}
	if c.ProvisionCodeTTL <= 0 || c.ProvisionTokenTTL <= 0 {
		return fmt.Errorf("PROVISION_CODE_TTL and PROVISION_TOKEN_TTL must be positive")
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes hex encoded (generate with: openssl rand -hex 32)")
		}
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}

		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: connection secrets will not be encrypted at rest")
		}
		if c.RustdeskHost == "" {
			log.Warn().Msg("RUSTDESK_HOST is empty in production: pairing configs will not point at a server")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
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
