package ledgerd

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr               = ":7100"
	defaultSessionIssuer            = "creditweb"
	defaultSignupBonusCredits int64 = 5
)

// Config aggregates runtime settings for the ledger backend.
type Config struct {
	ListenAddr         string
	APIKey             string
	SessionSigningKey  string
	SessionIssuer      string
	AllowedOrigins     []string
	SignupBonusCredits int64
	ShutdownTimeout    time.Duration
}

// Validate ensures the configuration contains sane values.
func (config *Config) Validate() error {
	config.ListenAddr = defaultIfEmpty(config.ListenAddr, defaultListenAddr)
	config.SessionIssuer = defaultIfEmpty(config.SessionIssuer, defaultSessionIssuer)
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if config.SignupBonusCredits <= 0 {
		config.SignupBonusCredits = defaultSignupBonusCredits
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(config.SessionSigningKey) == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
