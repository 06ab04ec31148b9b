package webapp

import (
	"strings"
	"time"

	"github.com/stackmint/creditweb/pkg/credits"
)

const (
	defaultListenAddr    = ":8080"
	defaultSessionIssuer = "creditweb"
	defaultLedgerTimeout = 5 * time.Second
)

// Config aggregates runtime settings for the application server.
// LedgerBaseURL, LedgerAPIKey, and SessionSigningKey are opaque environment
// inputs: when either ledger setting or the signing key is absent the server
// still starts, with the auth gate degraded to its indeterminate state.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	LedgerBaseURL      string
	LedgerAPIKey       string
	LedgerTimeout      time.Duration
	ResetTargetCredits int64
	GateFailClosed     bool
	ShutdownTimeout    time.Duration
}

// Validate applies defaults. It never rejects missing backend settings.
func (config *Config) Validate() error {
	if strings.TrimSpace(config.ListenAddr) == "" {
		config.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(config.SessionIssuer) == "" {
		config.SessionIssuer = defaultSessionIssuer
	}
	if config.LedgerTimeout <= 0 {
		config.LedgerTimeout = defaultLedgerTimeout
	}
	if config.ResetTargetCredits <= 0 {
		config.ResetTargetCredits = credits.DefaultResetTarget
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return nil
}

// LedgerConfigured reports whether the credits backend settings are present.
func (config *Config) LedgerConfigured() bool {
	return strings.TrimSpace(config.LedgerBaseURL) != "" && strings.TrimSpace(config.LedgerAPIKey) != ""
}

// SessionConfigured reports whether session tokens can be minted and
// verified.
func (config *Config) SessionConfigured() bool {
	return strings.TrimSpace(config.SessionSigningKey) != ""
}
