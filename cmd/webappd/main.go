package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/stackmint/creditweb/internal/ledgerd"
	"github.com/stackmint/creditweb/internal/webapp"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagSigningKey     = "session-signing-key"
	flagSessionIssuer  = "session-issuer"
	flagLedgerBaseURL  = "ledger-base-url"
	flagLedgerAPIKey   = "ledger-api-key"
	flagAllowedOrigins = "allowed-origins"
	flagResetTarget    = "reset-target-credits"
	flagGateFailClosed = "gate-fail-closed"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeySigningKey     = "session_signing_key"
	configKeySessionIssuer  = "session_issuer"
	configKeyLedgerBaseURL  = "ledger_base_url"
	configKeyLedgerAPIKey   = "ledger_api_key"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyResetTarget    = "reset_target_credits"
	configKeyGateFailClosed = "gate_fail_closed"

	defaultDatabaseURL = "sqlite:///tmp/creditweb-webapp.db"
)

type runtimeConfig struct {
	DatabaseURL string
	Server      webapp.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "webappd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "webappd",
		Short:         "Web application server with auth gate and credits dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "HMAC key for session token pairs")
	cmd.Flags().String(flagSessionIssuer, "", "session token issuer")
	cmd.Flags().String(flagLedgerBaseURL, "", "credits ledger base URL")
	cmd.Flags().String(flagLedgerAPIKey, "", "credits ledger API key")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().Int64(flagResetTarget, 0, "balance the reset action converges to")
	cmd.Flags().Bool(flagGateFailClosed, false, "redirect protected paths to sign-in when the session backend is unavailable")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "WEBAPP_LISTEN_ADDR",
		configKeySigningKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:  "SESSION_ISSUER",
		configKeyLedgerBaseURL:  "LEDGER_BASE_URL",
		configKeyLedgerAPIKey:   "LEDGER_API_KEY",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyResetTarget:    "RESET_TARGET_CREDITS",
		configKeyGateFailClosed: "GATE_FAIL_CLOSED",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}

	flagNames := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeySigningKey:     flagSigningKey,
		configKeySessionIssuer:  flagSessionIssuer,
		configKeyLedgerBaseURL:  flagLedgerBaseURL,
		configKeyLedgerAPIKey:   flagLedgerAPIKey,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyResetTarget:    flagResetTarget,
		configKeyGateFailClosed: flagGateFailClosed,
	}
	for key, flagName := range flagNames {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.Server = webapp.Config{
		ListenAddr:         viper.GetString(configKeyListenAddr),
		SessionSigningKey:  viper.GetString(configKeySigningKey),
		SessionIssuer:      viper.GetString(configKeySessionIssuer),
		LedgerBaseURL:      viper.GetString(configKeyLedgerBaseURL),
		LedgerAPIKey:       viper.GetString(configKeyLedgerAPIKey),
		AllowedOrigins:     ledgerd.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		ResetTargetCredits: viper.GetInt64(configKeyResetTarget),
		GateFailClosed:     viper.GetBool(configKeyGateFailClosed),
	}
	return cfg.Server.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	users := webapp.NewUserStore(gormDB)
	if driver == "sqlite" {
		if err := users.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	server, err := webapp.NewServer(cfg.Server, users, logger)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditweb-webapp.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
