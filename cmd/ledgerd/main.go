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
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stackmint/creditweb/internal/authgate"
	"github.com/stackmint/creditweb/internal/ledgerd"
	"github.com/stackmint/creditweb/internal/store/gormstore"
	"github.com/stackmint/creditweb/internal/store/pgstore"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAPIKey         = "api-key"
	flagSigningKey     = "session-signing-key"
	flagSessionIssuer  = "session-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagSignupBonus    = "signup-bonus-credits"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAPIKey         = "api_key"
	configKeySigningKey     = "session_signing_key"
	configKeySessionIssuer  = "session_issuer"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySignupBonus    = "signup_bonus_credits"

	defaultDatabaseURL = "sqlite:///tmp/creditweb-ledger.db"
)

type runtimeConfig struct {
	DatabaseURL string
	Server      ledgerd.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Credits ledger HTTP server",
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
	cmd.Flags().String(flagAPIKey, "", "shared API key required on /rpc calls")
	cmd.Flags().String(flagSigningKey, "", "HMAC key for verifying session access tokens")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().Int64(flagSignupBonus, 0, "credits granted on ledger initialization")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LEDGER_LISTEN_ADDR",
		configKeyAPIKey:         "LEDGER_API_KEY",
		configKeySigningKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:  "SESSION_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySignupBonus:    "SIGNUP_BONUS_CREDITS",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}

	flagNames := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAPIKey:         flagAPIKey,
		configKeySigningKey:     flagSigningKey,
		configKeySessionIssuer:  flagSessionIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySignupBonus:    flagSignupBonus,
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
	cfg.Server = ledgerd.Config{
		ListenAddr:         viper.GetString(configKeyListenAddr),
		APIKey:             viper.GetString(configKeyAPIKey),
		SessionSigningKey:  viper.GetString(configKeySigningKey),
		SessionIssuer:      viper.GetString(configKeySessionIssuer),
		AllowedOrigins:     ledgerd.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		SignupBonusCredits: viper.GetInt64(configKeySignupBonus),
	}
	return cfg.Server.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	codec, err := authgate.NewTokenCodec(authgate.CodecConfig{
		SigningKey: cfg.Server.SessionSigningKey,
		Issuer:     cfg.Server.SessionIssuer,
	})
	if err != nil {
		return fmt.Errorf("token codec init: %w", err)
	}

	server, err := ledgerd.NewServer(cfg.Server, store, codec, logger)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	return server.Run(ctx)
}

// openStore picks the store implementation from the connection string:
// pgx against PostgreSQL, gorm over the pure-Go sqlite driver otherwise.
func openStore(ctx context.Context, dsn string) (ledgerd.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	utcNow := func() time.Time { return time.Now().UTC() }
	switch driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool, utcNow)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return store, func() error { pool.Close(); return nil }, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store := gormstore.New(db.WithContext(ctx), utcNow)
		if err := store.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		return store, sqlDB.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
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
			path = "creditweb-ledger.db"
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
