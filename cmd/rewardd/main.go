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

	"github.com/MarkoPoloResearchLab/adrewards/internal/httpapi"
	"github.com/MarkoPoloResearchLab/adrewards/internal/oplog"
	"github.com/MarkoPoloResearchLab/adrewards/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/adrewards/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/adrewards/pkg/reward"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagAdminSecret     = "admin-secret"
	flagAllowedOrigins  = "allowed-origins"
	flagRewardSats      = "reward-sats"
	flagDailyCap        = "daily-cap"
	flagSessionTTL      = "session-ttl"
	flagMinWithdrawSats = "min-withdraw-sats"
	flagSweepInterval   = "sweep-interval"
	flagStoreTimeout    = "store-timeout"
	flagPostgresStore   = "postgres-store"

	defaultDatabaseURL   = "sqlite:///tmp/adrewards.db"
	defaultListenAddr    = ":8080"
	defaultSweepInterval = 10 * time.Minute
	defaultStoreTimeout  = 3 * time.Second

	postgresStorePgx  = "pgx"
	postgresStoreGorm = "gorm"
)

type runtimeConfig struct {
	DatabaseURL   string
	PostgresStore string
	SweepInterval time.Duration
	HTTP          httpapi.Config
	Policy        reward.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rewardd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "rewardd",
		Short:         "Rewarded-ad crediting server",
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

	policy := reward.DefaultConfig()
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAdminSecret, "", "shared secret for the stats endpoint (required)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().Int64(flagRewardSats, policy.SatsPerReward.Int64(), "sats granted per rewarded ad")
	cmd.Flags().Int64(flagDailyCap, policy.DailyCap, "maximum rewards per device per day")
	cmd.Flags().Duration(flagSessionTTL, policy.SessionTTL, "ad session validity window")
	cmd.Flags().Int64(flagMinWithdrawSats, policy.MinWithdrawSats.Int64(), "minimum withdrawal threshold in sats")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "stale session sweep interval")
	cmd.Flags().Duration(flagStoreTimeout, defaultStoreTimeout, "per-request storage timeout")
	cmd.Flags().String(flagPostgresStore, postgresStorePgx, "store implementation for postgres DSNs (pgx or gorm)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagListenAddr, flagAdminSecret, flagAllowedOrigins,
		flagRewardSats, flagDailyCap, flagSessionTTL, flagMinWithdrawSats,
		flagSweepInterval, flagStoreTimeout, flagPostgresStore,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	cfg.PostgresStore = strings.TrimSpace(v.GetString(flagPostgresStore))
	if cfg.PostgresStore != postgresStorePgx && cfg.PostgresStore != postgresStoreGorm {
		return fmt.Errorf("unsupported postgres store %q", cfg.PostgresStore)
	}

	cfg.HTTP = httpapi.Config{
		ListenAddr:     strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins: httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		AdminSecret:    v.GetString(flagAdminSecret),
		StoreTimeout:   v.GetDuration(flagStoreTimeout),
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}

	cfg.Policy = reward.Config{
		SatsPerReward:   reward.Sats(v.GetInt64(flagRewardSats)),
		DailyCap:        v.GetInt64(flagDailyCap),
		SessionTTL:      v.GetDuration(flagSessionTTL),
		MinWithdrawSats: reward.Sats(v.GetInt64(flagMinWithdrawSats)),
	}
	return cfg.Policy.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL, cfg.PostgresStore)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().Unix() }
	service, err := reward.NewService(store, cfg.Policy, clock, reward.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("reward service init: %w", err)
	}

	go runSweeper(ctx, service, cfg.SweepInterval, logger)

	return httpapi.Run(ctx, cfg.HTTP, service, logger)
}

// runSweeper periodically reclaims unconsumed sessions past their TTL.
// Expiry is also checked synchronously at credit time; this only bounds
// storage growth.
func runSweeper(ctx context.Context, service *reward.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := service.SweepStaleSessions(ctx)
			if err != nil {
				logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("session sweep", zap.Int64("deleted", deleted))
			}
		}
	}
}

func openStore(ctx context.Context, dsn string, postgresStore string) (reward.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case "postgres":
		// Postgres schema is managed externally; only sqlite auto-migrates.
		if postgresStore == postgresStoreGorm {
			db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
			if err != nil {
				return nil, nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, nil, err
			}
			cleanup := func() error { return sqlDB.Close() }
			return gormstore.New(db.WithContext(ctx)), cleanup, nil
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		if err := db.AutoMigrate(&gormstore.User{}, &gormstore.AdSession{}, &gormstore.RewardEntry{}); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error { return sqlDB.Close() }
		return gormstore.New(db.WithContext(ctx)), cleanup, nil
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
			path = "adrewards.db"
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
