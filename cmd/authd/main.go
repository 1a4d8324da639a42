// authd serves the stayloop authentication API: password + TOTP login,
// token rotation and session revocation, backed by Postgres (accounts)
// and Redis (sessions, lockout, rate counters).
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/stayloop/authcore"
	"github.com/stayloop/authcore/httpapi"
	promexport "github.com/stayloop/authcore/metrics/export/prometheus"
	"github.com/stayloop/authcore/stores/postgres"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("authd exited", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- backends ----
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.Migrate {
		mdb, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres for migration: %w", err)
		}
		err = postgres.Migrate(ctx, mdb)
		mdb.Close()
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied")
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer pool.Close()

	// ---- engine ----
	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	engine, err := authcore.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithAccountStore(postgres.New(pool)).
		WithLogger(log).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// ---- http ----
	registry := promclient.NewRegistry()
	if err := registry.Register(promexport.NewCollector(engine)); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.New(engine, log).Handler(metricsHandler),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// engineConfig maps deployment settings onto the engine defaults.
func engineConfig(cfg *fileConfig) (authcore.Config, error) {
	ec := authcore.DefaultConfig()
	ec.Tokens.Issuer = cfg.Auth.Issuer
	ec.TOTP.Issuer = cfg.Auth.Issuer
	if cfg.Auth.AccessTTL > 0 {
		ec.Tokens.AccessTTL = cfg.Auth.AccessTTL
	}
	if cfg.Auth.RefreshTTL > 0 {
		ec.Tokens.RefreshTTL = cfg.Auth.RefreshTTL
	}
	if cfg.Auth.RememberMeTTL > 0 {
		ec.Tokens.RememberMeRefreshTTL = cfg.Auth.RememberMeTTL
	}
	if cfg.Auth.KeyPrefix != "" {
		ec.KeyPrefix = cfg.Auth.KeyPrefix
	}

	switch strings.ToLower(cfg.Keys.Method) {
	case "", "ed25519":
		ec.Tokens.SigningMethod = "ed25519"
		priv, err := os.ReadFile(cfg.Keys.PrivateKeyFile)
		if err != nil {
			return ec, fmt.Errorf("read private key: %w", err)
		}
		pub, err := os.ReadFile(cfg.Keys.PublicKeyFile)
		if err != nil {
			return ec, fmt.Errorf("read public key: %w", err)
		}
		ec.Tokens.PrivateKey = priv
		ec.Tokens.PublicKey = pub
	case "hs256":
		if cfg.Keys.HS256Secret == "" {
			return ec, errors.New("keys.hs256_secret is required for hs256")
		}
		ec.Tokens.SigningMethod = "hs256"
		ec.Tokens.PrivateKey = []byte(cfg.Keys.HS256Secret)
		ec.Tokens.PublicKey = []byte(cfg.Keys.HS256Secret)
	default:
		return ec, fmt.Errorf("unknown signing method %q", cfg.Keys.Method)
	}
	return ec, nil
}
