package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridfuel/authgate/internal/auth/flow"
	"github.com/gridfuel/authgate/internal/auth/relations"
	"github.com/gridfuel/authgate/internal/auth/state"
	"github.com/gridfuel/authgate/internal/cache"
	"github.com/gridfuel/authgate/internal/config"
	authctrl "github.com/gridfuel/authgate/internal/http/controllers/auth"
	healthctrl "github.com/gridfuel/authgate/internal/http/controllers/health"
	tokenctrl "github.com/gridfuel/authgate/internal/http/controllers/token"
	"github.com/gridfuel/authgate/internal/http/router"
	"github.com/gridfuel/authgate/internal/metrics"
	"github.com/gridfuel/authgate/internal/observability/logger"
	"github.com/gridfuel/authgate/internal/oidc"
	"github.com/gridfuel/authgate/internal/security/keys"
	"github.com/gridfuel/authgate/internal/store/pg"
)

const version = "0.3.0"

func main() {
	// .env es opcional; en producción todo llega por entorno real.
	_ = godotenv.Load()

	var cfgPath string

	root := &cobra.Command{
		Use:           "authgate",
		Short:         "Authentication gateway for broker-based company logins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "configs/config.yaml", "ruta del archivo de configuración")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el gateway HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgPath)
		},
	}

	var down bool
	migrateCmd := &cobra.Command{
		Use:   "migrate [dir]",
		Short: "Aplica las migraciones de la base",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "migrations/postgres"
			if len(args) == 1 {
				dir = args[0]
			}
			return migrate(cfgPath, dir, down)
		},
	}
	migrateCmd.Flags().BoolVar(&down, "down", false, "revierte en vez de aplicar")

	root.AddCommand(serveCmd, migrateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "authgate",
		Version:     version,
	})
	defer logger.Sync()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.New(ctx, cfg.Storage.DSN, pg.Options{
		MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
		ConnMaxLifetime: config.Duration(cfg.Storage.Postgres.ConnMaxLifetime),
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	if cfg.Flags.Migrate {
		if err := store.RunMigrations(ctx, "migrations/postgres"); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info("migrations applied")
	}

	c, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	ring, err := keys.NewRing(cfg.Security.MasterSecret)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}

	broker := oidc.NewBroker(oidc.BrokerConfig{
		ClientID:              cfg.OIDC.ClientID,
		ClientSecret:          cfg.OIDC.ClientSecret,
		AuthorizationEndpoint: cfg.OIDC.AuthorizationEndpoint,
		TokenEndpoint:         cfg.OIDC.TokenEndpoint,
		JWKSEndpoint:          cfg.OIDC.JWKSEndpoint,
		LogoutEndpoint:        cfg.OIDC.LogoutEndpoint,
		Issuer:                cfg.OIDC.Issuer,
		Language:              cfg.OIDC.Language,
		RequestTimeout:        config.Duration(cfg.OIDC.RequestTimeout),
		JWKSCacheTTL:          config.Duration(cfg.OIDC.JWKSCacheTTL),
	}, c)

	var notifier flow.RelationNotifier
	if cfg.Datasync.BaseURL != "" {
		notifier = relations.NewNotifier(
			cfg.Datasync.BaseURL,
			cfg.Datasync.CreateRelationsPath,
			cfg.Datasync.Retries,
			config.Duration(cfg.Datasync.RequestTimeout),
		)
	}

	orch := flow.New(flow.Deps{
		IdP:      broker,
		Store:    store,
		Codec:    state.NewCodec(ring.Derive(keys.UseStateSign), config.Duration(cfg.Auth.StateTTL)),
		Keys:     ring,
		Notifier: notifier,
		Config: flow.Config{
			LoginCallbackURL:  cfg.OIDC.LoginCallbackURL,
			VerifyCallbackURL: cfg.OIDC.SSNCallbackURL,
			TokenTTL:          config.Duration(cfg.Auth.TokenTTL),
			Scopes:            cfg.Auth.Scopes,
		},
	})

	metricsHandler, err := metrics.Register(nil, func() *pgxpool.Pool { return store.Pool() })
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	cookie := authctrl.CookieConfig{
		Name:     cfg.Auth.Cookie.Name,
		Domain:   cfg.Auth.Cookie.Domain,
		Path:     cfg.Auth.Cookie.Path,
		SameSite: cfg.Auth.Cookie.SameSite,
		Secure:   cfg.Auth.Cookie.Secure,
	}
	handler := router.New(router.Deps{
		Auth:    authctrl.NewControllers(orch, cookie),
		Token:   tokenctrl.NewController(store, c, cookie.Name),
		Health:  healthctrl.NewController(store),
		Metrics: metricsHandler,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.Kind == "redis" {
		return cache.NewRedis(cfg.Cache.Redis.Addr, cfg.Cache.Redis.DB, cfg.Cache.Redis.Prefix)
	}
	return cache.NewMemory(config.Duration(cfg.Cache.Memory.DefaultTTL)), nil
}

func migrate(cfgPath, dir string, down bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "authgate", Version: version})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.New(ctx, cfg.Storage.DSN, pg.Options{})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	if down {
		return store.RunMigrationsDown(ctx, dir)
	}
	return store.RunMigrations(ctx, dir)
}
