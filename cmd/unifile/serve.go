package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/unifile/internal/api"
	"github.com/fruitsalade/unifile/internal/config"
	"github.com/fruitsalade/unifile/internal/dispatch"
	"github.com/fruitsalade/unifile/internal/driver/backends"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/metrics"
	"github.com/fruitsalade/unifile/internal/pool"
	"github.com/fruitsalade/unifile/internal/session"
	"github.com/fruitsalade/unifile/internal/session/badgerstore"
	"github.com/fruitsalade/unifile/internal/session/pgstore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := logging.Init(cfg.LoggingOptions()); err != nil {
				return fmt.Errorf("logging setup: %w", err)
			}
			defer logging.Sync()

			return serve(cmd.Context(), cfg)
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Type {
	case "badger":
		return badgerstore.Open(cfg.BadgerOptions())
	case "postgres":
		return pgstore.New(ctx, cfg.Store.Postgres.DatabaseURL)
	default:
		return session.NewMemoryStore(), nil
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("unifile starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Type))

	if flagConfigPath != "" {
		err := config.Watch(flagConfigPath, func(next *config.Config) {
			if logging.SetLevel(next.Logging.Level) {
				logging.Info("log level applied", zap.String("level", next.Logging.Level))
			}
		})
		if err != nil {
			logging.Warn("config watch disabled", zap.Error(err))
		}
	}

	registry, err := backends.Load(cfg.BackendSpecs())
	if err != nil {
		return fmt.Errorf("backends: %w", err)
	}
	logging.Info("backends loaded", zap.Strings("names", registry.Names()))

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	connPool := pool.New(cfg.PoolOptions())
	sessions, err := session.NewManager(cfg.SessionOptions(), store, registry, connPool)
	if err != nil {
		store.Close()
		return err
	}
	defer sessions.Close()

	dispatcher := dispatch.New(cfg.DispatchOptions(), connPool)
	server := api.NewServer(cfg.APIOptions(), sessions, dispatcher)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsEnabled := cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != ""
	if tlsEnabled {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})

	g.Go(func() error {
		var err error
		if tlsEnabled {
			logging.Info("TLS enabled", zap.String("cert", cfg.Server.TLSCertFile))
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logging.Info("metrics server starting", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("api server shutdown", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logging.Warn("metrics server shutdown", zap.Error(err))
			}
		}
		connPool.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Error("server stopped", zap.Error(err))
		return err
	}
	logging.Info("unifile stopped", zap.Int("open_connections", connPool.Live()))
	return nil
}
