package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"collab-relay/internal/api"
	"collab-relay/internal/config"
	"collab-relay/internal/db"
	"collab-relay/internal/documents"
	"collab-relay/internal/repository"
	"collab-relay/internal/services/collaboration"
	"collab-relay/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

The serve command demonstrates:
1. Service initialization and dependency injection
2. Distributed tracing with Jaeger and Prometheus metrics
3. Graceful shutdown handling (listening for SIGINT/SIGTERM)
4. Proper resource cleanup order: stop accepting connections first, then
   close sessions and flush unsaved documents, then release storage
*/

type serveFlags struct {
	host    string
	port    string
	storage string
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			// Flags win over the environment
			if flags.host != "" {
				cfg.ServerHost = flags.host
			}
			if flags.port != "" {
				cfg.ServerPort = flags.port
			}
			if flags.storage != "" {
				cfg.StorageType = flags.storage
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "Address to listen on (overrides SERVER_HOST)")
	cmd.Flags().StringVar(&flags.port, "port", "", "Port to listen on (overrides SERVER_PORT)")
	cmd.Flags().StringVar(&flags.storage, "storage", "", "Storage backend: filesystem, memory, postgres or s3 (overrides STORAGE_TYPE)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := telemetry.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	logrus.WithField("version", version).Info("Starting collab-relay")

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("collab-relay", version, cfg.JaegerEndpoint)
	if err != nil {
		logrus.WithError(err).Warn("Failed to initialize Jaeger, continuing without tracing")
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to shutdown Jaeger")
		}
	}()

	// The database is only opened for the postgres backend
	var gormDB *gorm.DB
	if cfg.StorageType == config.StoragePostgres {
		database, err := db.NewGorm(cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		gormDB = database.DB
	}

	store, err := repository.NewStore(ctx, cfg, gormDB)
	if err != nil {
		return err
	}

	factory := documents.NewFactory()
	if err := factory.Validate(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessionManager := collaboration.NewSessionManager(factory, store, collaboration.Options{
		SaveDelay:      cfg.SaveDelay,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		Metrics:        telemetry.NewMetrics(registry),
	})
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager)
	handler := api.NewHandler(sessionManager, store, wsHandler)
	router := api.SetupRoutes(handler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"storage": cfg.StorageType,
		}).Info("Server listening")
		logrus.Info("  WS   /api/yjs/<kind>:<path>       - Join a document room")
		logrus.Info("  GET  /api/collaboration/rooms     - List open rooms")
		logrus.Info("  GET  /api/collaboration/documents - Read a saved document")
		logrus.Info("  GET  /metrics                     - Prometheus metrics")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Wait for interrupt signal (or a failed listener) to gracefully shutdown
		<-gctx.Done()
		logrus.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Server forced to shutdown")
			errs = append(errs, err)
		}

		// Learning: This closes all websocket sessions and writes every
		// document that still has unsaved edits
		if err := sessionManager.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Failed to flush documents")
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logrus.Info("✓ Server shutdown complete")
	return nil
}
