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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avvvet/planbuddy/internal/config"
	"github.com/avvvet/planbuddy/internal/memory"
	"github.com/avvvet/planbuddy/internal/observability"
	"github.com/avvvet/planbuddy/internal/transport"
	"github.com/avvvet/planbuddy/internal/workflow"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve planner turns over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting planbuddy",
		zap.String("version", Version),
		zap.String("nats_url", cfg.NatsURL),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("llm_model", cfg.LLMModel),
	)

	if cfg.OtelEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OtelEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
		logger.Info("Tracing enabled", zap.String("endpoint", cfg.OtelEndpoint))
	}

	logger.Info("Connecting to Redis")
	store, err := memory.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return err
	}

	conn, err := transport.Connect(cfg, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	observer := workflow.Observers{
		workflow.NewLogObserver(logger),
		transport.NewProgressPublisher(conn, cfg.NatsProgressSubject, logger),
	}

	planner, err := buildPlanner(cfg, store, observer, logger)
	if err != nil {
		conn.Close()
		_ = store.Close()
		return err
	}
	defer func() {
		if err := planner.Close(); err != nil {
			logger.Warn("Error closing planner", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthz(planner))
	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	defer func() { _ = metrics.Close() }()

	natsTransport := transport.NewNATSTransport(conn, cfg, planner.engine, logger)
	defer func() {
		if err := natsTransport.Close(); err != nil {
			logger.Warn("Error closing NATS transport", zap.Error(err))
		}
	}()

	if err := natsTransport.Start(); err != nil {
		return err
	}

	logger.Info("planbuddy is running",
		zap.String("subject", cfg.NatsRequestSubject),
		zap.String("progress_subject", cfg.NatsProgressSubject),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	logger.Info("Active sessions at shutdown", zap.Int("sessions", planner.sessions.GetActiveSessionCount()))
	return nil
}

// healthz reports whether the checkpoint store is reachable
func healthz(p *planner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := p.sessions.Ping(ctx); err != nil {
			http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}
