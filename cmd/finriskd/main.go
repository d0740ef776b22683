// finriskd serves the financial-risk study backend: the checkpoint
// engine, session and task pipeline APIs, and the admin surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/checkpoint/emit"
	"github.com/finrisklabs/finrisk/internal/config"
	"github.com/finrisklabs/finrisk/internal/retrieval"
	"github.com/finrisklabs/finrisk/internal/server"
	"github.com/finrisklabs/finrisk/internal/store"
	"github.com/finrisklabs/finrisk/internal/study"
	"github.com/finrisklabs/finrisk/internal/summary"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (empty = defaults)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "finriskd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is harmless

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Ping(startupCtx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	emitters := emit.Multi{emit.NewLogEmitter(log.Named("checkpoint"))}
	var tp *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("build trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		emitters = append(emitters, emit.NewOTelEmitter(otel.Tracer("finrisk")))
	}

	var registry *prometheus.Registry
	var metrics *checkpoint.Metrics
	if cfg.MetricsEnabled() {
		registry = prometheus.NewRegistry()
		metrics = checkpoint.NewMetrics(registry)
	}

	engineOpts := []checkpoint.Option{
		checkpoint.WithEmitter(emitters),
		checkpoint.WithStrictSubmissions(cfg.Checkpoints.StrictSubmissions),
	}
	if metrics != nil {
		engineOpts = append(engineOpts, checkpoint.WithMetrics(metrics))
	}
	engine, err := checkpoint.NewEngine(st, engineOpts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	seeded, err := engine.Seed(startupCtx)
	if err != nil {
		return fmt.Errorf("seed checkpoint definitions: %w", err)
	}
	log.Info("checkpoint definitions seeded", zap.Int("created", seeded))

	mockRetriever := retrieval.NewMockEngine(cfg.Retrieval.Mock.Scenario, cfg.Retrieval.Mock.SeedSalt)
	var retriever retrieval.Retriever = mockRetriever
	if cfg.Retrieval.Provider == "pageindex" {
		retriever = retrieval.NewPageIndexClient(retrieval.PageIndexConfig{
			BaseURL:        cfg.Retrieval.PageIndex.BaseURL,
			APIKey:         cfg.Retrieval.PageIndex.APIKey,
			DocMap:         retrieval.ParseDocMap(cfg.Retrieval.PageIndex.DocMap),
			PollInterval:   cfg.Retrieval.PageIndex.PollInterval.Std(),
			PollTimeout:    cfg.Retrieval.PageIndex.PollTimeout.Std(),
			EnableThinking: cfg.Retrieval.PageIndex.EnableThinking,
			Logger:         log.Named("pageindex"),
		})
	}

	generator, err := summary.NewGenerator(startupCtx, summary.Config{
		Provider: cfg.Summary.Provider,
		Model:    cfg.Summary.Model,
		APIKey:   cfg.Summary.APIKey,
		BaseURL:  cfg.Summary.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("build summary provider: %w", err)
	}
	if closer, ok := generator.(io.Closer); ok {
		defer closer.Close()
	}

	svcOpts := []study.ServiceOption{
		study.WithRetriever(retriever),
		study.WithGenerator(generator),
		study.WithCheckpointResolver(engine),
		study.WithServiceLogger(log.Named("study")),
	}
	if cfg.MockFallbackEnabled() {
		if cfg.Retrieval.Provider != "mock" {
			svcOpts = append(svcOpts, study.WithRetrievalFallback(mockRetriever))
		}
		if cfg.Summary.Provider != "mock" {
			svcOpts = append(svcOpts, study.WithGenerationFallback(summary.NewMockGenerator()))
		}
	}
	studySvc, err := study.NewService(st, svcOpts...)
	if err != nil {
		return fmt.Errorf("build study service: %w", err)
	}

	srvOpts := []server.Option{
		server.WithLogger(log.Named("server")),
		server.WithAllowedOrigins(cfg.CORS.AllowedOrigins),
	}
	if registry != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	srv := server.New(engine, studySvc, srvOpts...)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute, // retrieval polling and LLM calls run long
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("database", cfg.Database.Driver),
			zap.String("retrieval", cfg.Retrieval.Provider),
			zap.String("summary", cfg.Summary.Provider))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
		if tp != nil {
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn("trace provider shutdown incomplete", zap.Error(err))
			}
		}
	}
	return nil
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
