package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/sales-rain-etl/internal/adapter/filesink"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/fixture"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/sales-rain-etl/internal/adapter/kafka"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/mongo"
	"github.com/couchcryptid/sales-rain-etl/internal/adapter/mysql"
	"github.com/couchcryptid/sales-rain-etl/internal/config"
	"github.com/couchcryptid/sales-rain-etl/internal/observability"
	"github.com/couchcryptid/sales-rain-etl/internal/pipeline"
	"github.com/jonboulle/clockwork"
)

// sink is a pipeline.Loader that holds resources.
type sink interface {
	pipeline.Loader
	Close() error
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sales, sensors, closeSources, err := openSources(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open sources", "source", cfg.Source, "error", err)
		return 1
	}
	defer closeSources()

	loader, err := openSink(cfg, clock, logger)
	if err != nil {
		logger.Error("failed to open sink", "sink", cfg.Sink, "error", err)
		return 1
	}

	p := pipeline.New(sales, sensors, loader, clock, logger, metrics)
	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start ETL pipeline. With RUN_INTERVAL unset it returns after one run.
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx, cfg.RunInterval) }()

	code := 0
	select {
	case err := <-runErr:
		if err != nil {
			logger.Error("pipeline error", "error", err)
			code = 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := <-runErr; err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := loader.Close(); err != nil {
		logger.Error("sink close error", "sink", cfg.Sink, "error", err)
	}

	logger.Info("shutdown complete", "exit_code", code)
	return code
}

func openSources(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.SalesSource, pipeline.SensorSource, func(), error) {
	if cfg.Source == config.SourceFixture {
		src, err := fixture.Load(cfg.FixturePath)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("reading fixture", "path", cfg.FixturePath)
		return src, src, func() {}, nil
	}

	db, err := mysql.Open(cfg.MySQLDSN())
	if err != nil {
		return nil, nil, nil, err
	}
	sales := mysql.New(db, logger)
	if err := sales.Ping(ctx); err != nil {
		_ = sales.Close()
		return nil, nil, nil, fmt.Errorf("ping mysql: %w", err)
	}

	sensors, err := mongo.Connect(ctx, cfg, logger)
	if err != nil {
		_ = sales.Close()
		return nil, nil, nil, err
	}

	closeAll := func() {
		if err := sales.Close(); err != nil {
			logger.Error("mysql close error", "error", err)
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.MongoTimeout)
		defer cancel()
		if err := sensors.Close(closeCtx); err != nil {
			logger.Error("mongo close error", "error", err)
		}
	}
	logger.Info("connected to databases", "mongo_database", cfg.MongoDatabase)
	return sales, sensors, closeAll, nil
}

func openSink(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (sink, error) {
	switch cfg.Sink {
	case config.SinkCSV:
		return filesink.NewWriter(cfg.OutputPath, logger), nil
	case config.SinkKafka:
		return kafkaadapter.NewWriter(cfg, clock, logger), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}
