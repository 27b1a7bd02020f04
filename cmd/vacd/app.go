package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/config"
	"github.com/epr-ch/vaccination/internal/infrastructure/postgres"
	"github.com/epr-ch/vaccination/internal/observability/metrics"
	"github.com/epr-ch/vaccination/internal/observability/tracing"
)

// app holds the process-wide components every command starts from.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	tracing *tracing.Provider
	metrics *metrics.Metrics
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}

	tcfg := tracing.DefaultConfig(cfg.ServiceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		tracing: tp,
		metrics: metrics.New(reg),
	}, nil
}

// close flushes traces and logs.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// connect opens the database pool and applies the schema.
func (a *app) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	pool, err := postgres.Connect(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	a.logger.Info("connected to database")
	return pool, nil
}

// serveHTTP runs srv until ctx ends, then shuts it down gracefully.
func (a *app) serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
