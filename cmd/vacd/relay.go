package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epr-ch/vaccination/internal/infrastructure/postgres"
	"github.com/epr-ch/vaccination/internal/infrastructure/redpanda"
)

func relayCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish committed document events from the outbox to Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "address serving /metrics and /health")
	return cmd
}

func runRelay(ctx context.Context, metricsAddr string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	pool, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	admin, err := redpanda.NewAdmin(a.cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	err = admin.EnsureTopics(ctx, a.cfg.KafkaTopic, a.cfg.KafkaDeadLetterTopic)
	admin.Close()
	if err != nil {
		return err
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = a.cfg.KafkaBrokers
	pcfg.OnPublished = func(string) { a.metrics.EventsPublished.Inc() }
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Kafka", zap.Strings("brokers", a.cfg.KafkaBrokers))

	ocfg := postgres.DefaultOutboxConfig()
	ocfg.DeadLetterTopic = a.cfg.KafkaDeadLetterTopic
	ocfg.OnStats = func(s postgres.OutboxStats) {
		a.metrics.OutboxPending.Set(float64(s.Pending))
		if s.Failed > 0 {
			logger.Warn("outbox entries awaiting dead letter", zap.Int64("failed", s.Failed))
		}
	}
	outbox := postgres.NewOutbox(pool, producer, ocfg, logger)

	r := chi.NewRouter()
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
		if err := producer.Ping(ctx); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, map[string]string{"status": "broker unavailable"})
			return
		}
		writeHealth(w, http.StatusOK, map[string]any{"status": "healthy", "producer": producer.Stats()})
	})
	server := &http.Server{
		Addr:              metricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		outbox.Start(gctx)
		logger.Info("outbox relay started")
		<-gctx.Done()
		outbox.Stop()
		logger.Info("outbox relay stopped")
		return nil
	})
	g.Go(func() error {
		return a.serveHTTP(gctx, server)
	})
	return g.Wait()
}
