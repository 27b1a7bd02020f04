package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/api/handlers"
	"github.com/epr-ch/vaccination/internal/api/middleware"
	"github.com/epr-ch/vaccination/internal/config"
	"github.com/epr-ch/vaccination/internal/epr"
	"github.com/epr-ch/vaccination/internal/infrastructure/localfile"
	"github.com/epr-ch/vaccination/internal/infrastructure/postgres"
	"github.com/epr-ch/vaccination/pkg/circuitbreaker"
	"github.com/epr-ch/vaccination/pkg/idempotency"
	"github.com/epr-ch/vaccination/pkg/workerpool"
)

const version = "1.0.0"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the vaccination record API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

// pinger is implemented by stores that can report their own readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	breakers := circuitbreaker.NewManager(logger, func(name string, to circuitbreaker.State) {
		a.metrics.SetBreakerState(name, string(to))
	})
	bcfg := circuitbreaker.DefaultConfig("document-store")
	bcfg.Ignore = func(err error) bool { return epr.Classify(err) == epr.ClassNotFound }
	breaker, err := breakers.GetOrCreate("document-store", bcfg)
	if err != nil {
		return err
	}

	var (
		store      epr.Store
		inboxStore idempotency.Store
	)
	switch a.cfg.StorageMode {
	case config.StoragePostgres:
		pool, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = postgres.NewDocumentStore(pool, a.cfg.KafkaTopic, logger)
		inboxStore = idempotency.NewPostgresStore(pool)
	default:
		local, err := localfile.New(a.cfg.LocalStoreDir, logger)
		if err != nil {
			return err
		}
		store = local
		inboxStore = idempotency.NewMemoryStore()
	}
	logger.Info("document store ready", zap.String("mode", a.cfg.StorageMode))

	icfg := idempotency.DefaultInboxConfig()
	icfg.Terminal = func(err error) bool {
		switch epr.Classify(err) {
		case epr.ClassValidation, epr.ClassNotFound:
			return true
		}
		return false
	}
	inbox := idempotency.NewInbox(inboxStore, icfg, logger)
	go inbox.RunCleanup(ctx)

	wcfg := workerpool.DefaultConfig()
	wcfg.Workers = a.cfg.Workers
	svc := epr.NewService(store, epr.Config{
		Document: a.cfg.DocumentOptions(),
		Pool:     workerpool.New(wcfg, logger),
		Breaker:  breaker,
		Metrics:  a.metrics,
	}, logger)

	recordHandler := handlers.NewRecordHandler(svc, inbox, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(a.cfg.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, map[string]any{
			"status":   "healthy",
			"service":  a.cfg.ServiceName,
			"version":  version,
			"breakers": breakers.GetHealthStatus(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				writeHealth(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		if !breaker.IsClosed() {
			writeHealth(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeHealth(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(a.cfg.APIKeyClients()))
		r.Mount("/", recordHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := a.serveHTTP(ctx, server); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func writeHealth(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
