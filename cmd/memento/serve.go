package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scrypster/memento/internal/knowledge"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the knowledge graph service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			shutdownTracing, err := telemetry.Init(cfg.Telemetry, cfg.Version)
			if err != nil {
				return err
			}

			// Parsing is injected by embedders of the knowledge
			// package; the standalone binary serves the graph itself
			// and rejects parse tasks.
			graph, err := knowledge.New(cfg,
				storage.NewNeo4jStore(cfg.Graph),
				storage.NewPostgresStore(cfg.Relational),
				storage.NewRedisStore(cfg.KV),
				nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", cfg.Version).Msg("🧠 memento starting")
			if err := graph.Initialize(ctx); err != nil {
				return err
			}

			ops := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.OpsPort),
				Handler:      opsRouter(graph),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			go func() {
				log.Info().Int("port", cfg.OpsPort).Msg("ops listener up")
				if err := ops.ListenAndServe(); err != http.ErrServerClosed {
					log.Error().Err(err).Msg("ops listener failed")
				}
			}()

			<-ctx.Done()
			log.Info().Msg("🛑 shutting down gracefully")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = ops.Shutdown(shutdownCtx)
			if err := graph.Close(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("close reported errors")
			}
			return shutdownTracing(shutdownCtx)
		},
	}
}

func opsRouter(graph *knowledge.Graph) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := graph.Health(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	r.Get("/statsz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(graph.Stats())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
