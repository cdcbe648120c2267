package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/common/middleware"
	"github.com/synaptica-ai/diagnosis/pkg/features"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"github.com/synaptica-ai/diagnosis/pkg/pipeline"
)

func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder, err := pipeline.EmbedderFromConfig(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialise embedder")
	}
	defer database.CloseRedis()
	scrubber, err := pipeline.ScrubberFromConfig(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load PHI rules")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	features.NewHTTPHandler(embedder, scrubber, cfg.MaxRequestBody).Register(router.PathPrefix("/api/v1").Subrouter())

	limit := middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.EmbeddingPort),
		Handler:      middleware.Recovery(middleware.Logging(limit(router))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":              cfg.ServerHost,
			"port":              cfg.EmbeddingPort,
			logger.ModelNameKey: embedder.Name(),
		}).Info("Embedding Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Embedding Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Embedding Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
