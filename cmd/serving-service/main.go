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
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"github.com/synaptica-ai/diagnosis/pkg/pipeline"
	"github.com/synaptica-ai/diagnosis/pkg/serving"
	"github.com/synaptica-ai/diagnosis/pkg/serving/predictor"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetDB(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.CloseDB()

	repo := serving.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate prediction log table")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder, err := pipeline.EmbedderFromConfig(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialise embedder")
	}
	defer database.CloseRedis()

	handler := serving.NewHTTPHandler(predictor.NewPredictor(cfg.ArtifactDir), embedder, repo, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	handler.Register(router.PathPrefix("/api/v1").Subrouter())

	port := cfg.ServingPort
	limit := middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, port),
		Handler:      middleware.Recovery(middleware.Logging(middleware.CORS(limit(router)))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":      cfg.ServerHost,
			"port":      port,
			"artifacts": cfg.ArtifactDir,
			"embedder":  embedder.Name(),
		}).Info("Serving Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Serving Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Serving Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
