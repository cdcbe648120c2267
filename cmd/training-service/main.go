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
	"github.com/synaptica-ai/diagnosis/pkg/common/kafka"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/common/middleware"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"github.com/synaptica-ai/diagnosis/pkg/pipeline"
	"github.com/synaptica-ai/diagnosis/pkg/training"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetDB(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.CloseDB()

	repo := training.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate training tables")
	}

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

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaMetricsTopic)
	defer producer.Close()

	trackers, err := pipeline.Trackers(cfg.TrackerSinks, producer, repo)
	if err != nil {
		logger.Log.WithError(err).Fatal("Invalid tracker configuration")
	}
	base, err := config.LoadExperiment(cfg.ExperimentPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load experiment config")
	}

	p := pipeline.New(embedder, cfg.ArtifactDir, pipeline.WithScrubber(scrubber), pipeline.WithTrackers(trackers))
	svc := training.NewService(ctx, repo, pipeline.NewExecutor(p, base), cfg.TrackingProject, cfg.TrainingWorkers)
	handler := training.NewHTTPHandler(svc, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handler.Register(router.PathPrefix("/api/v1").Subrouter())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      middleware.Recovery(middleware.Logging(middleware.CORS(router))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":     cfg.ServerHost,
			"port":     cfg.ServerPort,
			"embedder": embedder.Name(),
			"workers":  cfg.TrainingWorkers,
		}).Info("Training Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Training Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	// in-flight runs observe the cancelled context
	cancel()
	svc.Wait()

	logger.Log.Info("Training Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
