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
	"github.com/robfig/cron/v3"
	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/common/middleware"
	"github.com/synaptica-ai/diagnosis/pkg/ingestion"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetDB(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.CloseDB()

	catalog := ingestion.NewCatalog(db)
	if err := catalog.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate ingestion catalog")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := ingestion.NewArchive(cfg.ArchiveBaseURL, cfg.ArchiveVersion, cfg.DataDir, httpclient.New(cfg.HTTPTimeout), cfg.HTTPAttempts)
	svc := ingestion.NewService(archive, ingestion.WithCatalog(catalog), ingestion.WithMaxRecords(cfg.IngestMaxRecords))
	handler := ingestion.NewHTTPHandler(ctx, svc, catalog)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if cfg.IngestSchedule != "" {
		_, err := scheduler.AddFunc(cfg.IngestSchedule, func() {
			if !handler.Refresh(cfg.ArchiveDatabase) {
				logger.Log.WithField(logger.DatabaseKey, cfg.ArchiveDatabase).Warn("Previous refresh still running")
			}
		})
		if err != nil {
			logger.Log.WithError(err).WithField("schedule", cfg.IngestSchedule).Fatal("invalid ingestion schedule")
		}
		scheduler.Start()
		logger.Log.WithFields(map[string]interface{}{
			"schedule":         cfg.IngestSchedule,
			logger.DatabaseKey: cfg.ArchiveDatabase,
		}).Info("Archive refresh scheduled")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.IngestionPort),
		Handler:      middleware.Recovery(middleware.Logging(router)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":    cfg.ServerHost,
			"port":    cfg.IngestionPort,
			"archive": cfg.ArchiveBaseURL,
		}).Info("Ingestion Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingestion Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}
	<-scheduler.Stop().Done()
	cancel()
	handler.Wait()

	logger.Log.Info("Ingestion Service stopped")
}
