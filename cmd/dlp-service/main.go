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
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/common/middleware"
	"github.com/synaptica-ai/diagnosis/pkg/dlp"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"github.com/synaptica-ai/diagnosis/pkg/pipeline"
)

func main() {
	logger.Init()
	cfg := config.Load()

	detector, err := pipeline.ScrubberFromConfig(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load PHI rules")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	dlp.NewHTTPHandler(detector, cfg.MaxRequestBody).Register(router.PathPrefix("/api/v1").Subrouter())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.DLPPort),
		Handler:      middleware.Recovery(middleware.Logging(router)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.DLPPort,
			"rules": cfg.PHIRulesPath,
		}).Info("DLP Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down DLP Service...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("DLP Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
