package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/servicecheck"
)

func main() {
	logger.InitCLI(os.Getenv("LOG_LEVEL") == "debug")
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Log.WithError(err).Warn("Failed to read .env")
	}
	cfg := config.Load()

	checkCfg := servicecheck.FromProcess(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := httpclient.New(cfg.ProbeTimeout)
	report := servicecheck.NewChecker(checkCfg, servicecheck.DefaultProbes(checkCfg, client)).Check(ctx)
	report.Write(os.Stdout)
	if !report.OK {
		stop()
		os.Exit(1)
	}
}
