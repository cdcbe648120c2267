package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
)

var (
	verbose bool
	envFile string

	cfg *config.Config
)

// exitError carries a process exit code without printing usage again.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

var rootCmd = &cobra.Command{
	Use:   "diagnosis",
	Short: "Train and serve the medical diagnosis model",
	Long: `diagnosis fetches physiological records from a PhysioNet style archive,
trains the notes + vitals + labs classifier, evaluates it and serves
predictions from the saved artifacts.

Configuration is read from the environment; a .env file is loaded first
when present.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.InitCLI(verbose)
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		cfg = config.Load()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = database.CloseDB()
		_ = database.CloseRedis()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	rootCmd.AddCommand(ingestCmd, trainCmd, evaluateCmd, predictCmd, checkServicesCmd, runsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exit exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
