package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

var (
	configPath string
	overrides  config.Overrides
	logger     = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "pqcsim",
	Short: "Post-quantum TLS traffic simulator",
	Long: `pqcsim reconstructs connection-level features from packet captures and
replays or statistically simulates them as TLS 1.3 connections against a
hybrid post-quantum endpoint.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML configuration file")
	overrides.BindFlags(pf)

	rootCmd.AddCommand(
		analyzeCmd,
		diagnoseCmd,
		summarizeCmd,
		simulateCmd,
		serveCmd,
		captureCmd,
		experimentCmd,
		historyCmd,
		watchCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, applies the command-line
// overrides, validates the result and builds the process logger. A missing
// file is only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.ReadConfig(configPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return cfg, err
	}

	cfg = overrides.Apply(cfg, cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logger = logging.New(cfg.Logging.Level, os.Stderr)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
