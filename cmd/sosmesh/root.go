package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bit2swaz/sosmesh/internal/config"
	"github.com/bit2swaz/sosmesh/internal/logger"
	"github.com/spf13/cobra"
)

var logCloser io.Closer

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sosmesh",
		Short:         "SOSMesh offline emergency alert relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			w, err := logger.Init(logger.Options{File: cfg.LogFile, Level: cfg.LogLevel})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logCloser = w
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Log file path")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newStartCmd(cfg), newSimulateCmd(), newProbeCmd(cfg))
	return rootCmd
}

func Execute(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
