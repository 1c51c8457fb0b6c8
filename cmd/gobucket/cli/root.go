// Package cli implements the gobucket command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franksops/gobucket/config"
	"github.com/franksops/gobucket/engine"
	"github.com/franksops/gobucket/provider"
)

// Build information set via ldflags.
var version = "dev"

// Global flags.
var (
	cfgFile  string
	logLevel string
	logFile  string
)

// cfg is loaded before every command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gobucket",
	Short: "Move batches of files to and from object storage",
	Long: `Gobucket uploads local files and directories to object-storage buckets
and downloads objects back, in chunks, with per-job progress, retry and
cancellation.

Backends: Amazon S3 (and S3-compatible services), MinIO and a local
directory tree.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/gobucket/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("progress", "", "Progress mode (auto, tty, plain)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("progress", rootCmd.PersistentFlags().Lookup("progress"))
	rootCmd.Version = version
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
	}
	return err
}

func loadConfig(_ *cobra.Command, _ []string) error {
	config.Init(viper.GetViper(), cfgFile)
	c, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// newLogger builds the logger handed to the registry. When quiet is set and
// no log file is configured, log output is dropped so it does not tear the
// terminal UI.
func newLogger(quiet bool) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	closer := func() {}
	switch {
	case logFile != "":
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
		closer = func() { f.Close() }
	case quiet:
		log.SetOutput(io.Discard)
	default:
		log.SetOutput(os.Stderr)
	}
	return log, closer, nil
}

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// formatError converts gobucket errors to user-friendly messages.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, provider.ErrAccessDenied):
		return "Error: access denied (check your credentials)"
	case errors.Is(err, provider.ErrUnavailable):
		return fmt.Sprintf("Error: storage service unavailable: %v", err)
	case errors.Is(err, provider.ErrNotFound):
		return fmt.Sprintf("Error: not found: %v", err)
	case errors.Is(err, engine.ErrInvalidRequest):
		return fmt.Sprintf("Error: invalid request: %v", err)
	case errors.Is(err, engine.ErrAbortFailed):
		return fmt.Sprintf("Error: could not abort upload, storage may hold an incomplete session: %v", err)
	case errors.Is(err, context.Canceled):
		return "Error: operation canceled"
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
