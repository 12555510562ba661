package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/willibrandon/chronopoint/pkg/config"
	"github.com/willibrandon/chronopoint/pkg/logging"
	"github.com/willibrandon/chronopoint/pkg/simulate"
	"github.com/willibrandon/chronopoint/pkg/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg *config.Config
	// replaced once the configuration is loaded
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

var rootCmd = &cobra.Command{
	Use:           "chronopoint",
	Short:         "Capture live process snapshots and simulate them in gem5",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadOptional(config.FileName)
		}
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Log.Format = logFormat
		}
		logger, err = logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: logging.Format(cfg.Log.Format),
		})
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file (default ./"+config.FileName+" when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format: auto, console, json")
	rootCmd.AddCommand(captureCmd, convertCmd, simulateCmd, journalCmd, jobCmd, versionCmd)
}

// configArgs passes the configuration file on to child processes
func configArgs() []string {
	if cfgFile == "" {
		return nil
	}
	return []string{"--config", cfgFile}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, simulate.ErrTargetNotReached) {
		logger.Warn().Err(err).Msg("simulation target not reached")
	} else {
		logger.Error().Err(err).Msg("command failed")
	}
	os.Exit(1)
}
