package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/willibrandon/chronopoint/pkg/capture"
	"github.com/willibrandon/chronopoint/pkg/debugger"
	"github.com/willibrandon/chronopoint/pkg/recorder"
)

var (
	captureOutputDir     string
	captureMax           int
	captureEntry         string
	captureNoCompress    bool
	captureConvert       bool
	captureCompressImage bool
	captureSkipPolicy    string
	captureJournal       string

	captureInterval     time.Duration
	captureInstructions int
	captureBreakpoints  []string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture snapshots of a running program",
	Long: `Run a program under the debugger and write a snapshot directory at each
stop. The program and its arguments follow a "--" separator.`,
}

var captureIntervalCmd = &cobra.Command{
	Use:   "interval -- <program> [args...]",
	Short: "Capture a snapshot every interval of wall time",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(cmd, args, func(ctx context.Context, d *capture.Driver) error {
			if err := d.Start(ctx); err != nil {
				return err
			}
			return d.RunInterval(ctx, captureInterval)
		})
	},
}

var captureInstructionsCmd = &cobra.Command{
	Use:   "instructions -- <program> [args...]",
	Short: "Capture a snapshot every N instructions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(cmd, args, func(ctx context.Context, d *capture.Driver) error {
			if err := d.Start(ctx); err != nil {
				return err
			}
			return d.RunInstructions(ctx, captureInstructions)
		})
	},
}

var captureInteractiveCmd = &cobra.Command{
	Use:   "interactive -- <program> [args...]",
	Short: "Drive the program from a shell and capture on demand",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(cmd, args, func(ctx context.Context, d *capture.Driver) error {
			return d.RunInteractive(ctx, captureBreakpoints, debugger.ShellConfig{
				HistoryFile: cfg.Capture.HistoryFile,
			})
		})
	},
}

func init() {
	flags := captureCmd.PersistentFlags()
	flags.StringVarP(&captureOutputDir, "output-dir", "o", "", "snapshot directory (default from config)")
	flags.IntVarP(&captureMax, "max", "n", -1, "maximum number of snapshots, negative for unlimited")
	flags.StringVar(&captureEntry, "entry", "", "function to run to before capturing")
	flags.BoolVar(&captureNoCompress, "no-compression", false, "keep cores uncompressed")
	flags.BoolVar(&captureConvert, "convert", false, "write memory images in the background")
	flags.BoolVar(&captureCompressImage, "compress-image", false, "gzip memory images after conversion")
	flags.StringVar(&captureSkipPolicy, "skip-policy", "", "stop inside a disallowed region: drop or step")
	flags.StringVar(&captureJournal, "journal-compression", "", "capture journal compression: none or zstd")

	captureIntervalCmd.Flags().DurationVar(&captureInterval, "every", time.Second, "wall time between snapshots")
	captureInstructionsCmd.Flags().IntVar(&captureInstructions, "every", 1000000, "instructions between snapshots")
	captureInteractiveCmd.Flags().StringSliceVarP(&captureBreakpoints, "break", "b", nil, "breakpoint locations to install")

	captureCmd.AddCommand(captureIntervalCmd, captureInstructionsCmd, captureInteractiveCmd)
}

// captureOptions merges the configuration with the flags that were set
func captureOptions(cmd *cobra.Command) (capture.Options, recorder.CompressionType, error) {
	c := cfg.Capture
	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		c.OutputDir = captureOutputDir
	}
	if flags.Changed("max") {
		c.Max = captureMax
	}
	if flags.Changed("entry") {
		c.EntryPoint = captureEntry
	}
	if flags.Changed("no-compression") {
		c.Compress = !captureNoCompress
	}
	if flags.Changed("convert") {
		c.Convert = captureConvert
	}
	if flags.Changed("skip-policy") {
		c.SkipPolicy = captureSkipPolicy
	}
	if flags.Changed("journal-compression") {
		c.JournalCompression = captureJournal
	}

	policy, err := capture.ParseSkipPolicy(c.SkipPolicy)
	if err != nil {
		return capture.Options{}, 0, err
	}
	journal, err := recorder.ParseCompressionType(c.JournalCompression)
	if err != nil {
		return capture.Options{}, 0, err
	}
	return capture.Options{
		OutputDir:        c.OutputDir,
		EntryPoint:       c.EntryPoint,
		Max:              c.Max,
		Compress:         c.Compress,
		Convert:          c.Convert,
		CompressImage:    captureCompressImage || cfg.Convert.Compress,
		Disallowed:       c.DisallowedRegions,
		SkipPolicy:       policy,
		RetryLimit:       c.RetryLimit,
		MemoryMultiplier: cfg.Convert.MemoryMultiplier,
		MmapEnd:          cfg.Convert.MmapEnd,
		Launcher:         &capture.ExecLauncher{Args: configArgs(), Logger: logger},
		Logger:           logger,
	}, journal, nil
}

// withDriver starts the program under Delve, opens the journal and hands a
// driver to run
func withDriver(cmd *cobra.Command, args []string, run func(context.Context, *capture.Driver) error) error {
	opts, journalType, err := captureOptions(cmd)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", opts.OutputDir, err)
	}
	journal, err := recorder.OpenJournal(opts.OutputDir, recorder.FileRecorderOptions{CompressionType: journalType})
	if err != nil {
		return fmt.Errorf("failed to open capture journal: %w", err)
	}
	defer journal.Close()
	opts.Journal = journal

	program, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	inspector, err := debugger.NewDelveDebugger(program, args[1:], logger)
	if err != nil {
		return err
	}
	defer inspector.Close()

	d, err := capture.NewDriver(inspector, opts)
	if err != nil {
		return err
	}
	err = run(cmd.Context(), d)
	logger.Info().Int("captured", d.Captured()).Str("dir", opts.OutputDir).Msg("capture finished")
	return err
}
