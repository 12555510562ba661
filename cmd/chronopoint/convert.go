package main

import (
	"github.com/spf13/cobra"

	"github.com/willibrandon/chronopoint/pkg/convert"
)

var (
	convertForce         bool
	convertNoCompression bool
	convertNum           int
	convertWorkers       int
)

var convertCmd = &cobra.Command{
	Use:   "convert <snapshot-dir>",
	Short: "Write the physical memory image of every valid snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := convert.Options{
			Force:    convertForce,
			Compress: cfg.Convert.Compress,
			Workers:  cfg.Convert.Workers,
			Num:      convertNum,
			Logger:   logger,
		}
		if cmd.Flags().Changed("no-compression") {
			opts.Compress = !convertNoCompression
		}
		if cmd.Flags().Changed("workers") {
			opts.Workers = convertWorkers
		}
		_, err := convert.Directory(cmd.Context(), args[0], opts)
		return err
	},
}

func init() {
	convertCmd.Flags().BoolVarP(&convertForce, "force", "f", false, "recreate existing memory images")
	convertCmd.Flags().BoolVar(&convertNoCompression, "no-compression", false, "keep memory images uncompressed")
	convertCmd.Flags().IntVarP(&convertNum, "num", "n", 0, "convert only this many evenly spaced snapshots")
	convertCmd.Flags().IntVarP(&convertWorkers, "workers", "p", 0, "concurrent conversions (default from config)")
}
