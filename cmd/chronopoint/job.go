package main

import (
	"github.com/spf13/cobra"

	"github.com/willibrandon/chronopoint/pkg/capture"
)

var jobSpec string

// jobCmd is started by the capture driver for background work
var jobCmd = &cobra.Command{
	Use:    "job --spec <json>",
	Short:  "Run one background capture job",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := capture.DecodeJobSpec(jobSpec)
		if err != nil {
			return err
		}
		return capture.RunJob(cmd.Context(), spec, logger)
	},
}

func init() {
	jobCmd.Flags().StringVar(&jobSpec, "spec", "", "JSON job description")
	_ = jobCmd.MarkFlagRequired("spec")
}
