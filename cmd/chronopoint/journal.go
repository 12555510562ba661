package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/chronopoint/pkg/recorder"
	"github.com/willibrandon/chronopoint/pkg/replay"
)

var (
	journalUntil   string
	journalSummary bool
)

var journalCmd = &cobra.Command{
	Use:   "journal <snapshot-dir>",
	Short: "Print the capture journal of a snapshot directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := recorder.ReadJournal(args[0])
		if err != nil {
			return err
		}

		if journalSummary {
			printReport(cmd.OutOrStdout(), replay.Summarize(events))
			return nil
		}

		r := replay.NewReplayer(cmd.OutOrStdout())
		r.LoadEvents(events)
		if journalUntil == "" {
			r.ReplayForward()
			return nil
		}
		stop, err := replay.ParseEventType(journalUntil)
		if err != nil {
			return err
		}
		if _, hit := r.ReplayUntil(func(e recorder.Event) bool { return e.Type == stop }); !hit {
			fmt.Fprintf(cmd.OutOrStdout(), "no %s event in journal\n", stop)
		}
		return nil
	},
}

func printReport(w io.Writer, rep replay.Report) {
	for t := recorder.CaptureEvent; t <= recorder.ExitEvent; t++ {
		fmt.Fprintf(w, "%-10s %d\n", t, rep.Counts[t])
	}
	if len(rep.Failed) > 0 {
		fmt.Fprintf(w, "failed jobs: %s\n", strings.Join(rep.Failed, " "))
	}
	if len(rep.Pending) > 0 {
		fmt.Fprintf(w, "unfinished jobs: %s\n", strings.Join(rep.Pending, " "))
	}
}

func init() {
	journalCmd.Flags().StringVar(&journalUntil, "until", "", "stop after the first event of this type (capture, skip, joblaunch, jobdone, jobfailed, exit)")
	journalCmd.Flags().BoolVar(&journalSummary, "summary", false, "print event counts and job outcomes instead of events")
}
