package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/willibrandon/chronopoint/pkg/simulate"
)

var (
	simBenchmark   string
	simTarget      int
	simWorkers     int
	simResultsDir  string
	simLogFile     string
	simAppendLog   bool
	simForceRerun  bool
	simInOrder     bool
	simFlagConfig  string
	simTimeout     time.Duration
	simMetricsAddr string
	simListConfigs bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <snapshot-dir>",
	Short: "Simulate converted snapshots in parallel until a target succeeds",
	Args: func(cmd *cobra.Command, args []string) error {
		if simListConfigs {
			return nil
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if simListConfigs {
			for _, name := range simulate.DefaultRegistry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}
		return runSimulate(cmd, args[0])
	},
}

func init() {
	flags := simulateCmd.Flags()
	flags.StringVar(&simBenchmark, "bench", "", "benchmark name used in result paths")
	flags.IntVarP(&simTarget, "num-checkpoints", "n", 0, "successful simulations wanted, 0 for all")
	flags.IntVarP(&simWorkers, "pool-size", "p", 0, "concurrent simulations (default from config)")
	flags.StringVar(&simResultsDir, "results-dir", "", "results directory (default from config)")
	flags.StringVarP(&simLogFile, "log-file", "l", "", "shared simulation log (default parallel_simulation_log_<time>.txt)")
	flags.BoolVar(&simAppendLog, "append-log", false, "append to the simulation log instead of truncating it")
	flags.BoolVar(&simForceRerun, "force-rerun", false, "ignore an existing summary and start over")
	flags.BoolVar(&simInOrder, "in-order", false, "use the in-order CPU model")
	flags.StringVar(&simFlagConfig, "flag-config", "", "flag configuration (default from config)")
	flags.DurationVar(&simTimeout, "timeout", 0, "per-simulation timeout (default from config)")
	flags.StringVar(&simMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&simListConfigs, "list-configs", false, "list flag configurations and exit")
	_ = simulateCmd.MarkFlagRequired("bench")
}

func runSimulate(cmd *cobra.Command, dir string) error {
	s := cfg.Simulate
	flags := cmd.Flags()
	if flags.Changed("pool-size") {
		s.Workers = simWorkers
	}
	if flags.Changed("results-dir") {
		s.ResultsDir = simResultsDir
	}
	if flags.Changed("log-file") {
		s.LogFile = simLogFile
	}
	if flags.Changed("in-order") {
		s.InOrder = simInOrder
	}
	if flags.Changed("flag-config") {
		s.FlagConfig = simFlagConfig
	}
	if flags.Changed("timeout") {
		s.Timeout = simTimeout
	}
	if err := cfg.ValidateSimulate(); err != nil {
		return err
	}
	if _, err := simulate.DefaultRegistry.Lookup(s.FlagConfig); err != nil {
		return err
	}
	if s.LogFile == "" {
		s.LogFile = fmt.Sprintf("parallel_simulation_log_%s.txt", time.Now().Format("2006-01-02_15:04:05"))
	}

	simLog := simulate.NewSharedLog(s.LogFile)
	if err := simLog.Begin(simAppendLog, time.Now()); err != nil {
		return fmt.Errorf("failed to open simulation log: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if simMetricsAddr != "" {
		stop := serveMetrics(simMetricsAddr, reg)
		defer stop()
	}

	sim := &simulate.Gem5Simulator{
		Gem5Path:    s.Gem5Path,
		Script:      s.ScriptPath(),
		Program:     s.Program,
		ProgramArgs: s.Args,
		Log:         simLog,
		Logger:      logger,
	}
	sched, err := simulate.NewScheduler(sim, simulate.Options{
		CheckpointDir: dir,
		ResultsDir:    s.ResultsDir,
		Benchmark:     simBenchmark,
		Target:        simTarget,
		Workers:       s.Workers,
		Timeout:       s.Timeout,
		PollInterval:  s.PollInterval,
		ForceRerun:    simForceRerun,
		Warmup:        s.Warmup,
		Reportable:    s.Reportable,
		FlagConfig:    s.FlagConfig,
		InOrder:       s.InOrder,
		Registerer:    reg,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	sum, err := sched.Run(cmd.Context())
	if sum != nil {
		logger.Info().
			Str("summary", filepath.Clean(sched.SummaryPath())).
			Int("successful", sum.Successful).
			Int("failed", sum.Failed).
			Int("invalid", sum.Invalid).
			Int("total", sum.Total).
			Msg("summary written")
	}
	return err
}

// serveMetrics exposes reg over HTTP until the returned function is called
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
