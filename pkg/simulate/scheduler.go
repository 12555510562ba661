package simulate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
)

var (
	// ErrNoValid is returned when the snapshot directory holds no snapshot
	// that can be simulated
	ErrNoValid = errors.New("no valid checkpoints to simulate")
	// ErrTargetNotReached is returned when every snapshot has been tried and
	// fewer than the target succeeded
	ErrTargetNotReached = errors.New("target number of successful simulations not reached")
)

const (
	DefaultTimeout      = time.Hour
	DefaultPollInterval = 100 * time.Millisecond
)

// Options configures a Scheduler
type Options struct {
	CheckpointDir string
	ResultsDir    string
	Benchmark     string
	// Mode defaults to Mode(InOrder, FlagConfig)
	Mode string
	// Target is the number of successful simulations wanted; 0 means all
	Target       int
	Workers      int
	Timeout      time.Duration
	PollInterval time.Duration
	// ForceRerun ignores an existing summary
	ForceRerun bool
	Warmup     int64
	Reportable int64
	FlagConfig string
	InOrder    bool
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = Mode(o.InOrder, o.FlagConfig)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// Scheduler runs the snapshots of a directory through a Simulator until a
// target number of them succeeded
type Scheduler struct {
	sim     Simulator
	opts    Options
	logger  zerolog.Logger
	metrics *metrics
}

// NewScheduler creates a scheduler
func NewScheduler(sim Simulator, opts Options) (*Scheduler, error) {
	opts.setDefaults()
	if sim == nil {
		return nil, errors.New("no simulator")
	}
	if opts.CheckpointDir == "" {
		return nil, errors.New("no checkpoint directory")
	}
	if opts.ResultsDir == "" {
		return nil, errors.New("no results directory")
	}
	if opts.Benchmark == "" {
		return nil, errors.New("no benchmark name")
	}
	return &Scheduler{
		sim:     sim,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "simulate").Str("mode", opts.Mode).Logger(),
		metrics: newMetrics(opts.Registerer),
	}, nil
}

// SummaryPath returns the file the scheduler persists its summary to
func (s *Scheduler) SummaryPath() string {
	return SummaryPath(s.opts.ResultsDir, s.opts.Benchmark, s.opts.Mode)
}

type outcome struct {
	name   string
	status Status
	err    error
}

// Run schedules simulations until the target is reached or no snapshot is
// left to try, then waits for the jobs still running. The summary is written
// after every change and again on return, whatever the outcome.
func (s *Scheduler) Run(ctx context.Context) (_ *Summary, err error) {
	if err := os.MkdirAll(s.opts.ResultsDir, 0755); err != nil {
		return nil, err
	}
	path := s.SummaryPath()
	sum, err := s.loadSummary(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if perr := sum.Save(path); perr != nil {
			s.logger.Error().Err(perr).Str("path", path).Msg("failed to save summary")
			if err == nil {
				err = perr
			}
		}
	}()

	cat, err := checkpoint.NewCatalog(s.opts.CheckpointDir)
	if err != nil {
		return sum, err
	}
	if err := sum.Reconcile(cat); err != nil {
		return sum, err
	}
	if sum.Invalid == sum.Total {
		return sum, fmt.Errorf("%w in %s", ErrNoValid, s.opts.CheckpointDir)
	}
	if sum.Invalid > 0 {
		s.logger.Warn().Int("invalid", sum.Invalid).Msg("skipping invalid checkpoints")
	}

	pool := sum.Names(NotRun)
	target := len(pool) + sum.Successful
	if s.opts.Target > 0 {
		if s.opts.Target > target {
			s.logger.Warn().Int("requested", s.opts.Target).Int("available", target).
				Msg("fewer checkpoints available than requested")
		} else {
			target = s.opts.Target
		}
	}
	s.logger.Info().
		Int("total", sum.Total).
		Int("successful", sum.Successful).
		Int("failed", sum.Failed).
		Int("pending", len(pool)).
		Int("target", target).
		Msg("starting simulations")

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.opts.Workers))
	results := make(chan outcome, len(pool))
	inFlight := 0

	for sum.Successful < target && len(pool) > 0 {
		batch := checkpoint.SelectEvenlySpaced(pool, target-sum.Successful)
		pool = remove(pool, batch)
		// slots are taken here, in selection order, so jobs start in that order
		for _, name := range batch {
			for !sem.TryAcquire(1) {
				n, err := s.poll(ctx, results, sum, target, path)
				if err != nil {
					return sum, err
				}
				inFlight -= n
			}
			inFlight++
			wg.Add(1)
			go func(chk *checkpoint.Checkpoint) {
				defer wg.Done()
				defer sem.Release(1)
				results <- s.runJob(runCtx, chk)
			}(cat.Get(name))
		}
		s.logger.Debug().Int("dispatched", len(batch)).Int("remaining", len(pool)).Msg("dispatched batch")

		for inFlight > 0 && sum.Successful < target {
			n, err := s.poll(ctx, results, sum, target, path)
			if err != nil {
				return sum, err
			}
			inFlight -= n
		}
		s.save(sum, path)
	}

	// stragglers
	for inFlight > 0 {
		n, err := s.poll(ctx, results, sum, target, path)
		if err != nil {
			return sum, err
		}
		inFlight -= n
	}

	s.logger.Info().
		Int("successful", sum.Successful).
		Int("failed", sum.Failed).
		Int("target", target).
		Msg("simulations finished")
	if sum.Successful < target {
		return sum, fmt.Errorf("%w: %d of %d", ErrTargetNotReached, sum.Successful, target)
	}
	return sum, nil
}

func (s *Scheduler) loadSummary(path string) (*Summary, error) {
	if s.opts.ForceRerun {
		s.logger.Info().Str("path", path).Msg("ignoring existing summary")
		return NewSummary(s.opts.Benchmark, s.opts.Mode), nil
	}
	sum, err := LoadSummary(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSummary(s.opts.Benchmark, s.opts.Mode), nil
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("path", path).Msg("loaded existing results")
	sum.Benchmark = s.opts.Benchmark
	sum.Mode = s.opts.Mode
	return sum, nil
}

// poll records every outcome already available. When there is none it sleeps
// for one poll interval. It returns the number of outcomes recorded.
func (s *Scheduler) poll(ctx context.Context, results <-chan outcome, sum *Summary, target int, path string) (int, error) {
	n := 0
	for {
		select {
		case o := <-results:
			n++
			s.record(sum, o, target)
			continue
		default:
		}
		break
	}
	if n > 0 {
		s.save(sum, path)
		return n, nil
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(s.opts.PollInterval):
		return 0, nil
	}
}

func (s *Scheduler) record(sum *Summary, o outcome, target int) {
	if o.status == NotRun {
		return
	}
	sum.Set(o.name, o.status)
	s.metrics.total.WithLabelValues(string(o.status)).Inc()

	level := zerolog.InfoLevel
	if o.status != Successful {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Err(o.err).
		Str("checkpoint", o.name).
		Str("status", string(o.status)).
		Int("successful", sum.Successful).
		Int("failed", sum.Failed).
		Int("target", target).
		Msg("simulation finished")
}

func (s *Scheduler) save(sum *Summary, path string) {
	if err := sum.Save(path); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("failed to save summary")
	}
}

// runJob runs one simulation on a worker slot already held by the caller. The
// timeout starts here. A job that outlives it is abandoned: its outcome is
// reported as a timeout without waiting for the simulator to return.
func (s *Scheduler) runJob(ctx context.Context, chk *checkpoint.Checkpoint) outcome {
	name := chk.Name()
	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	job := Job{
		ID:         uuid.NewString(),
		Checkpoint: chk,
		Benchmark:  s.opts.Benchmark,
		Mode:       s.opts.Mode,
		OutputDir:  OutputDir(s.opts.ResultsDir, s.opts.Benchmark, s.opts.Mode, name),
		Warmup:     s.opts.Warmup,
		Reportable: s.opts.Reportable,
		FlagConfig: s.opts.FlagConfig,
		InOrder:    s.opts.InOrder,
	}
	s.logger.Debug().Str("job", job.ID).Str("checkpoint", name).Msg("dispatching simulation")

	jobCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.sim.Run(jobCtx, job)
	}()

	var (
		err      error
		timedOut bool
	)
	select {
	case err = <-done:
		timedOut = err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	case <-jobCtx.Done():
		timedOut = true
	}
	switch {
	case ctx.Err() != nil:
		return outcome{name: name, status: NotRun, err: ctx.Err()}
	case timedOut:
		return outcome{name: name, status: FailedTimeout, err: context.DeadlineExceeded}
	}
	if _, statErr := os.Stat(job.ResultPath()); statErr != nil {
		if err == nil {
			err = fmt.Errorf("no %s in %s", ResultFile, job.OutputDir)
		}
		return outcome{name: name, status: Failed, err: err}
	}
	return outcome{name: name, status: Successful}
}

func remove(pool, picked []string) []string {
	drop := make(map[string]bool, len(picked))
	for _, name := range picked {
		drop[name] = true
	}
	out := make([]string, 0, len(pool))
	for _, name := range pool {
		if !drop[name] {
			out = append(out, name)
		}
	}
	return out
}
