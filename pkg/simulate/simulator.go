package simulate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
)

const (
	// ResultFile is written by a simulation that ran to completion
	ResultFile = "res.json"
	// StatsFile holds the simulator's statistics dump
	StatsFile = "stats.txt"
)

// Job is one simulation of one snapshot
type Job struct {
	ID         string
	Checkpoint *checkpoint.Checkpoint
	Benchmark  string
	Mode       string
	OutputDir  string
	Warmup     int64
	Reportable int64
	FlagConfig string
	InOrder    bool
}

// ResultPath is the file whose presence marks the job successful
func (j Job) ResultPath() string {
	return filepath.Join(j.OutputDir, ResultFile)
}

// OutputDir returns <results>/<benchmark>_<mode>_<snapshot>
func OutputDir(resultsDir, benchmark, mode, snapshot string) string {
	return filepath.Join(resultsDir, fmt.Sprintf("%s_%s_%s", benchmark, mode, snapshot))
}

// Simulator runs simulation jobs. Run blocks until the job finishes or ctx is
// done; an error means the simulator itself failed, the job's outcome is
// judged by its result file.
type Simulator interface {
	Run(ctx context.Context, job Job) error
}

// FuncSimulator adapts a function to Simulator
type FuncSimulator func(ctx context.Context, job Job) error

func (f FuncSimulator) Run(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// SharedLog is an append-only log file shared by every simulation job. Each
// job appends its command line and output as one block under an exclusive
// file lock.
type SharedLog struct {
	Path string
	mu   sync.Mutex
}

// NewSharedLog returns a log writing to path
func NewSharedLog(path string) *SharedLog {
	return &SharedLog{Path: path}
}

// Begin writes the run header, truncating the file unless appendMode is set
func (l *SharedLog) Begin(appendMode bool, now time.Time) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(l.Path, flags, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\nStarting simulation run at %s...\n",
		strings.Repeat("*", 80), now.UTC().Format(time.RFC3339))
	return err
}

// Append writes one job block: the command line, then stdout and stderr
func (l *SharedLog) Append(args []string, stdout, stderr []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock := flock.New(l.Path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", l.Path, err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	var b bytes.Buffer
	b.WriteString(strings.Repeat("-", 80) + "\n")
	b.WriteString(strings.Join(args, " ") + "\n")
	b.WriteString("STDOUT " + strings.Repeat("-", 40) + "\n")
	b.Write(stdout)
	b.WriteString("STDERR " + strings.Repeat("-", 40) + "\n")
	b.Write(stderr)
	_, err = f.Write(b.Bytes())
	return err
}

// Gem5Simulator runs each job as a gem5 process
type Gem5Simulator struct {
	// Gem5Path is the gem5 source tree holding build/X86/gem5.opt and configs
	Gem5Path string
	// Binary overrides the simulator executable
	Binary string
	// Script is the simulation script passed to gem5
	Script string
	// Program is the binary the snapshots were captured from
	Program     string
	ProgramArgs []string
	Registry    *Registry
	Log         *SharedLog
	Logger      zerolog.Logger
}

func (g *Gem5Simulator) binary() string {
	if g.Binary != "" {
		return g.Binary
	}
	return filepath.Join(g.Gem5Path, "build", "X86", "gem5.opt")
}

// Args builds the simulator command line for a job
func (g *Gem5Simulator) Args(job Job) ([]string, error) {
	manifest, err := job.Checkpoint.Mappings()
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings of %s: %w", job.Checkpoint.Name(), err)
	}
	registry := g.Registry
	if registry == nil {
		registry = DefaultRegistry
	}
	flags, err := registry.Lookup(job.FlagConfig)
	if err != nil {
		return nil, err
	}

	cpuType := "DerivO3CPU"
	if job.InOrder {
		cpuType = "TimingSimpleCPU"
	}
	system := []string{
		"--mem-type", "SimpleMemory",
		"--cmd", g.Program,
		"--cpu-type", cpuType,
		"--cpu-clock", "2GHz",
		"--sys-clock", "2GHz",
		"--l1d_size", "32kB",
		"--l1d_assoc", "8",
		"--l1i_size", "32kB",
		"--l2_size", "2MB",
		"--l2_assoc", "16",
		"--l2cache",
		"--caches",
	}
	run := []string{
		"--warmup-insts", strconv.FormatInt(job.Warmup, 10),
		"--reportable-insts", strconv.FormatInt(job.Reportable, 10),
		"--start-checkpoint", job.Checkpoint.Dir,
		"--mem-size", strconv.FormatUint(manifest.MemSize, 10),
		"--outdir", job.OutputDir,
		"--flag-config", flags.Name,
	}
	system, run = flags.Apply(system, run)

	args := append([]string{g.Script}, system...)
	args = append(args, run...)
	if len(g.ProgramArgs) > 0 {
		args = append(args, "--options", strings.Join(g.ProgramArgs, " "))
	}
	return args, nil
}

func (g *Gem5Simulator) Run(ctx context.Context, job Job) error {
	args, err := g.Args(job)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.binary(), args...)
	cmd.Env = append(os.Environ(), "PYTHONPATH="+filepath.Join(g.Gem5Path, "configs"))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := g.Logger.With().Str("job", job.ID).Str("checkpoint", job.Checkpoint.Name()).Logger()
	logger.Debug().Strs("args", args).Msg("starting simulation")
	runErr := cmd.Run()

	if g.Log != nil {
		if err := g.Log.Append(append([]string{g.binary()}, args...), stdout.Bytes(), stderr.Bytes()); err != nil {
			logger.Warn().Err(err).Msg("failed to append to simulation log")
		}
	}
	if runErr != nil {
		return fmt.Errorf("simulation of %s failed: %w", job.Checkpoint.Name(), runErr)
	}
	return nil
}
