// Package capture drives a live inferior through a sequence of stops and
// writes a snapshot at each one.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/cpt"
	"github.com/willibrandon/chronopoint/pkg/debugger"
	"github.com/willibrandon/chronopoint/pkg/mapping"
	"github.com/willibrandon/chronopoint/pkg/recorder"
)

// DefaultDisallowed are the regions in which a stop is never captured
var DefaultDisallowed = []string{"[vdso]", "[vvar]", "[vsyscall]"}

// SkipPolicy decides what happens when the inferior stops inside a
// disallowed region
type SkipPolicy int

const (
	// SkipDrop drops the stop and waits for the next one
	SkipDrop SkipPolicy = iota
	// SkipStep single-steps until the pc leaves the region, then captures
	SkipStep
)

// String returns the string representation of the SkipPolicy
func (p SkipPolicy) String() string {
	switch p {
	case SkipDrop:
		return "drop"
	case SkipStep:
		return "step"
	default:
		return "unknown"
	}
}

// ParseSkipPolicy parses "drop" or "step"
func ParseSkipPolicy(s string) (SkipPolicy, error) {
	switch strings.ToLower(s) {
	case "", "drop":
		return SkipDrop, nil
	case "step":
		return SkipStep, nil
	}
	return SkipDrop, fmt.Errorf("unknown skip policy %q", s)
}

// Options configures a Driver
type Options struct {
	OutputDir  string
	EntryPoint string
	// Max bounds the number of snapshots; negative means unlimited
	Max int
	// Compress gzips the core of each snapshot in the background
	Compress bool
	// Convert writes the physical memory image of each snapshot in the background
	Convert bool
	// CompressImage gzips the physical memory image after conversion
	CompressImage    bool
	Disallowed       []string
	SkipPolicy       SkipPolicy
	RetryLimit       int
	MemoryMultiplier uint64
	PageSize         uint64
	MmapEnd          uint64
	PollInterval     time.Duration
	Launcher         JobLauncher
	Journal          recorder.Recorder
	Logger           zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.EntryPoint == "" {
		o.EntryPoint = "main"
	}
	if o.Disallowed == nil {
		o.Disallowed = DefaultDisallowed
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = 1000
	}
	if o.MemoryMultiplier == 0 {
		o.MemoryMultiplier = 2
	}
	if o.PageSize == 0 {
		o.PageSize = uint64(unix.Getpagesize())
	}
	if o.MmapEnd == 0 {
		o.MmapEnd = cpt.DefaultMmapEnd
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Launcher == nil {
		o.Launcher = &FuncLauncher{Logger: o.Logger}
	}
	if o.Journal == nil {
		o.Journal = recorder.NewInMemoryRecorder()
	}
}

type pendingJob struct {
	spec   JobSpec
	handle JobHandle
}

// Driver captures snapshots of one inferior
type Driver struct {
	inspector debugger.Inspector
	opts      Options
	logger    zerolog.Logger

	seq      int
	captured int
	fsBase   uint64

	mu      sync.Mutex
	pending map[string]*pendingJob // keyed by snapshot directory
}

// NewDriver creates a driver writing into opts.OutputDir. Sequence numbers
// continue after the highest snapshot already in the directory.
func NewDriver(inspector debugger.Inspector, opts Options) (*Driver, error) {
	opts.setDefaults()
	if opts.OutputDir == "" {
		return nil, errors.New("no output directory")
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	d := &Driver{
		inspector: inspector,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "capture").Logger(),
		pending:   make(map[string]*pendingJob),
	}

	entries, err := os.ReadDir(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if seq, err := checkpoint.New(e.Name()).Sequence(); err == nil && seq >= d.seq {
			d.seq = seq + 1
		}
	}
	return d, nil
}

// Captured returns the number of snapshots taken by this driver
func (d *Driver) Captured() int {
	return d.captured
}

// Pending returns the number of unfinished background jobs
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Driver) journal(e recorder.Event) {
	if err := d.opts.Journal.RecordEvent(e); err != nil {
		d.logger.Warn().Err(err).Msg("failed to write journal")
	}
}

func (d *Driver) limitReached() bool {
	return d.opts.Max >= 0 && d.captured >= d.opts.Max
}

// Start runs the inferior to its entry point and records the FS base
func (d *Driver) Start(ctx context.Context) error {
	if err := d.inspector.SetBreakpoint(d.opts.EntryPoint); err != nil {
		return fmt.Errorf("failed to set entry breakpoint at %s: %w", d.opts.EntryPoint, err)
	}
	state, err := d.inspector.Continue(ctx)
	if err != nil {
		return fmt.Errorf("failed to run to %s: %w", d.opts.EntryPoint, err)
	}
	if state.Exited {
		return fmt.Errorf("%w before reaching %s", debugger.ErrExited, d.opts.EntryPoint)
	}

	fsBase, err := d.inspector.Helper(debugger.HelperFSBase)
	if err != nil {
		d.logger.Warn().Err(err).Msg("could not read fs base, using 0")
		fsBase = 0
	}
	d.fsBase = fsBase
	d.logger.Info().Uint64("pc", state.PC).Uint64("fs_base", fsBase).Str("entry", d.opts.EntryPoint).Msg("reached entry point")
	return nil
}

// RunInterval captures a snapshot every interval of wall time
func (d *Driver) RunInterval(ctx context.Context, interval time.Duration) error {
	return d.run(ctx, func(ctx context.Context) (*debugger.StopState, error) {
		timer := time.AfterFunc(interval, func() {
			if err := d.inspector.Interrupt(); err != nil {
				d.logger.Warn().Err(err).Msg("failed to interrupt inferior")
			}
		})
		defer timer.Stop()
		return d.inspector.Continue(ctx)
	})
}

// RunInstructions captures a snapshot every n instructions
func (d *Driver) RunInstructions(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid instruction interval %d", n)
	}
	return d.run(ctx, func(ctx context.Context) (*debugger.StopState, error) {
		return d.inspector.StepInstructions(ctx, n)
	})
}

func (d *Driver) run(ctx context.Context, advance func(context.Context) (*debugger.StopState, error)) error {
	defer d.Drain(context.WithoutCancel(ctx))

	for !d.limitReached() {
		state, err := advance(ctx)
		if ctx.Err() != nil {
			d.logger.Info().Msg("interrupted, stopping capture")
			return nil
		}
		if err != nil {
			return err
		}
		if state.Exited {
			d.logger.Info().Int("status", state.ExitStatus).Msg("process exited")
			d.journal(recorder.Event{Type: recorder.ExitEvent, Details: fmt.Sprintf("status %d", state.ExitStatus)})
			return nil
		}
		if _, err := d.TryCapture(ctx); err != nil {
			if errors.Is(err, debugger.ErrExited) {
				return nil
			}
			return err
		}
		d.Poll(ctx)
	}
	d.logger.Info().Int("captured", d.captured).Msg("snapshot limit reached")
	return nil
}

// RunInteractive installs breakpoints, runs to the entry point and hands
// control to the interactive shell
func (d *Driver) RunInteractive(ctx context.Context, breakpoints []string, cfg debugger.ShellConfig) error {
	defer d.Drain(context.WithoutCancel(ctx))

	for _, bp := range breakpoints {
		if err := d.inspector.SetBreakpoint(bp); err != nil {
			d.logger.Warn().Err(err).Str("location", bp).Msg("could not set breakpoint")
		}
	}
	if err := d.Start(ctx); err != nil {
		return err
	}

	shell := debugger.NewShell(d.inspector, func(ctx context.Context) (string, error) {
		if d.limitReached() {
			return "", fmt.Errorf("snapshot limit of %d reached", d.opts.Max)
		}
		dir, err := d.TryCapture(ctx)
		d.Poll(ctx)
		return dir, err
	})
	return shell.Run(ctx, cfg)
}

// disallowedRegion returns the name of the disallowed region containing pc
func (d *Driver) disallowedRegion(regions []debugger.Region, pc uint64) (string, bool) {
	for _, r := range regions {
		if !r.Contains(pc) {
			continue
		}
		for _, name := range d.opts.Disallowed {
			if r.Name == name {
				return name, true
			}
		}
	}
	return "", false
}

func (d *Driver) currentPC() (uint64, []debugger.Region, error) {
	regs, err := d.inspector.Registers()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read registers: %w", err)
	}
	regions, err := d.inspector.Regions()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read memory regions: %w", err)
	}
	return regs["rip"], regions, nil
}

// TryCapture captures a snapshot unless the inferior is stopped inside a
// disallowed region. It returns the snapshot directory, or "" when the stop
// was skipped.
func (d *Driver) TryCapture(ctx context.Context) (string, error) {
	pc, regions, err := d.currentPC()
	if err != nil {
		return "", err
	}
	region, bad := d.disallowedRegion(regions, pc)
	if !bad {
		return d.Capture(ctx)
	}

	if d.opts.SkipPolicy == SkipStep {
		for i := 0; i < d.opts.RetryLimit && bad; i++ {
			state, err := d.inspector.StepInstructions(ctx, 1)
			if err != nil {
				return "", err
			}
			if state.Exited {
				return "", debugger.ErrExited
			}
			if pc, regions, err = d.currentPC(); err != nil {
				return "", err
			}
			_, bad = d.disallowedRegion(regions, pc)
		}
		if !bad {
			d.logger.Debug().Uint64("pc", pc).Str("region", region).Msg("stepped out of disallowed region")
			return d.Capture(ctx)
		}
	}

	d.logger.Info().Uint64("pc", pc).Str("region", region).Msg("skipping snapshot in disallowed region")
	d.journal(recorder.Event{Type: recorder.SkipEvent, PC: pc, Details: "pc in " + region})
	return "", nil
}

// Capture writes a snapshot of the stopped inferior and launches its
// background jobs. The snapshot is assembled in a hidden directory and renamed
// into place once complete, so a failed capture leaves nothing behind.
func (d *Driver) Capture(ctx context.Context) (string, error) {
	final := checkpoint.New(filepath.Join(d.opts.OutputDir, checkpoint.DirName(d.seq)))
	tmp, err := os.MkdirTemp(d.opts.OutputDir, "."+final.Name()+"-")
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()
	chk := checkpoint.New(tmp)

	regions, err := d.inspector.Regions()
	if err != nil {
		return "", fmt.Errorf("failed to read memory regions: %w", err)
	}
	fileMappings := mapping.Build(regions, d.opts.PageSize, false)
	templateMappings := mapping.Build(regions, d.opts.PageSize, true)
	memSize := templateMappings.MemorySize(d.opts.MemoryMultiplier)

	observed, err := d.inspector.Registers()
	if err != nil {
		return "", fmt.Errorf("failed to read registers: %w", err)
	}
	regs := cpt.NewRegisterSet(observed, d.fsBase)

	stack, err := cpt.FindStack(fileMappings)
	if err != nil {
		return "", err
	}

	// the break comes back rounded up to a page when a heap exists
	brk, err := d.inspector.Helper(debugger.HelperBrk)
	if err != nil {
		d.logger.Warn().Err(err).Msg("could not read program break, using 0")
		brk = 0
	}

	params := cpt.Params{
		Mappings:  templateMappings,
		Registers: regs,
		MemSize:   memSize,
		Stack:     stack,
		Brk:       brk,
		MmapEnd:   d.opts.MmapEnd,
		NextPC:    d.nextPC(regs.PC()),
	}
	if err := writeCpt(chk.CptPath(), params); err != nil {
		return "", err
	}

	if err := d.inspector.DumpCore(ctx, chk.CorePath()); err != nil {
		return "", fmt.Errorf("failed to dump core: %w", err)
	}
	if err := mapping.WriteManifest(chk.ManifestPath(), mapping.Manifest{MemSize: memSize, Mappings: fileMappings}); err != nil {
		return "", fmt.Errorf("failed to write mappings: %w", err)
	}

	if _, err := os.Stat(final.Dir); err == nil {
		d.logger.Warn().Str("checkpoint", final.Name()).Msg("snapshot directory exists, replacing")
		if err := os.RemoveAll(final.Dir); err != nil {
			return "", err
		}
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final.Dir); err != nil {
		return "", fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	committed = true
	chk = final

	d.seq++
	d.captured++
	d.logger.Info().Str("checkpoint", chk.Name()).Uint64("pc", regs.PC()).Uint64("mem_size", memSize).Msg("captured snapshot")
	d.journal(recorder.Event{Type: recorder.CaptureEvent, Checkpoint: chk.Name(), PC: regs.PC()})

	switch {
	case d.opts.Compress:
		d.launch(ctx, NewJobSpec(StageCompress, chk.Dir))
	case d.opts.Convert:
		d.launch(ctx, d.convertSpec(chk.Dir))
	}
	return chk.Dir, nil
}

func writeCpt(path string, p cpt.Params) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cpt.Render(f, p); err != nil {
		f.Close()
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	return f.Close()
}

// nextPC decodes the instruction at pc, falling back to the inspector's
// helper and finally to pc itself
func (d *Driver) nextPC(pc uint64) uint64 {
	next, err := cpt.NextPC(d.inspector, pc)
	if err == nil {
		return next
	}
	d.logger.Debug().Err(err).Uint64("pc", pc).Msg("could not decode instruction")
	if next, herr := d.inspector.Helper(debugger.HelperNextPC); herr == nil {
		return next
	}
	d.logger.Warn().Err(err).Uint64("pc", pc).Msg("could not determine next pc, using pc")
	return pc
}

func (d *Driver) convertSpec(dir string) JobSpec {
	spec := NewJobSpec(StageConvert, dir)
	spec.CompressImage = d.opts.CompressImage
	return spec
}

func (d *Driver) launch(ctx context.Context, spec JobSpec) {
	name := filepath.Base(spec.Dir)
	h, err := d.opts.Launcher.Launch(ctx, spec)
	if err != nil {
		d.logger.Error().Err(err).Str("checkpoint", name).Str("stage", string(spec.Stage)).Msg("failed to launch job")
		d.journal(recorder.Event{Type: recorder.JobFailedEvent, Checkpoint: name, Details: fmt.Sprintf("%s: %v", spec.Stage, err)})
		return
	}
	d.mu.Lock()
	d.pending[spec.Dir] = &pendingJob{spec: spec, handle: h}
	d.mu.Unlock()
	d.journal(recorder.Event{Type: recorder.JobLaunchEvent, Checkpoint: name, Details: string(spec.Stage)})
}

// Poll collects finished background jobs without blocking. A finished
// compress job is followed by a convert job when conversion is enabled.
// It returns the number of jobs still pending.
func (d *Driver) Poll(ctx context.Context) int {
	d.mu.Lock()
	var finished []*pendingJob
	for dir, job := range d.pending {
		if job.handle.Done() {
			finished = append(finished, job)
			delete(d.pending, dir)
		}
	}
	d.mu.Unlock()

	for _, job := range finished {
		name := filepath.Base(job.spec.Dir)
		if err := job.handle.Err(); err != nil {
			d.logger.Error().Err(err).Str("checkpoint", name).Str("stage", string(job.spec.Stage)).Msg("background job failed")
			d.journal(recorder.Event{Type: recorder.JobFailedEvent, Checkpoint: name, Details: fmt.Sprintf("%s: %v", job.spec.Stage, err)})
			continue
		}
		d.logger.Debug().Str("checkpoint", name).Str("stage", string(job.spec.Stage)).Msg("background job finished")
		d.journal(recorder.Event{Type: recorder.JobDoneEvent, Checkpoint: name, Details: string(job.spec.Stage)})
		if job.spec.Stage == StageCompress && d.opts.Convert {
			d.launch(ctx, d.convertSpec(job.spec.Dir))
		}
	}
	return d.Pending()
}

// Drain waits for every background job, including convert jobs started
// when compress jobs finish
func (d *Driver) Drain(ctx context.Context) error {
	if d.Pending() == 0 {
		return nil
	}
	d.logger.Info().Int("pending", d.Pending()).Msg("waiting for background jobs")
	for d.Poll(ctx) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
	}
	return nil
}
