package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/convert"
)

// Stage is the kind of background work done for a snapshot
type Stage string

const (
	// StageCompress gzips the core image
	StageCompress Stage = "compress"
	// StageConvert writes the physical memory image
	StageConvert Stage = "convert"
)

// JobSpec describes one background job. It is passed to the job process as
// JSON on the command line.
type JobSpec struct {
	ID    string `json:"id"`
	Stage Stage  `json:"stage"`
	Dir   string `json:"dir"`
	// CompressImage gzips the physical memory image after conversion
	CompressImage bool `json:"compress_image,omitempty"`
}

// NewJobSpec returns a spec with a fresh ID
func NewJobSpec(stage Stage, dir string) JobSpec {
	return JobSpec{ID: uuid.NewString(), Stage: stage, Dir: dir}
}

// Encode serializes the spec for the job command line
func (s JobSpec) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeJobSpec parses a spec produced by Encode
func DecodeJobSpec(data string) (JobSpec, error) {
	var s JobSpec
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return s, fmt.Errorf("invalid job spec: %w", err)
	}
	switch s.Stage {
	case StageCompress, StageConvert:
	default:
		return s, fmt.Errorf("invalid job stage %q", s.Stage)
	}
	if s.Dir == "" {
		return s, fmt.Errorf("job spec has no snapshot directory")
	}
	return s, nil
}

// RunJob performs a job in the current process
func RunJob(ctx context.Context, spec JobSpec, logger zerolog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chk := checkpoint.New(spec.Dir)
	logger = logger.With().Str("job", spec.ID).Str("stage", string(spec.Stage)).Str("checkpoint", chk.Name()).Logger()

	switch spec.Stage {
	case StageCompress:
		if err := chk.CompressCore(); err != nil {
			return err
		}
	case StageConvert:
		created, err := convert.Checkpoint(chk, convert.Options{Compress: spec.CompressImage, Logger: logger})
		if err != nil {
			return err
		}
		if !created {
			logger.Debug().Msg("memory image already exists")
		}
	default:
		return fmt.Errorf("unknown job stage %q", spec.Stage)
	}
	logger.Debug().Msg("job finished")
	return nil
}

// JobHandle tracks a launched job
type JobHandle interface {
	// Done reports without blocking whether the job has finished
	Done() bool
	// Err returns the job's error once Done is true
	Err() error
}

// JobLauncher starts background jobs
type JobLauncher interface {
	Launch(ctx context.Context, spec JobSpec) (JobHandle, error)
}

type handle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newHandle() *handle {
	return &handle{done: make(chan struct{})}
}

func (h *handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) Err() error {
	if !h.Done() {
		return nil
	}
	return h.err
}

// ExecLauncher runs each job as a separate process of this binary:
// <Binary> job --spec <json>
type ExecLauncher struct {
	// Binary defaults to the running executable
	Binary string
	// Args are inserted before the job subcommand, e.g. a config flag
	Args   []string
	Logger zerolog.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, spec JobSpec) (JobHandle, error) {
	bin := l.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		bin = exe
	}
	encoded, err := spec.Encode()
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, l.Args...), "job", "--spec", encoded)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s job: %w", spec.Stage, err)
	}
	l.Logger.Debug().Str("job", spec.ID).Int("pid", cmd.Process.Pid).Str("stage", string(spec.Stage)).Msg("launched job")

	h := newHandle()
	go func() {
		h.finish(cmd.Wait())
	}()
	return h, nil
}

// FuncLauncher runs each job on a goroutine. Run defaults to RunJob.
type FuncLauncher struct {
	Run    func(ctx context.Context, spec JobSpec) error
	Logger zerolog.Logger
}

func (l *FuncLauncher) Launch(ctx context.Context, spec JobSpec) (JobHandle, error) {
	run := l.Run
	if run == nil {
		run = func(ctx context.Context, spec JobSpec) error {
			return RunJob(ctx, spec, l.Logger)
		}
	}
	h := newHandle()
	go func() {
		h.finish(run(context.WithoutCancel(ctx), spec))
	}()
	return h, nil
}
