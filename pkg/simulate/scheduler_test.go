package simulate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/checkpoint/checkpointtest"
)

const pageSize = 4096

// snapshotDir creates n converted snapshots; those listed in invalid lack
// their memory image
func snapshotDir(t *testing.T, n int, invalid ...int) string {
	t.Helper()
	root := t.TempDir()
	bad := make(map[int]bool)
	for _, i := range invalid {
		bad[i] = true
	}
	for i := 0; i < n; i++ {
		chk := checkpointtest.Converted(t, root, checkpoint.DirName(i), pageSize)
		if bad[i] {
			require.NoError(t, os.Remove(chk.PhysmemPath()))
		}
	}
	return root
}

// recordingSim writes a result file for every job not named in fail and
// remembers which snapshots it ran
type recordingSim struct {
	mu      sync.Mutex
	ran     []string
	fail    map[string]bool
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (r *recordingSim) Run(ctx context.Context, job Job) error {
	cur := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		peak := r.peak.Load()
		if cur <= peak || r.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	r.mu.Lock()
	r.ran = append(r.ran, job.Checkpoint.Name())
	fail := r.fail[job.Checkpoint.Name()]
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("simulator crashed")
	}
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(job.ResultPath(), []byte("{}"), 0644)
}

func (r *recordingSim) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.ran...)
	sort.Strings(out)
	return out
}

func newTestScheduler(t *testing.T, sim Simulator, opts Options) *Scheduler {
	t.Helper()
	if opts.ResultsDir == "" {
		opts.ResultsDir = t.TempDir()
	}
	if opts.Benchmark == "" {
		opts.Benchmark = "bench"
	}
	opts.PollInterval = time.Millisecond
	opts.Logger = zerolog.Nop()
	s, err := NewScheduler(sim, opts)
	require.NoError(t, err)
	return s
}

func assertCounts(t *testing.T, sum *Summary) {
	t.Helper()
	finished := 0
	for _, st := range sum.Checkpoints {
		if st.Finished() {
			finished++
		}
	}
	assert.Equal(t, finished, sum.Successful+sum.Failed)
	assert.Equal(t, len(sum.Checkpoints), sum.Total)
}

func TestRunReachesTarget(t *testing.T) {
	dir := snapshotDir(t, 10, 2, 5, 9)
	sim := &recordingSim{delay: 5 * time.Millisecond}
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Target: 5, Workers: 2})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Successful)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 3, sum.Invalid)
	assert.Equal(t, 10, sum.Total)
	assert.Len(t, sum.Names(NotRun), 2)
	assert.Len(t, sim.names(), 5)
	assert.LessOrEqual(t, sim.peak.Load(), int32(2))
	assertCounts(t, sum)

	for _, name := range sum.Names(Successful) {
		assert.FileExists(t, filepath.Join(OutputDir(s.opts.ResultsDir, "bench", "o3", name), ResultFile))
	}

	// persisted
	loaded, err := LoadSummary(s.SummaryPath())
	require.NoError(t, err)
	assert.Equal(t, sum.Checkpoints, loaded.Checkpoints)
	assert.Equal(t, "o3", loaded.Mode)
	assert.Equal(t, "bench", loaded.Benchmark)
}

func TestRunWithFailures(t *testing.T) {
	dir := snapshotDir(t, 10, 2, 5, 9)
	sim := &recordingSim{delay: time.Millisecond, fail: map[string]bool{
		checkpoint.DirName(1): true,
		checkpoint.DirName(6): true,
	}}
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Target: 5, Workers: 2})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	// every valid snapshot has to run to get five successes
	assert.Equal(t, 5, sum.Successful)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 7, sum.Successful+sum.Failed)
	assert.Equal(t, 3, sum.Invalid)
	assert.Empty(t, sum.Names(NotRun))
	assert.Len(t, sim.names(), 7)
	assert.LessOrEqual(t, sim.peak.Load(), int32(2))
	assertCounts(t, sum)
}

func TestRunDispatchOrder(t *testing.T) {
	tests := []struct {
		name   string
		target int
		want   []int
	}{
		{"spaced batch", 3, []int{1, 5, 8}},
		{"all", 10, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := snapshotDir(t, 10)
			sim := &recordingSim{}
			s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Target: tt.target, Workers: 1})

			_, err := s.Run(context.Background())
			require.NoError(t, err)

			want := make([]string, 0, len(tt.want))
			for _, i := range tt.want {
				want = append(want, checkpoint.DirName(i))
			}
			sim.mu.Lock()
			defer sim.mu.Unlock()
			assert.Equal(t, want, sim.ran)
		})
	}
}

func TestRunResumes(t *testing.T) {
	dir := snapshotDir(t, 10)
	results := t.TempDir()

	prior := NewSummary("bench", "o3")
	for i, st := range []Status{Successful, Successful, Successful, Failed} {
		prior.Set(checkpoint.DirName(i), st)
	}
	require.NoError(t, prior.Save(SummaryPath(results, "bench", "o3")))

	sim := &recordingSim{}
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, ResultsDir: results, Target: 5, Workers: 4})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	// two evenly spaced picks from the six snapshots that never ran
	assert.Equal(t, []string{checkpoint.DirName(5), checkpoint.DirName(8)}, sim.names())
	assert.Equal(t, 5, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, Failed, sum.Checkpoints[checkpoint.DirName(3)])
	assertCounts(t, sum)
}

func TestRunForceRerun(t *testing.T) {
	dir := snapshotDir(t, 3)
	results := t.TempDir()
	prior := NewSummary("bench", "o3")
	prior.Set(checkpoint.DirName(0), Failed)
	require.NoError(t, prior.Save(SummaryPath(results, "bench", "o3")))

	sim := &recordingSim{}
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, ResultsDir: results, ForceRerun: true})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sim.names(), 3)
	assert.Equal(t, 3, sum.Successful)
}

func TestRunReschedulesAfterFailures(t *testing.T) {
	dir := snapshotDir(t, 8)
	sim := &recordingSim{fail: map[string]bool{
		checkpoint.DirName(1): true,
		checkpoint.DirName(5): true,
	}}
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Target: 3, Workers: 1})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Successful)
	assert.GreaterOrEqual(t, sum.Failed, 1)
	assertCounts(t, sum)
}

func TestRunTargetNotReached(t *testing.T) {
	dir := snapshotDir(t, 3)
	sim := &recordingSim{fail: map[string]bool{checkpoint.DirName(1): true}}
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Workers: 3})

	sum, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTargetNotReached)
	assert.Equal(t, 2, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, Failed, sum.Checkpoints[checkpoint.DirName(1)])
}

func TestRunTimeout(t *testing.T) {
	dir := snapshotDir(t, 2)
	sim := FuncSimulator(func(ctx context.Context, job Job) error {
		if job.Checkpoint.Name() == checkpoint.DirName(0) {
			// never finishes on its own
			<-ctx.Done()
			return ctx.Err()
		}
		if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
			return err
		}
		return os.WriteFile(job.ResultPath(), []byte("{}"), 0644)
	})
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Workers: 2, Timeout: 20 * time.Millisecond})

	sum, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTargetNotReached)
	assert.Equal(t, FailedTimeout, sum.Checkpoints[checkpoint.DirName(0)])
	assert.Equal(t, Successful, sum.Checkpoints[checkpoint.DirName(1)])
	assert.Equal(t, 1, sum.Failed)
	assertCounts(t, sum)
}

func TestRunNoValid(t *testing.T) {
	dir := snapshotDir(t, 2, 0, 1)
	s := newTestScheduler(t, &recordingSim{}, Options{CheckpointDir: dir})

	sum, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrNoValid)
	assert.Equal(t, 2, sum.Invalid)
	assert.FileExists(t, s.SummaryPath())
}

func TestRunEmptyDirectory(t *testing.T) {
	s := newTestScheduler(t, &recordingSim{}, Options{CheckpointDir: t.TempDir()})
	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrNoValid)
}

func TestRunMissingDirectory(t *testing.T) {
	s := newTestScheduler(t, &recordingSim{}, Options{CheckpointDir: filepath.Join(t.TempDir(), "missing")})
	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoValid)
}

func TestRunCancel(t *testing.T) {
	dir := snapshotDir(t, 4)
	started := make(chan struct{}, 4)
	sim := FuncSimulator(func(ctx context.Context, job Job) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	sum, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sum.Names(NotRun), 4, "interrupted jobs stay runnable")

	loaded, err := LoadSummary(s.SummaryPath())
	require.NoError(t, err)
	assert.Len(t, loaded.Names(NotRun), 4)
}

func TestRunMetrics(t *testing.T) {
	dir := snapshotDir(t, 3)
	reg := prometheus.NewRegistry()
	sim := &recordingSim{fail: map[string]bool{checkpoint.DirName(0): true}}
	s := newTestScheduler(t, sim, Options{CheckpointDir: dir, Registerer: reg})

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTargetNotReached)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.total.WithLabelValues(string(Successful))))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.total.WithLabelValues(string(Failed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.inFlight))

	// a second scheduler on the same registry shares the collectors
	again := newTestScheduler(t, &recordingSim{}, Options{CheckpointDir: dir, Registerer: reg})
	assert.Same(t, s.metrics.total, again.metrics.total)
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler(nil, Options{CheckpointDir: "a", ResultsDir: "b", Benchmark: "c"})
	assert.Error(t, err)
	_, err = NewScheduler(&recordingSim{}, Options{ResultsDir: "b", Benchmark: "c"})
	assert.Error(t, err)
	_, err = NewScheduler(&recordingSim{}, Options{CheckpointDir: "a", Benchmark: "c"})
	assert.Error(t, err)
	_, err = NewScheduler(&recordingSim{}, Options{CheckpointDir: "a", ResultsDir: "b"})
	assert.Error(t, err)

	s, err := NewScheduler(&recordingSim{}, Options{CheckpointDir: "a", ResultsDir: "b", Benchmark: "c", InOrder: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("b", "c_inorder_summary.json"), s.SummaryPath())
	assert.Equal(t, DefaultTimeout, s.opts.Timeout)
}

func TestRemove(t *testing.T) {
	pool := []string{"a", "b", "c", "d"}
	assert.Equal(t, []string{"a", "c"}, remove(pool, []string{"b", "d"}))
	assert.Equal(t, []string{"a", "b", "c", "d"}, pool)
	assert.Empty(t, remove(pool, pool))
	assert.Equal(t, pool, remove(pool, nil))
}
