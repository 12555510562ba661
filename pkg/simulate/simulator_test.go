package simulate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/checkpoint/checkpointtest"
)

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func testJob(t *testing.T, chk *checkpoint.Checkpoint) Job {
	return Job{
		ID:         "job",
		Checkpoint: chk,
		Benchmark:  "bench",
		Mode:       "o3",
		OutputDir:  OutputDir(t.TempDir(), "bench", "o3", chk.Name()),
		Warmup:     5000000,
		Reportable: 100000,
	}
}

func TestGem5Args(t *testing.T) {
	chk := checkpointtest.Converted(t, t.TempDir(), checkpoint.DirName(0), pageSize)
	g := &Gem5Simulator{Gem5Path: "/opt/gem5", Script: "run.py", Program: "/bin/app", ProgramArgs: []string{"-n", "3"}}

	job := testJob(t, chk)
	args, err := g.Args(job)
	require.NoError(t, err)

	assert.Equal(t, "run.py", args[0])
	m, err := chk.Mappings()
	require.NoError(t, err)
	for flag, want := range map[string]string{
		"--mem-size":         strconv.FormatUint(m.MemSize, 10),
		"--start-checkpoint": chk.Dir,
		"--outdir":           job.OutputDir,
		"--cpu-type":         "DerivO3CPU",
		"--warmup-insts":     "5000000",
		"--reportable-insts": "100000",
		"--flag-config":      EmptyFlagConfig,
		"--cmd":              "/bin/app",
		"--options":          "-n 3",
	} {
		got, ok := argValue(args, flag)
		if assert.True(t, ok, flag) {
			assert.Equal(t, want, got, flag)
		}
	}
	assert.Equal(t, filepath.Join("/opt/gem5", "build", "X86", "gem5.opt"), g.binary())

	job.InOrder = true
	args, err = g.Args(job)
	require.NoError(t, err)
	cpu, _ := argValue(args, "--cpu-type")
	assert.Equal(t, "TimingSimpleCPU", cpu)

	job.FlagConfig = "nope"
	_, err = g.Args(job)
	assert.Error(t, err)
}

func TestGem5ArgsFlagConfig(t *testing.T) {
	reg := NewRegistry()
	reg.Register(FlagConfig{
		Name: "Trace",
		BeforeInit: func(args []string) []string {
			return append(args, "--debug-flags", "Exec")
		},
		AfterWarmup: func(args []string) []string {
			return append(args, "--debug-start-after-warmup")
		},
	})
	chk := checkpointtest.Converted(t, t.TempDir(), checkpoint.DirName(0), pageSize)
	g := &Gem5Simulator{Script: "run.py", Registry: reg}

	job := testJob(t, chk)
	job.FlagConfig = "trace"
	args, err := g.Args(job)
	require.NoError(t, err)
	flags, _ := argValue(args, "--debug-flags")
	assert.Equal(t, "Exec", flags)
	assert.Contains(t, args, "--debug-start-after-warmup")
	name, _ := argValue(args, "--flag-config")
	assert.Equal(t, "Trace", name)
}

func TestGem5Run(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "gem5.opt")
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
	if [ "$1" = "--outdir" ]; then
		mkdir -p "$2"
		echo '{}' > "$2/res.json"
	fi
	shift
done
echo simulated
echo warning >&2
`
	require.NoError(t, os.WriteFile(fake, []byte(script), 0755))

	log := NewSharedLog(filepath.Join(dir, "sim.log"))
	require.NoError(t, log.Begin(false, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	g := &Gem5Simulator{Binary: fake, Script: "run.py", Program: "/bin/app", Log: log, Logger: zerolog.Nop()}

	chk := checkpointtest.Converted(t, t.TempDir(), checkpoint.DirName(0), pageSize)
	job := testJob(t, chk)
	require.NoError(t, g.Run(context.Background(), job))
	assert.FileExists(t, job.ResultPath())

	data, err := os.ReadFile(log.Path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, strings.Repeat("*", 80)+"\nStarting simulation run at 2026-01-02T03:04:05Z"))
	stdout := strings.Index(out, "STDOUT ")
	stderr := strings.Index(out, "STDERR ")
	require.Positive(t, stdout)
	require.Greater(t, stderr, stdout)
	assert.Contains(t, out[stdout:stderr], "simulated")
	assert.Contains(t, out[stderr:], "warning")
	assert.Contains(t, out, fake+" run.py")
}

func TestGem5RunFailure(t *testing.T) {
	chk := checkpointtest.Converted(t, t.TempDir(), checkpoint.DirName(0), pageSize)
	g := &Gem5Simulator{Binary: filepath.Join(t.TempDir(), "missing"), Logger: zerolog.Nop()}
	err := g.Run(context.Background(), testJob(t, chk))
	assert.Error(t, err)
}

func TestSharedLogConcurrentAppend(t *testing.T) {
	log := NewSharedLog(filepath.Join(t.TempDir(), "sim.log"))
	require.NoError(t, log.Begin(false, time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := []byte(strings.Repeat(fmt.Sprintf("out%d\n", i), 100))
			assert.NoError(t, log.Append([]string{"job", strconv.Itoa(i)}, out, nil))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(log.Path)
	require.NoError(t, err)
	blocks := strings.Split(string(data), strings.Repeat("-", 80)+"\n")
	require.Len(t, blocks, 9)
	for _, b := range blocks[1:] {
		lines := strings.Split(b, "\n")
		id := strings.TrimPrefix(lines[0], "job ")
		// a block never mixes output of two jobs
		assert.Equal(t, 100, strings.Count(b, "out"+id+"\n"))
		assert.Equal(t, 100, strings.Count(b, "out"))
	}

	// appending keeps earlier runs
	require.NoError(t, log.Begin(true, time.Now()))
	again, err := os.ReadFile(log.Path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(again), string(data)))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	c, err := reg.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, EmptyFlagConfig, c.Name)
	system, warmup := c.Apply([]string{"a"}, []string{"b"})
	assert.Equal(t, []string{"a"}, system)
	assert.Equal(t, []string{"b"}, warmup)

	_, err = reg.Lookup("EMPTY")
	assert.NoError(t, err)
	_, err = reg.Lookup("cooldown")
	assert.ErrorContains(t, err, "empty")
	assert.Equal(t, []string{"empty"}, reg.Names())
}

func TestMode(t *testing.T) {
	assert.Equal(t, "o3", Mode(false, ""))
	assert.Equal(t, "o3", Mode(false, "Empty"))
	assert.Equal(t, "inorder", Mode(true, "cooldown"))
	assert.Equal(t, "cooldown", Mode(false, "cooldown"))
}
