package debugger

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildWorkload compiles testdata/workload without optimizations so the
// breakpoint lands where expected
func buildWorkload(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping delve integration test in short mode")
	}
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("delve integration test needs linux/amd64")
	}
	if _, err := exec.LookPath("dlv"); err != nil {
		t.Skip("dlv not on PATH")
	}

	bin := filepath.Join(t.TempDir(), "workload")
	cmd := exec.Command("go", "build", "-gcflags=all=-N -l", "-o", bin, "./testdata/workload")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return bin
}

func TestDelveDebugger(t *testing.T) {
	bin := buildWorkload(t)

	dbg, err := NewDelveDebugger(bin, nil, zerolog.Nop())
	require.NoError(t, err)
	defer dbg.Close()

	require.NoError(t, dbg.SetBreakpoint("main.work"))
	state, err := dbg.Continue(context.Background())
	require.NoError(t, err)
	require.False(t, state.Exited)
	assert.NotZero(t, state.PC)

	regs, err := dbg.Registers()
	require.NoError(t, err)
	assert.Equal(t, state.PC, regs["rip"])

	regions, err := dbg.Regions()
	require.NoError(t, err)
	var mapped bool
	for _, r := range regions {
		if r.Contains(state.PC) {
			mapped = true
		}
	}
	assert.True(t, mapped, "pc %#x not in any region", state.PC)

	code, err := dbg.ReadMemory(state.PC, 16)
	require.NoError(t, err)
	assert.Len(t, code, 16)

	after, err := dbg.StepInstructions(context.Background(), 3)
	require.NoError(t, err)
	assert.NotEqual(t, state.PC, after.PC)

	state, err = dbg.Continue(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Exited)
	assert.Equal(t, 0, state.ExitStatus)
}
