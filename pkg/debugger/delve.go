package debugger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
)

// DelveDebugger wraps a Delve RPC client session, managing the underlying dlv
// process. It implements Inspector.
type DelveDebugger struct {
	client    *rpc2.RPCClient
	target    string    // Target binary path
	dlvCmd    *exec.Cmd // The running 'dlv exec' command
	dlvListen string    // The address dlv is listening on (e.g., "localhost:12345")
	logger    zerolog.Logger
}

var _ Inspector = (*DelveDebugger)(nil)

// findFreePort finds an available TCP port on localhost
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// NewDelveDebugger launches a Delve headless server for the target with the
// given command line arguments and connects to it via RPC
func NewDelveDebugger(targetPath string, args []string, logger zerolog.Logger) (*DelveDebugger, error) {
	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for target %s: %w", targetPath, err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port for delve: %w", err)
	}
	dlvListenAddr := "localhost:" + strconv.Itoa(port)

	cmdArgs := []string{
		"exec", absPath,
		"--headless",
		"--listen=" + dlvListenAddr,
		"--api-version=2",
		"--accept-multiclient",
	}

	// Only add the '--' separator if we have args to pass
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, args...)
	}

	dlvCmd := exec.Command("dlv", cmdArgs...)
	setupProcAttr(dlvCmd)

	if err := dlvCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start delve process: %w", err)
	}
	logger = logger.With().Str("component", "delve").Logger()
	logger.Info().
		Str("target", absPath).
		Str("listen", dlvListenAddr).
		Int("pid", dlvCmd.Process.Pid).
		Strs("args", args).
		Msg("started delve headless server")

	client, err := dialDelve(dlvListenAddr, 10*time.Second)
	if err != nil {
		_ = dlvCmd.Process.Kill()
		_, _ = dlvCmd.Process.Wait()
		return nil, err
	}

	return &DelveDebugger{
		client:    client,
		target:    absPath,
		dlvCmd:    dlvCmd,
		dlvListen: dlvListenAddr,
		logger:    logger,
	}, nil
}

// dialDelve waits for the headless server to accept connections
func dialDelve(addr string, timeout time.Duration) (*rpc2.RPCClient, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			client := rpc2.NewClient(addr)
			if _, err := client.GetState(); err != nil {
				return nil, fmt.Errorf("failed to connect RPC client to delve server at %s: %w", addr, err)
			}
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("delve server at %s did not come up: %w", addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Pid returns the inferior's process id
func (d *DelveDebugger) Pid() int {
	return d.client.ProcessPid()
}

// SetBreakpoint sets a breakpoint at a function, file:line or *address location
func (d *DelveDebugger) SetBreakpoint(location string) error {
	loc, err := ParseLocation(location)
	if err != nil {
		return err
	}

	var bp api.Breakpoint
	switch loc.Type {
	case AddressBreakpoint:
		bp.Addr = loc.Addr
	case LocationBreakpoint:
		bp.File = filepath.ToSlash(loc.File)
		bp.Line = loc.Line
	case FunctionBreakpoint:
		return d.setFunctionBreakpoint(loc.Function)
	}

	if _, err := d.client.CreateBreakpoint(&bp); err != nil {
		return fmt.Errorf("could not set breakpoint at %s: %w", location, err)
	}
	return nil
}

// setFunctionBreakpoint sets a breakpoint at a function, retrying with common
// package prefixes when the bare name is unknown
func (d *DelveDebugger) setFunctionBreakpoint(funcName string) error {
	_, err := d.client.CreateBreakpoint(&api.Breakpoint{FunctionName: funcName})
	if err == nil {
		return nil
	}

	if strings.Contains(err.Error(), "could not find function") && !strings.Contains(funcName, ".") {
		alt := "main." + funcName
		if _, altErr := d.client.CreateBreakpoint(&api.Breakpoint{FunctionName: alt}); altErr == nil {
			d.logger.Info().Str("function", alt).Msg("set breakpoint at alternative function")
			return nil
		}

		funcs, _ := d.client.ListFunctions(funcName, 10)
		if len(funcs) > 0 {
			if len(funcs) > 5 {
				funcs = funcs[:5]
			}
			return fmt.Errorf("%w\nDid you mean one of these functions?\n%s",
				err, strings.Join(funcs, "\n"))
		}
	}

	return fmt.Errorf("could not set breakpoint at function %s: %w", funcName, err)
}

// Continue resumes execution until the next stop. Cancelling ctx halts the
// inferior.
func (d *DelveDebugger) Continue(ctx context.Context) (*StopState, error) {
	stateChan := d.client.Continue()
	done := ctx.Done()
	var last *api.DebuggerState
	for {
		select {
		case state, ok := <-stateChan:
			if !ok {
				if last == nil {
					return nil, errors.New("continue returned no state")
				}
				return stopState(last), nil
			}
			if state.Exited {
				return stopState(state), nil
			}
			if state.Err != nil {
				return nil, state.Err
			}
			last = state
		case <-done:
			done = nil
			if _, err := d.client.Halt(); err != nil {
				d.logger.Warn().Err(err).Msg("failed to halt inferior")
			}
		}
	}
}

// Interrupt halts a running inferior
func (d *DelveDebugger) Interrupt() error {
	_, err := d.client.Halt()
	return err
}

// StepInstructions executes n single machine instructions
func (d *DelveDebugger) StepInstructions(ctx context.Context, n int) (*StopState, error) {
	var out rpc2.CommandOut
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = rpc2.CommandOut{}
		err := d.client.CallAPI("Command", &api.DebuggerCommand{Name: api.StepInstruction}, &out)
		if out.State.Exited {
			return stopState(&out.State), nil
		}
		if err != nil {
			return nil, fmt.Errorf("step instruction failed: %w", err)
		}
		if out.State.Err != nil {
			return nil, out.State.Err
		}
	}
	return stopState(&out.State), nil
}

func stopState(state *api.DebuggerState) *StopState {
	s := &StopState{
		Exited:     state.Exited,
		ExitStatus: state.ExitStatus,
	}
	if state.CurrentThread != nil {
		s.PC = state.CurrentThread.PC
	}
	return s
}

// Regions reads the inferior's memory map from procfs
func (d *DelveDebugger) Regions() ([]Region, error) {
	return ProcRegions(d.Pid())
}

// ProcRegions reads /proc/<pid>/maps
func ProcRegions(pid int) ([]Region, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open proc entry for %d: %w", pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory map of %d: %w", pid, err)
	}
	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		regions = append(regions, Region{
			Start:  uint64(m.StartAddr),
			Size:   uint64(m.EndAddr - m.StartAddr),
			Offset: uint64(m.Offset),
			Name:   m.Pathname,
		})
	}
	return regions, nil
}

// Registers returns the current thread's registers, including floating point
// and vector state
func (d *DelveDebugger) Registers() (map[string]uint64, error) {
	state, err := d.client.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	if state.CurrentThread == nil {
		return nil, errors.New("no current thread available")
	}
	regs, err := d.client.ListThreadRegisters(state.CurrentThread.ID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list registers: %w", err)
	}
	return NormalizeRegisters(regs), nil
}

// ReadMemory reads n bytes of inferior memory at addr
func (d *DelveDebugger) ReadMemory(addr uint64, n int) ([]byte, error) {
	data, _, err := d.client.ExamineMemory(addr, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at %#x: %w", n, addr, err)
	}
	return data, nil
}

// DumpCore asks delve to write a core image and waits for it to finish
func (d *DelveDebugger) DumpCore(ctx context.Context, path string) error {
	state, err := d.client.CoreDumpStart(path)
	if err != nil {
		return fmt.Errorf("failed to start core dump: %w", err)
	}
	for state.Dumping {
		if err := ctx.Err(); err != nil {
			return err
		}
		state = d.client.CoreDumpWait(100)
	}
	if state.Err != "" {
		return fmt.Errorf("core dump failed: %s", state.Err)
	}
	return nil
}

// Helper answers helper queries from procfs and register state
func (d *DelveDebugger) Helper(h Helper) (uint64, error) {
	switch h {
	case HelperBrk:
		regions, err := d.Regions()
		if err != nil {
			return 0, err
		}
		if brk, err := HeapBreak(regions); err == nil {
			return brk, nil
		}
		// no heap yet, so the break has not moved from its start
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", d.Pid()))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrHelperUnavailable, err)
		}
		return StartBrk(data)
	case HelperFSBase:
		regs, err := d.Registers()
		if err != nil {
			return 0, err
		}
		if v, ok := regs["fs_base"]; ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrHelperUnavailable, h)
}

// HeapBreak returns the end of the [heap] region. The kernel keeps that end at
// the program break rounded up to a page, so the result can exceed the exact
// break by less than one page.
func HeapBreak(regions []Region) (uint64, error) {
	for _, r := range regions {
		if r.Name == "[heap]" {
			return r.End(), nil
		}
	}
	return 0, fmt.Errorf("%w: no [heap] region", ErrHelperUnavailable)
}

// Close terminates the connection and the Delve process
func (d *DelveDebugger) Close() error {
	var closeErr error
	if d.client != nil {
		if err := d.client.Disconnect(false); err != nil {
			d.logger.Warn().Err(err).Msg("error disconnecting delve client")
			closeErr = fmt.Errorf("failed to disconnect delve client: %w", err)
		}
		d.client = nil
	}
	if d.dlvCmd != nil && d.dlvCmd.Process != nil {
		pid := d.dlvCmd.Process.Pid
		if err := d.dlvCmd.Process.Kill(); err != nil && !errors.Is(err, syscall.ESRCH) &&
			err.Error() != "os: process already finished" {
			d.logger.Warn().Err(err).Int("pid", pid).Msg("error killing delve process")
			closeErr = fmt.Errorf("failed to kill delve process: %w", err)
		}
		_, _ = d.dlvCmd.Process.Wait()
		d.logger.Info().Int("pid", pid).Msg("delve process terminated")
		d.dlvCmd = nil
	}
	return closeErr
}

// startBrkField is the position of start_brk in /proc/<pid>/stat, counting
// from 1 as proc(5) does
const startBrkField = 47

// StartBrk extracts start_brk from the contents of /proc/<pid>/stat
func StartBrk(stat []byte) (uint64, error) {
	// comm may contain spaces and parentheses; fields resume after the last ')'
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, fmt.Errorf("%w: malformed stat", ErrHelperUnavailable)
	}
	fields := strings.Fields(string(stat[end+1:]))
	// fields[0] is field 3 (state)
	i := startBrkField - 3
	if i >= len(fields) {
		return 0, fmt.Errorf("%w: stat has no start_brk", ErrHelperUnavailable)
	}
	v, err := strconv.ParseUint(fields[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad start_brk %q", ErrHelperUnavailable, fields[i])
	}
	return v, nil
}
