package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// CaptureFunc takes a snapshot of the stopped inferior and returns the
// snapshot directory
type CaptureFunc func(ctx context.Context) (string, error)

// ShellConfig configures the interactive capture shell
type ShellConfig struct {
	Prompt       string
	HistoryFile  string
	HistoryLimit int
}

// Shell is the interactive capture loop: the user drives the inferior to
// interesting points and takes snapshots on demand
type Shell struct {
	inspector Inspector
	bpManager *BreakpointManager
	capture   CaptureFunc
	exited    bool
}

// NewShell creates a shell for the given inspector
func NewShell(inspector Inspector, capture CaptureFunc) *Shell {
	return &Shell{
		inspector: inspector,
		bpManager: NewBreakpointManager(inspector),
		capture:   capture,
	}
}

// Run reads commands until quit, EOF or ctx cancellation
func (s *Shell) Run(ctx context.Context, cfg ShellConfig) error {
	if cfg.Prompt == "" {
		cfg.Prompt = "(chronopoint) "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Prompt,
		HistoryFile:     cfg.HistoryFile,
		HistoryLimit:    cfg.HistoryLimit,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	out := rl.Stdout()
	fmt.Fprintf(out, "Attached to process %d\n", s.inspector.Pid())
	s.printHelp(out)

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := s.Exec(ctx, line, out)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return ctx.Err()
}

// Exec runs a single command line, writing its output to out. It reports
// whether the shell should exit.
func (s *Shell) Exec(ctx context.Context, input string, out io.Writer) (bool, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false, nil
	}

	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "h", "help":
		s.printHelp(out)
	case "q", "quit", "exit":
		return true, nil
	case "c", "continue":
		return s.handleContinue(ctx, out)
	case "si", "stepi":
		return s.handleStep(ctx, args, out)
	case "b", "break", "breakpoint":
		return false, s.handleBreakpoint(args, out)
	case "bl", "breakpoints":
		s.handleListBreakpoints(out)
	case "r", "regs":
		return false, s.handleRegisters(args, out)
	case "m", "maps":
		return false, s.handleMaps(out)
	case "x", "examine":
		return false, s.handleExamine(args, out)
	case "cp", "checkpoint":
		return false, s.handleCheckpoint(ctx, out)
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", cmd)
		s.printHelp(out)
	}
	return false, nil
}

// printHelp displays available commands
func (s *Shell) printHelp(out io.Writer) {
	fmt.Fprintln(out, "\nAvailable commands:")
	fmt.Fprintln(out, "  continue (c)            - Continue until the next breakpoint")
	fmt.Fprintln(out, "  stepi (si) [n]          - Execute n machine instructions")
	fmt.Fprintln(out, "  break (b) <location>    - Set a breakpoint at func, file:line or *addr")
	fmt.Fprintln(out, "  breakpoints (bl)        - List breakpoints")
	fmt.Fprintln(out, "  regs (r) [name...]      - Show registers")
	fmt.Fprintln(out, "  maps (m)                - Show the memory map")
	fmt.Fprintln(out, "  examine (x) <addr> [n]  - Dump n bytes of memory")
	fmt.Fprintln(out, "  checkpoint (cp)         - Take a snapshot")
	fmt.Fprintln(out, "\nGeneral commands:")
	fmt.Fprintln(out, "  help (h)                - Show this help message")
	fmt.Fprintln(out, "  quit (q)                - Exit the shell")
}

func (s *Shell) requireLive() error {
	if s.exited {
		return ErrExited
	}
	return nil
}

func (s *Shell) report(state *StopState, out io.Writer) bool {
	if state.Exited {
		s.exited = true
		fmt.Fprintf(out, "Process exited with status %d\n", state.ExitStatus)
		return true
	}
	fmt.Fprintf(out, "Stopped at %#x\n", state.PC)
	return false
}

func (s *Shell) handleContinue(ctx context.Context, out io.Writer) (bool, error) {
	if err := s.requireLive(); err != nil {
		return false, err
	}
	state, err := s.inspector.Continue(ctx)
	if err != nil {
		return false, err
	}
	return s.report(state, out), nil
}

func (s *Shell) handleStep(ctx context.Context, args []string, out io.Writer) (bool, error) {
	if err := s.requireLive(); err != nil {
		return false, err
	}
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return false, fmt.Errorf("invalid instruction count %q", args[0])
		}
		n = v
	}
	state, err := s.inspector.StepInstructions(ctx, n)
	if err != nil {
		return false, err
	}
	return s.report(state, out), nil
}

func (s *Shell) handleBreakpoint(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(out, "Usage: break <func|file:line|*addr>")
		return nil
	}
	bp, err := s.bpManager.AddBreakpoint(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Breakpoint %d set at %s\n", bp.ID, bp.Spec)
	return nil
}

func (s *Shell) handleListBreakpoints(out io.Writer) {
	bps := s.bpManager.GetBreakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(out, "No breakpoints set")
		return
	}
	for _, bp := range bps {
		fmt.Fprintf(out, "%d: %s (%s)\n", bp.ID, bp.Spec, bp.Location.Type)
	}
}

func (s *Shell) handleRegisters(args []string, out io.Writer) error {
	if err := s.requireLive(); err != nil {
		return err
	}
	regs, err := s.inspector.Registers()
	if err != nil {
		return err
	}
	names := args
	if len(names) == 0 {
		for name := range regs {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		v, ok := regs[strings.ToLower(name)]
		if !ok {
			fmt.Fprintf(out, "%-12s <unavailable>\n", name)
			continue
		}
		fmt.Fprintf(out, "%-12s %#016x\n", name, v)
	}
	return nil
}

func (s *Shell) handleMaps(out io.Writer) error {
	if err := s.requireLive(); err != nil {
		return err
	}
	regions, err := s.inspector.Regions()
	if err != nil {
		return err
	}
	for _, r := range regions {
		fmt.Fprintf(out, "%#016x-%#016x %8x %s\n", r.Start, r.End(), r.Offset, r.Name)
	}
	return nil
}

func (s *Shell) handleExamine(args []string, out io.Writer) error {
	if err := s.requireLive(); err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Fprintln(out, "Usage: examine <addr> [n]")
		return nil
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", args[0])
	}
	n := 16
	if len(args) > 1 {
		if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 {
			return fmt.Errorf("invalid length %q", args[1])
		}
	}
	data, err := s.inspector.ReadMemory(addr, n)
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(out, "%#016x: % x\n", addr+uint64(off), data[off:end])
	}
	return nil
}

func (s *Shell) handleCheckpoint(ctx context.Context, out io.Writer) error {
	if err := s.requireLive(); err != nil {
		return err
	}
	if s.capture == nil {
		return errors.New("checkpointing is not available")
	}
	dir, err := s.capture(ctx)
	if err != nil {
		return err
	}
	if dir == "" {
		fmt.Fprintln(out, "Snapshot skipped")
		return nil
	}
	fmt.Fprintf(out, "Snapshot written to %s\n", dir)
	return nil
}
