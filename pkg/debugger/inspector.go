package debugger

import (
	"context"
	"errors"
)

// ErrExited is returned when the inferior has terminated and can no longer be
// inspected or resumed
var ErrExited = errors.New("inferior has exited")

// ErrHelperUnavailable is returned by Helper when the inspector cannot
// evaluate the requested helper
var ErrHelperUnavailable = errors.New("helper unavailable")

// Region is one entry of the inferior's virtual memory map
type Region struct {
	Start  uint64
	Size   uint64
	Offset uint64 // offset into the backing file
	Flags  uint32
	Name   string // backing file path or pseudo name such as [heap]
}

// End returns the address just beyond the region
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr lies inside the region
func (r Region) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End()
}

// StopState describes why the inferior stopped
type StopState struct {
	PC         uint64
	Exited     bool
	ExitStatus int
}

// Helper names a small routine evaluated inside the inferior whose result
// cannot be read from ordinary register or memory state
type Helper int

const (
	// HelperBrk returns the current program break
	HelperBrk Helper = iota
	// HelperFSBase returns the thread-local storage base
	HelperFSBase
	// HelperNextPC returns the address of the instruction after the current one
	HelperNextPC
)

// String returns the string representation of the Helper
func (h Helper) String() string {
	switch h {
	case HelperBrk:
		return "brk"
	case HelperFSBase:
		return "fs_base"
	case HelperNextPC:
		return "next_pc"
	default:
		return "unknown"
	}
}

// Inspector is the live process inspector: it controls the inferior and
// reads its memory map, registers and memory, and dumps core images.
type Inspector interface {
	// Pid returns the inferior's process id
	Pid() int
	// SetBreakpoint installs a breakpoint at a function, file:line or *address location
	SetBreakpoint(location string) error
	// Continue resumes the inferior until it stops again
	Continue(ctx context.Context) (*StopState, error)
	// Interrupt asynchronously stops a running inferior
	Interrupt() error
	// StepInstructions advances the inferior by n machine instructions
	StepInstructions(ctx context.Context, n int) (*StopState, error)
	// Regions returns the inferior's virtual memory map in address order
	Regions() ([]Region, error)
	// Registers returns the current thread's registers keyed by lower-case name
	Registers() (map[string]uint64, error)
	// ReadMemory reads n bytes at addr
	ReadMemory(addr uint64, n int) ([]byte, error)
	// DumpCore writes an ELF core image of the inferior to path
	DumpCore(ctx context.Context, path string) error
	// Helper evaluates a helper routine inside the inferior
	Helper(h Helper) (uint64, error)
	// Close detaches from and terminates the inferior
	Close() error
}
