package debugger

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FakeInspector is an in-memory Inspector used by tests of the capture driver
// and its collaborators. Its exported fields may be set before use; the
// counters are safe to read once the driver has returned.
type FakeInspector struct {
	PID          int
	Maps         []Region
	Regs         map[string]uint64
	Mem          map[uint64][]byte // memory contents keyed by start address
	HelperValues map[Helper]uint64
	PC           uint64

	// ExitAfter makes the inferior exit at its ExitAfter-th stop. Zero never exits.
	ExitAfter int
	// BlockOnContinue makes Continue wait for Interrupt or ctx cancellation
	BlockOnContinue bool
	// PCStep is added to PC at every stop
	PCStep uint64
	// CoreWriter writes the core image for DumpCore. The default writes an
	// empty file.
	CoreWriter func(path string) error

	mu          sync.Mutex
	interrupt   chan struct{}
	stops       int
	exited      bool
	Breakpoints []string
	Continues   int
	Steps       int
	Interrupts  int
	Dumps       []string
	Closed      bool
}

var _ Inspector = (*FakeInspector)(nil)

// NewFakeInspector returns a fake with the given memory map
func NewFakeInspector(pid int, maps []Region) *FakeInspector {
	return &FakeInspector{
		PID:          pid,
		Maps:         maps,
		Regs:         make(map[string]uint64),
		Mem:          make(map[uint64][]byte),
		HelperValues: make(map[Helper]uint64),
	}
}

func (f *FakeInspector) Pid() int { return f.PID }

func (f *FakeInspector) SetBreakpoint(location string) error {
	if _, err := ParseLocation(location); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Breakpoints = append(f.Breakpoints, location)
	return nil
}

func (f *FakeInspector) Continue(ctx context.Context) (*StopState, error) {
	f.mu.Lock()
	if f.exited {
		f.mu.Unlock()
		return nil, ErrExited
	}
	f.Continues++
	if f.interrupt == nil {
		f.interrupt = make(chan struct{}, 1)
	}
	ch := f.interrupt
	block := f.BlockOnContinue
	f.mu.Unlock()

	if block {
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
	return f.stop(), nil
}

func (f *FakeInspector) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Interrupts++
	if f.interrupt == nil {
		f.interrupt = make(chan struct{}, 1)
	}
	select {
	case f.interrupt <- struct{}{}:
	default:
	}
	return nil
}

func (f *FakeInspector) StepInstructions(ctx context.Context, n int) (*StopState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.exited {
		f.mu.Unlock()
		return nil, ErrExited
	}
	f.Steps += n
	f.mu.Unlock()
	return f.stop(), nil
}

// stop records one stop of the inferior
func (f *FakeInspector) stop() *StopState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.PC += f.PCStep
	if f.ExitAfter > 0 && f.stops >= f.ExitAfter {
		f.exited = true
		return &StopState{PC: f.PC, Exited: true}
	}
	return &StopState{PC: f.PC}
}

func (f *FakeInspector) Regions() ([]Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return nil, ErrExited
	}
	out := make([]Region, len(f.Maps))
	copy(out, f.Maps)
	return out, nil
}

func (f *FakeInspector) Registers() (map[string]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return nil, ErrExited
	}
	out := make(map[string]uint64, len(f.Regs)+1)
	for k, v := range f.Regs {
		out[k] = v
	}
	out["rip"] = f.PC
	return out, nil
}

func (f *FakeInspector) ReadMemory(addr uint64, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for start, data := range f.Mem {
		if addr >= start && addr+uint64(n) <= start+uint64(len(data)) {
			off := addr - start
			out := make([]byte, n)
			copy(out, data[off:off+uint64(n)])
			return out, nil
		}
	}
	return nil, fmt.Errorf("no memory at %#x", addr)
}

func (f *FakeInspector) DumpCore(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.Dumps = append(f.Dumps, path)
	writer := f.CoreWriter
	f.mu.Unlock()
	if writer != nil {
		return writer(path)
	}
	return os.WriteFile(path, nil, 0644)
}

func (f *FakeInspector) Helper(h Helper) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.HelperValues[h]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrHelperUnavailable, h)
}

func (f *FakeInspector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Stops returns how many times the inferior has stopped
func (f *FakeInspector) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
