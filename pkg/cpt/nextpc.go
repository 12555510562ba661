package cpt

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest x86 instruction encoding
const maxInstLen = 15

// MemoryReader reads inferior memory
type MemoryReader interface {
	ReadMemory(addr uint64, n int) ([]byte, error)
}

// NextPC decodes the instruction at pc and returns the address after it
func NextPC(mem MemoryReader, pc uint64) (uint64, error) {
	var code []byte
	var err error
	// the instruction may sit at the end of a mapping
	for n := maxInstLen; n > 0; n-- {
		if code, err = mem.ReadMemory(pc, n); err == nil {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read instruction at %#x: %w", pc, err)
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to decode instruction at %#x: %w", pc, err)
	}
	return pc + uint64(inst.Len), nil
}
