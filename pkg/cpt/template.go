// Package cpt renders the simulator checkpoint description, m5.cpt, that
// accompanies a physical memory image.
package cpt

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/willibrandon/chronopoint/pkg/mapping"
)

// DefaultMmapEnd is the top of the simulated mmap area
const DefaultMmapEnd uint64 = 0xFFFFFFFFFF000000

// DefaultMaxStackSize is the stack limit written when none is given
const DefaultMaxStackSize uint64 = 8 << 20

// ErrStackMapping is returned when the stack mapping is missing or ambiguous
var ErrStackMapping = errors.New("expected exactly one stack mapping")

//go:embed m5.cpt.tmpl
var cptTemplate string

var tmpl = template.Must(template.New("m5.cpt").Parse(cptTemplate))

// Params holds everything rendered into m5.cpt
type Params struct {
	// Mappings are the page-expanded mappings; each becomes a page table entry
	Mappings     *mapping.Set
	Registers    *RegisterSet
	MemSize      uint64
	Stack        mapping.MemoryMapping
	MaxStackSize uint64
	Brk          uint64
	MmapEnd      uint64
	NextPC       uint64
}

type view struct {
	Params
	PC                  uint64
	PagePtr             uint64
	StackBase           uint64
	NextThreadStackBase uint64
	Entries             []mapping.MemoryMapping
}

// Render writes m5.cpt for p to w
func Render(w io.Writer, p Params) error {
	if p.Registers == nil {
		return errors.New("no registers")
	}
	if p.Mappings == nil {
		return errors.New("no mappings")
	}
	if p.MmapEnd == 0 {
		p.MmapEnd = DefaultMmapEnd
	}
	if p.MaxStackSize == 0 {
		p.MaxStackSize = DefaultMaxStackSize
	}
	v := view{
		Params:              p,
		PC:                  p.Registers.PC(),
		PagePtr:             p.Mappings.PhysLimit(),
		StackBase:           p.Stack.Vaddr + p.Stack.Size,
		NextThreadStackBase: p.Stack.Vaddr - p.MaxStackSize,
		Entries:             p.Mappings.All(),
	}
	return tmpl.Execute(w, v)
}

// Build renders m5.cpt for p to a string
func Build(p Params) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, p); err != nil {
		return "", fmt.Errorf("failed to render checkpoint: %w", err)
	}
	return buf.String(), nil
}

// FindStack returns the one mapping whose name contains "stack"
func FindStack(set *mapping.Set) (mapping.MemoryMapping, error) {
	stacks := set.Filter(func(m mapping.MemoryMapping) bool {
		return strings.Contains(m.Name, "stack")
	})
	if len(stacks) != 1 {
		return mapping.MemoryMapping{}, fmt.Errorf("%w, found %d", ErrStackMapping, len(stacks))
	}
	return stacks[0], nil
}
