package mapping

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronopoint/pkg/debugger"
)

// RegionSource enumerates the virtual memory regions of the inferior
type RegionSource interface {
	Regions() ([]debugger.Region, error)
}

// Extractor turns the inferior's region list into mappings with contiguous
// physical offsets
type Extractor struct {
	Source   RegionSource
	PageSize uint64
}

// NewExtractor creates an extractor using the host page size
func NewExtractor(src RegionSource) *Extractor {
	return &Extractor{
		Source:   src,
		PageSize: uint64(unix.Getpagesize()),
	}
}

// Extract reads the region list and assigns physical offsets by linear
// accumulation, starting with the null region at physical offset 0. When
// expand is set, every region is split into page-sized sub-mappings.
func (e *Extractor) Extract(expand bool) (*Set, error) {
	regions, err := e.Source.Regions()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory regions: %w", err)
	}
	return Build(regions, e.pageSize(), expand), nil
}

func (e *Extractor) pageSize() uint64 {
	if e.PageSize == 0 {
		return uint64(unix.Getpagesize())
	}
	return e.PageSize
}

// Build assigns physical offsets to regions. It is the pure half of Extract.
func Build(regions []debugger.Region, pageSize uint64, expand bool) *Set {
	all := make([]debugger.Region, 0, len(regions)+1)
	all = append(all, debugger.Region{Start: 0, Size: pageSize, Name: NullName})
	all = append(all, regions...)

	set := &Set{}
	var nextPaddr uint64
	for i, r := range all {
		paddr := nextPaddr
		nextPaddr += r.Size
		m := MemoryMapping{
			Index:  uint32(i),
			Paddr:  paddr,
			Vaddr:  r.Start,
			Size:   r.Size,
			Offset: r.Offset,
			Flags:  r.Flags,
			Name:   r.Name,
		}
		if !expand {
			set.Add(m)
			continue
		}
		for _, sub := range ExpandPages(m, pageSize) {
			set.Add(sub)
		}
	}
	return set
}

// ExpandPages splits m into page-sized sub-mappings. A mapping with physical
// base 0 keeps paddr 0 for every page so that unmapped pages read as zero.
func ExpandPages(m MemoryMapping, pageSize uint64) []MemoryMapping {
	if m.Size <= pageSize {
		return []MemoryMapping{m}
	}
	pages := make([]MemoryMapping, 0, (m.Size+pageSize-1)/pageSize)
	for off := uint64(0); off < m.Size; off += pageSize {
		paddr := m.Paddr + off
		if m.Paddr == 0 {
			paddr = 0
		}
		pages = append(pages, MemoryMapping{
			Index:  m.Index,
			Paddr:  paddr,
			Vaddr:  m.Vaddr + off,
			Size:   pageSize,
			Offset: m.Offset + off,
			Flags:  m.Flags,
			Name:   m.Name,
		})
	}
	return pages
}
