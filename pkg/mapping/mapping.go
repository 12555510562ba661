package mapping

import (
	"fmt"
	"sort"
)

// NullName is the backing name of the implicit region at virtual address 0
const NullName = "null"

// MemoryMapping is one virtual-address region of the captured process together
// with the physical offset it occupies in the simulator's memory image
type MemoryMapping struct {
	Index  uint32 `json:"index"`
	Paddr  uint64 `json:"paddr"`
	Vaddr  uint64 `json:"vaddr"`
	Size   uint64 `json:"size"`
	Offset uint64 `json:"offset"`
	Flags  uint32 `json:"flags"`
	Name   string `json:"name"`
}

// Contains reports whether vaddr falls inside the mapping's virtual range
func (m MemoryMapping) Contains(vaddr uint64) bool {
	return m.Vaddr <= vaddr && vaddr < m.Vaddr+m.Size
}

// PhysEnd returns the physical offset just beyond the mapping
func (m MemoryMapping) PhysEnd() uint64 {
	return m.Paddr + m.Size
}

// String returns a human-readable representation of the mapping
func (m MemoryMapping) String() string {
	return fmt.Sprintf("%d: %#x -> %#x (%d bytes, %s)", m.Index, m.Vaddr, m.Paddr, m.Size, m.Name)
}

// Set is an ordered collection of mappings keyed by virtual address.
// A later mapping with the same vaddr replaces the earlier one.
type Set struct {
	mappings []MemoryMapping
}

// NewSet builds a set from the given mappings
func NewSet(ms ...MemoryMapping) *Set {
	s := &Set{}
	for _, m := range ms {
		s.Add(m)
	}
	return s
}

// Add inserts m keeping the set sorted by vaddr
func (s *Set) Add(m MemoryMapping) {
	i := sort.Search(len(s.mappings), func(i int) bool {
		return s.mappings[i].Vaddr >= m.Vaddr
	})
	if i < len(s.mappings) && s.mappings[i].Vaddr == m.Vaddr {
		s.mappings[i] = m
		return
	}
	s.mappings = append(s.mappings, MemoryMapping{})
	copy(s.mappings[i+1:], s.mappings[i:])
	s.mappings[i] = m
}

// Len returns the number of mappings
func (s *Set) Len() int {
	return len(s.mappings)
}

// All returns the mappings in vaddr order. The slice must not be modified.
func (s *Set) All() []MemoryMapping {
	return s.mappings
}

// Lookup returns the mapping starting exactly at vaddr
func (s *Set) Lookup(vaddr uint64) (MemoryMapping, bool) {
	i := sort.Search(len(s.mappings), func(i int) bool {
		return s.mappings[i].Vaddr >= vaddr
	})
	if i < len(s.mappings) && s.mappings[i].Vaddr == vaddr {
		return s.mappings[i], true
	}
	return MemoryMapping{}, false
}

// Find returns the mapping whose virtual range contains vaddr
func (s *Set) Find(vaddr uint64) (MemoryMapping, bool) {
	i := sort.Search(len(s.mappings), func(i int) bool {
		return s.mappings[i].Vaddr > vaddr
	})
	if i == 0 {
		return MemoryMapping{}, false
	}
	m := s.mappings[i-1]
	if !m.Contains(vaddr) {
		return MemoryMapping{}, false
	}
	return m, true
}

// PhysLimit returns max(paddr+size) over all mappings, or 0 for an empty set
func (s *Set) PhysLimit() uint64 {
	var limit uint64
	for _, m := range s.mappings {
		if end := m.PhysEnd(); end > limit {
			limit = end
		}
	}
	return limit
}

// MemorySize returns the size of the physical memory image for the set.
// The multiplier leaves headroom for heap and mmap growth inside the simulator.
func (s *Set) MemorySize(multiplier uint64) uint64 {
	return multiplier * s.PhysLimit()
}

// Disjoint checks that no two mappings overlap physically
func (s *Set) Disjoint() error {
	byPhys := make([]MemoryMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		if m.Size == 0 {
			continue
		}
		byPhys = append(byPhys, m)
	}
	sort.Slice(byPhys, func(i, j int) bool {
		return byPhys[i].Paddr < byPhys[j].Paddr
	})
	for i := 1; i < len(byPhys); i++ {
		prev, cur := byPhys[i-1], byPhys[i]
		if prev.PhysEnd() > cur.Paddr {
			return fmt.Errorf("mappings %s and %s overlap physically", prev, cur)
		}
	}
	return nil
}

// Filter returns the mappings for which keep returns true
func (s *Set) Filter(keep func(MemoryMapping) bool) []MemoryMapping {
	var out []MemoryMapping
	for _, m := range s.mappings {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
