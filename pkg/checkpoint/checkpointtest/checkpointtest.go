// Package checkpointtest builds snapshot fixtures for tests.
package checkpointtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/mapping"
)

// Segment is a PT_LOAD segment to write into a core image. Memsz defaults to
// len(Data).
type Segment struct {
	Vaddr uint64
	Data  []byte
	Memsz uint64
}

const (
	ehsize    = 64
	phentsize = 56
)

// CoreBytes encodes a little-endian x86-64 ET_CORE image with the given
// PT_LOAD segments
func CoreBytes(segs []Segment) []byte {
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&buf, binary.LittleEndian, &hdr)

	off := uint64(ehsize + phentsize*len(segs))
	for _, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		prog := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    off,
			Vaddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  1,
		}
		binary.Write(&buf, binary.LittleEndian, &prog)
		off += uint64(len(s.Data))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}

// WriteCore writes a core image to path
func WriteCore(path string, segs []Segment) error {
	return os.WriteFile(path, CoreBytes(segs), 0644)
}

// Snapshot creates <root>/<name> holding mappings.json for set and a core
// with segs
func Snapshot(t testing.TB, root, name string, set *mapping.Set, memSize uint64, segs []Segment) *checkpoint.Checkpoint {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	chk := checkpoint.New(dir)
	if err := mapping.WriteManifest(chk.ManifestPath(), mapping.Manifest{MemSize: memSize, Mappings: set}); err != nil {
		t.Fatal(err)
	}
	if err := WriteCore(chk.CorePath(), segs); err != nil {
		t.Fatal(err)
	}
	return chk
}

// Page returns a page-sized buffer filled with b
func Page(size int, b byte) []byte {
	return bytes.Repeat([]byte{b}, size)
}

// Converted creates a snapshot with a one-page heap mapping, its memory image
// and an m5.cpt, ready to be simulated
func Converted(t testing.TB, root, name string, pageSize int) *checkpoint.Checkpoint {
	t.Helper()
	set := mapping.NewSet(
		mapping.MemoryMapping{Index: 0, Paddr: 0, Vaddr: 0, Size: uint64(pageSize), Name: mapping.NullName},
		mapping.MemoryMapping{Index: 1, Paddr: uint64(pageSize), Vaddr: 0x400000, Size: uint64(pageSize), Name: "[heap]"},
	)
	memSize := set.MemorySize(2)
	chk := Snapshot(t, root, name, set, memSize, []Segment{{Vaddr: 0x400000, Data: Page(pageSize, 0xcc)}})
	if err := os.WriteFile(chk.CptPath(), []byte("[root]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(chk.PhysmemPath(), make([]byte, memSize), 0644); err != nil {
		t.Fatal(err)
	}
	return chk
}
