// Package convert turns captured snapshots into physical memory images that a
// simulator can load directly.
package convert

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/mapping"
)

var (
	// ErrCoreParseFailed is returned when the core image is missing or corrupt
	ErrCoreParseFailed = errors.New("failed to parse core image")
	// ErrUnmappedSegment is returned when a core segment has no mapping with the same vaddr
	ErrUnmappedSegment = errors.New("core segment has no matching mapping")
	// ErrCorruptSegment is returned when a core segment is partial or not page aligned
	ErrCorruptSegment = errors.New("corrupt core segment")
)

// Materialize writes the physical memory image for a snapshot to out and
// returns out. The image is memSize bytes of zeros overlaid with shared-file
// contents for mappings the core does not cover and then with every core
// segment at its mapping's physical offset.
func Materialize(set *mapping.Set, memSize uint64, core checkpoint.Core, out string) (string, error) {
	return materialize(set, memSize, core, out, uint64(unix.Getpagesize()))
}

func materialize(set *mapping.Set, memSize uint64, core checkpoint.Core, out string, pageSize uint64) (string, error) {
	segs := core.Segments()
	for _, s := range segs {
		if s.Filesz != s.Memsz || s.Memsz%pageSize != 0 {
			return "", fmt.Errorf("%w at %#x: filesz %d, memsz %d", ErrCorruptSegment, s.Vaddr, s.Filesz, s.Memsz)
		}
		if _, ok := set.Lookup(s.Vaddr); !ok {
			return "", fmt.Errorf("%w: %#x", ErrUnmappedSegment, s.Vaddr)
		}
	}

	f, err := os.OpenFile(out, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.Truncate(int64(memSize)); err != nil {
		return "", fmt.Errorf("failed to size %s: %w", out, err)
	}

	for _, m := range set.All() {
		if m.Name == mapping.NullName || m.Vaddr == 0 || covered(segs, m.Vaddr) {
			continue
		}
		if err := copySharedFile(f, m); err != nil {
			return "", err
		}
	}

	for _, s := range segs {
		m, _ := set.Lookup(s.Vaddr)
		w := io.NewOffsetWriter(f, int64(m.Paddr))
		if _, err := io.Copy(w, core.Open(s)); err != nil {
			return "", fmt.Errorf("failed to copy segment %#x: %w", s.Vaddr, err)
		}
	}

	if err := f.Close(); err != nil {
		return "", err
	}
	return out, nil
}

func covered(segs []checkpoint.Segment, vaddr uint64) bool {
	for _, s := range segs {
		if s.Vaddr <= vaddr && vaddr < s.Vaddr+s.Memsz {
			return true
		}
	}
	return false
}

// copySharedFile copies the file-backed bytes of m into the image. A short
// file leaves the remainder zero.
func copySharedFile(img *os.File, m mapping.MemoryMapping) error {
	info, err := os.Stat(m.Name)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	src, err := os.Open(m.Name)
	if err != nil {
		return nil
	}
	defer src.Close()

	r := io.NewSectionReader(src, int64(m.Offset), int64(m.Size))
	w := io.NewOffsetWriter(img, int64(m.Paddr))
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to copy %s into image: %w", m.Name, err)
	}
	return nil
}
