package checkpoint

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// ErrNoCore is returned by OpenCore when neither gdb.core nor gdb.core.gz exists
var ErrNoCore = errors.New("no core image")

// Segment is a PT_LOAD program header of a core image
type Segment struct {
	Vaddr  uint64
	Off    uint64
	Filesz uint64
	Memsz  uint64
	Flags  elf.ProgFlag
}

// Core is an opened core image
type Core interface {
	// Segments returns the PT_LOAD segments in file order
	Segments() []Segment
	// Open returns a reader over the file-backed bytes of s
	Open(s Segment) io.Reader
	io.Closer
}

type elfCore struct {
	f        *os.File
	e        *elf.File
	segs     []Segment
	tempPath string
}

// ReadCore opens an uncompressed ELF core image
func ReadCore(path string) (Core, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := newELFCore(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func newELFCore(f *os.File) (*elfCore, error) {
	e, err := elf.NewFile(f)
	if err != nil {
		return nil, err
	}
	if e.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%s is not a core file", f.Name())
	}
	c := &elfCore{f: f, e: e}
	for _, prog := range e.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		c.segs = append(c.segs, Segment{
			Vaddr:  prog.Vaddr,
			Off:    prog.Off,
			Filesz: prog.Filesz,
			Memsz:  prog.Memsz,
			Flags:  prog.Flags,
		})
	}
	return c, nil
}

func (c *elfCore) Segments() []Segment {
	return c.segs
}

func (c *elfCore) Open(s Segment) io.Reader {
	return io.NewSectionReader(c.f, int64(s.Off), int64(s.Filesz))
}

func (c *elfCore) Close() error {
	err := c.e.Close()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	if c.tempPath != "" {
		os.Remove(c.tempPath)
	}
	return err
}

// OpenCore opens the snapshot's core image, preferring the uncompressed file.
// A compressed core is inflated into a temporary file removed on Close.
func (c *Checkpoint) OpenCore() (Core, error) {
	if fileExists(c.CorePath()) {
		return ReadCore(c.CorePath())
	}
	if !fileExists(c.CoreGzPath()) {
		return nil, fmt.Errorf("%w in %s", ErrNoCore, c.Dir)
	}

	gz, err := os.Open(c.CoreGzPath())
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	zr, err := gzip.NewReader(gz)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.CoreGzPath(), err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp("", "chronopoint-core-*")
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Core, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if _, err := io.Copy(tmp, zr); err != nil {
		return fail(fmt.Errorf("failed to inflate %s: %w", c.CoreGzPath(), err))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	core, err := newELFCore(tmp)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", c.CoreGzPath(), err))
	}
	core.tempPath = tmp.Name()
	return core, nil
}
