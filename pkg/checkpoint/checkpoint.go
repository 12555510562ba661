// Package checkpoint models snapshot directories on disk: the files a capture
// produces, their validity, and the derived converted state.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/willibrandon/chronopoint/pkg/mapping"
)

// File names inside a snapshot directory
const (
	MappingsFile = "mappings.json"
	CoreFile     = "gdb.core"
	CoreGzFile   = "gdb.core.gz"
	PhysmemFile  = "system.physmem.store0.pmem"
	CptFile      = "m5.cpt"
)

// DirSuffix is the suffix of snapshot directory names, <seq>_check.cpt
const DirSuffix = "_check.cpt"

// ErrNotSnapshot is returned by Sequence for directories not named <seq>_check.cpt
var ErrNotSnapshot = errors.New("not a snapshot directory")

// DirName returns the snapshot directory name for a sequence number
func DirName(seq int) string {
	return strconv.Itoa(seq) + DirSuffix
}

// Checkpoint is one snapshot directory. Methods are safe for concurrent use.
type Checkpoint struct {
	Dir string

	mu       sync.Mutex
	manifest *mapping.Manifest
}

// New returns the checkpoint stored in dir
func New(dir string) *Checkpoint {
	return &Checkpoint{Dir: dir}
}

// Name returns the directory base name
func (c *Checkpoint) Name() string {
	return filepath.Base(c.Dir)
}

// Sequence parses the capture sequence number from the directory name
func (c *Checkpoint) Sequence() (int, error) {
	name := c.Name()
	if !strings.HasSuffix(name, DirSuffix) {
		return 0, fmt.Errorf("%w: %s", ErrNotSnapshot, name)
	}
	seq, err := strconv.Atoi(strings.TrimSuffix(name, DirSuffix))
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotSnapshot, name)
	}
	return seq, nil
}

// Path returns the path of a file inside the snapshot directory
func (c *Checkpoint) Path(file string) string {
	return filepath.Join(c.Dir, file)
}

// ManifestPath returns the path of mappings.json
func (c *Checkpoint) ManifestPath() string { return c.Path(MappingsFile) }

// CorePath returns the path of the uncompressed core image
func (c *Checkpoint) CorePath() string { return c.Path(CoreFile) }

// CoreGzPath returns the path of the compressed core image
func (c *Checkpoint) CoreGzPath() string { return c.Path(CoreGzFile) }

// PhysmemPath returns the path of the physical memory image
func (c *Checkpoint) PhysmemPath() string { return c.Path(PhysmemFile) }

// CptPath returns the path of the register/system template
func (c *Checkpoint) CptPath() string { return c.Path(CptFile) }

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// HasManifest reports whether mappings.json exists
func (c *Checkpoint) HasManifest() bool {
	return fileExists(c.ManifestPath())
}

// HasCore reports whether an uncompressed or compressed core exists
func (c *Checkpoint) HasCore() bool {
	return fileExists(c.CorePath()) || fileExists(c.CoreGzPath())
}

// IsValid reports whether the snapshot can be converted: the manifest exists
// and the core exists and parses as an ELF image
func (c *Checkpoint) IsValid() bool {
	if !c.HasManifest() || !c.HasCore() {
		return false
	}
	core, err := c.OpenCore()
	if err != nil {
		return false
	}
	core.Close()
	return true
}

// Mappings loads mappings.json. The manifest is read at most once.
func (c *Checkpoint) Mappings() (*mapping.Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manifest != nil {
		return c.manifest, nil
	}
	m, err := mapping.ReadManifest(c.ManifestPath())
	if err != nil {
		return nil, err
	}
	c.manifest = m
	return m, nil
}

// PhysmemExists reports whether the physical memory image exists
func (c *Checkpoint) PhysmemExists() bool {
	return fileExists(c.PhysmemPath())
}

// Converted is the view of a snapshot that is ready to simulate
type Converted struct {
	*Checkpoint
}

// AsConverted returns the converted view of c
func (c *Checkpoint) AsConverted() Converted {
	return Converted{Checkpoint: c}
}

// IsValid additionally requires the physical memory image to exist with the
// manifest's size. A gzip-compressed image is accepted as is.
func (c Converted) IsValid() bool {
	if !c.Checkpoint.IsValid() || !c.PhysmemExists() || !fileExists(c.CptPath()) {
		return false
	}
	m, err := c.Mappings()
	if err != nil {
		return false
	}
	info, err := os.Stat(c.PhysmemPath())
	if err != nil {
		return false
	}
	if uint64(info.Size()) == m.MemSize {
		return true
	}
	gz, err := IsGzip(c.PhysmemPath())
	return err == nil && gz
}
