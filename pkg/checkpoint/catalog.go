package checkpoint

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/maruel/natural"
)

// DefaultCatalogCacheSize bounds the number of cached checkpoints
const DefaultCatalogCacheSize = 4096

// Catalog lists the snapshot directories under a root. Checkpoint values are
// cached so that memoized manifests survive repeated listings.
type Catalog struct {
	Root  string
	cache *lru.Cache
}

// NewCatalog creates a catalog for root
func NewCatalog(root string) (*Catalog, error) {
	cache, err := lru.New(DefaultCatalogCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{Root: root, cache: cache}, nil
}

// Names returns the subdirectory names under the root in natural order.
// Hidden directories hold captures in progress and are skipped.
func (c *Catalog) Names() ([]string, error) {
	entries, err := os.ReadDir(c.Root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return natural.Less(names[i], names[j])
	})
	return names, nil
}

// Get returns the checkpoint for a directory name
func (c *Catalog) Get(name string) *Checkpoint {
	if v, ok := c.cache.Get(name); ok {
		return v.(*Checkpoint)
	}
	chk := New(filepath.Join(c.Root, name))
	c.cache.Add(name, chk)
	return chk
}

// List returns every snapshot under the root in natural order
func (c *Catalog) List() ([]*Checkpoint, error) {
	names, err := c.Names()
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(names))
	for _, name := range names {
		out = append(out, c.Get(name))
	}
	return out, nil
}
