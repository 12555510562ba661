package checkpoint_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/checkpoint/checkpointtest"
	"github.com/willibrandon/chronopoint/pkg/mapping"
)

const pageSize = 4096

func testSet() *mapping.Set {
	return mapping.NewSet(
		mapping.MemoryMapping{Index: 0, Paddr: 0, Vaddr: 0, Size: pageSize, Name: mapping.NullName},
		mapping.MemoryMapping{Index: 1, Paddr: pageSize, Vaddr: 0x400000, Size: pageSize, Name: "[heap]"},
	)
}

func TestSequence(t *testing.T) {
	seq, err := checkpoint.New("/tmp/x/12_check.cpt").Sequence()
	require.NoError(t, err)
	assert.Equal(t, 12, seq)
	assert.Equal(t, "3_check.cpt", checkpoint.DirName(3))

	_, err = checkpoint.New("/tmp/x/results").Sequence()
	assert.ErrorIs(t, err, checkpoint.ErrNotSnapshot)
}

func TestValidity(t *testing.T) {
	root := t.TempDir()
	chk := checkpointtest.Snapshot(t, root, "0_check.cpt", testSet(), 4*pageSize,
		[]checkpointtest.Segment{{Vaddr: 0x400000, Data: checkpointtest.Page(pageSize, 0xab)}})

	assert.True(t, chk.IsValid())
	assert.False(t, chk.PhysmemExists())
	assert.False(t, chk.AsConverted().IsValid())

	m, err := chk.Mappings()
	require.NoError(t, err)
	assert.Equal(t, uint64(4*pageSize), m.MemSize)

	// memoized
	again, err := chk.Mappings()
	require.NoError(t, err)
	assert.Same(t, m, again)

	require.NoError(t, os.WriteFile(chk.CptPath(), []byte("[root]\n"), 0644))
	require.NoError(t, os.WriteFile(chk.PhysmemPath(), make([]byte, 2*pageSize), 0644))
	assert.False(t, chk.AsConverted().IsValid(), "short pmem is not converted")

	require.NoError(t, os.Truncate(chk.PhysmemPath(), 4*pageSize))
	assert.True(t, chk.AsConverted().IsValid())

	require.NoError(t, checkpoint.CompressFileInPlace(chk.PhysmemPath()))
	gz, err := checkpoint.IsGzip(chk.PhysmemPath())
	require.NoError(t, err)
	assert.True(t, gz)
	assert.True(t, chk.AsConverted().IsValid(), "compressed pmem is accepted")
}

func TestInvalidSnapshots(t *testing.T) {
	root := t.TempDir()

	noCore := filepath.Join(root, "1_check.cpt")
	require.NoError(t, os.MkdirAll(noCore, 0755))
	require.NoError(t, mapping.WriteManifest(filepath.Join(noCore, checkpoint.MappingsFile),
		mapping.Manifest{MemSize: pageSize, Mappings: testSet()}))
	assert.False(t, checkpoint.New(noCore).IsValid())

	badCore := filepath.Join(root, "2_check.cpt")
	require.NoError(t, os.MkdirAll(badCore, 0755))
	require.NoError(t, mapping.WriteManifest(filepath.Join(badCore, checkpoint.MappingsFile),
		mapping.Manifest{MemSize: pageSize, Mappings: testSet()}))
	require.NoError(t, os.WriteFile(filepath.Join(badCore, checkpoint.CoreFile), []byte("garbage"), 0644))
	assert.False(t, checkpoint.New(badCore).IsValid())

	noManifest := filepath.Join(root, "3_check.cpt")
	require.NoError(t, os.MkdirAll(noManifest, 0755))
	require.NoError(t, checkpointtest.WriteCore(filepath.Join(noManifest, checkpoint.CoreFile), nil))
	assert.False(t, checkpoint.New(noManifest).IsValid())
}

func TestCompressedCore(t *testing.T) {
	root := t.TempDir()
	data := checkpointtest.Page(pageSize, 0x5a)
	chk := checkpointtest.Snapshot(t, root, "0_check.cpt", testSet(), 4*pageSize,
		[]checkpointtest.Segment{{Vaddr: 0x400000, Data: data}})

	require.NoError(t, chk.CompressCore())
	_, err := os.Stat(chk.CorePath())
	assert.True(t, os.IsNotExist(err))
	assert.True(t, chk.IsValid())

	core, err := chk.OpenCore()
	require.NoError(t, err)
	segs := core.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, uint64(0x400000), segs[0].Vaddr)
	got, err := io.ReadAll(core.Open(segs[0]))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, core.Close())

	// compressing again is a no-op
	require.NoError(t, chk.CompressCore())
}

func TestCatalog(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"10_check.cpt", "2_check.cpt", "1_check.cpt"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "journal.jsonl"), nil, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".3_check.cpt-123"), 0755))

	cat, err := checkpoint.NewCatalog(root)
	require.NoError(t, err)
	names, err := cat.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"1_check.cpt", "2_check.cpt", "10_check.cpt"}, names)

	list, err := cat.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Same(t, list[0], cat.Get("1_check.cpt"))
}
