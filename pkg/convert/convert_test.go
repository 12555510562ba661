package convert

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
	"github.com/willibrandon/chronopoint/pkg/checkpoint/checkpointtest"
	"github.com/willibrandon/chronopoint/pkg/debugger"
	"github.com/willibrandon/chronopoint/pkg/mapping"
)

const pageSize = 4096

func openCore(t *testing.T, segs []checkpointtest.Segment) checkpoint.Core {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gdb.core")
	require.NoError(t, checkpointtest.WriteCore(path, segs))
	core, err := checkpoint.ReadCore(path)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })
	return core
}

func testSet() *mapping.Set {
	return mapping.Build([]debugger.Region{
		{Start: 0x400000, Size: 2 * pageSize, Name: "[anon]"},
		{Start: 0x600000, Size: pageSize, Name: "[heap]"},
	}, pageSize, false)
}

func TestMaterializeLayout(t *testing.T) {
	set := testSet()
	memSize := set.MemorySize(2)
	a := append(checkpointtest.Page(pageSize, 0xaa), checkpointtest.Page(pageSize, 0xbb)...)
	b := checkpointtest.Page(pageSize, 0xcc)
	core := openCore(t, []checkpointtest.Segment{
		{Vaddr: 0x400000, Data: a},
		{Vaddr: 0x600000, Data: b},
	})

	out := filepath.Join(t.TempDir(), "pmem")
	got, err := materialize(set, memSize, core, out, pageSize)
	require.NoError(t, err)
	assert.Equal(t, out, got)

	img, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, img, int(memSize))

	// null page and the tail stay zero
	assert.Equal(t, make([]byte, pageSize), img[:pageSize])
	assert.Equal(t, a, img[pageSize:3*pageSize])
	assert.Equal(t, b, img[3*pageSize:4*pageSize])
	assert.Equal(t, make([]byte, int(memSize)-4*pageSize), img[4*pageSize:])
}

func TestMaterializeRoundTrip(t *testing.T) {
	set := testSet()
	segs := []checkpointtest.Segment{{Vaddr: 0x600000, Data: checkpointtest.Page(pageSize, 0x11)}}
	core := openCore(t, segs)

	dir := t.TempDir()
	first := filepath.Join(dir, "one")
	second := filepath.Join(dir, "two")
	_, err := materialize(set, set.MemorySize(2), core, first, pageSize)
	require.NoError(t, err)
	_, err = materialize(set, set.MemorySize(2), core, second, pageSize)
	require.NoError(t, err)

	x, err := os.ReadFile(first)
	require.NoError(t, err)
	y, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(x, y))
}

func TestMaterializeErrors(t *testing.T) {
	set := testSet()
	out := filepath.Join(t.TempDir(), "pmem")

	core := openCore(t, []checkpointtest.Segment{{Vaddr: 0x500000, Data: checkpointtest.Page(pageSize, 1)}})
	_, err := materialize(set, set.MemorySize(2), core, out, pageSize)
	assert.ErrorIs(t, err, ErrUnmappedSegment)

	core = openCore(t, []checkpointtest.Segment{{Vaddr: 0x600000, Data: checkpointtest.Page(pageSize, 1), Memsz: 2 * pageSize}})
	_, err = materialize(set, set.MemorySize(2), core, out, pageSize)
	assert.ErrorIs(t, err, ErrCorruptSegment)

	core = openCore(t, []checkpointtest.Segment{{Vaddr: 0x600000, Data: make([]byte, 100)}})
	_, err = materialize(set, set.MemorySize(2), core, out, pageSize)
	assert.ErrorIs(t, err, ErrCorruptSegment)
}

func TestMaterializeSharedFile(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libfoo.so")
	content := append(checkpointtest.Page(pageSize, 0x01), checkpointtest.Page(pageSize/2, 0x02)...)
	require.NoError(t, os.WriteFile(lib, content, 0644))

	set := mapping.Build([]debugger.Region{
		// second page of the file, short by half a page
		{Start: 0x7f0000000000, Size: pageSize, Offset: pageSize, Name: lib},
		// covered by the core, so the file is not used
		{Start: 0x7f0000100000, Size: pageSize, Name: lib},
	}, pageSize, false)
	core := openCore(t, []checkpointtest.Segment{{Vaddr: 0x7f0000100000, Data: checkpointtest.Page(pageSize, 0xee)}})

	out := filepath.Join(t.TempDir(), "pmem")
	_, err := materialize(set, set.MemorySize(2), core, out, pageSize)
	require.NoError(t, err)

	img, err := os.ReadFile(out)
	require.NoError(t, err)
	shared, _ := set.Lookup(0x7f0000000000)
	half := pageSize / 2
	assert.Equal(t, checkpointtest.Page(half, 0x02), img[shared.Paddr:shared.Paddr+uint64(half)])
	assert.Equal(t, make([]byte, half), img[shared.Paddr+uint64(half):shared.PhysEnd()])

	covered, _ := set.Lookup(0x7f0000100000)
	assert.Equal(t, checkpointtest.Page(pageSize, 0xee), img[covered.Paddr:covered.PhysEnd()])
}

func newSnapshot(t *testing.T, root, name string) *checkpoint.Checkpoint {
	set := testSet()
	return checkpointtest.Snapshot(t, root, name, set, set.MemorySize(2),
		[]checkpointtest.Segment{{Vaddr: 0x600000, Data: checkpointtest.Page(pageSize, 0x42)}})
}

func TestCheckpointSkipAndForce(t *testing.T) {
	chk := newSnapshot(t, t.TempDir(), "0_check.cpt")
	require.NoError(t, os.WriteFile(chk.CptPath(), []byte("[root]\n"), 0644))

	created, err := Checkpoint(chk, Options{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, chk.AsConverted().IsValid())

	created, err = Checkpoint(chk, Options{})
	require.NoError(t, err)
	assert.False(t, created)

	created, err = Checkpoint(chk, Options{Force: true, Compress: true})
	require.NoError(t, err)
	assert.True(t, created)
	gz, err := checkpoint.IsGzip(chk.PhysmemPath())
	require.NoError(t, err)
	assert.True(t, gz)
	assert.True(t, chk.AsConverted().IsValid())
}

func TestDirectory(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 4; i++ {
		newSnapshot(t, root, checkpoint.DirName(i))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "9_check.cpt"), 0755))

	existing := checkpoint.New(filepath.Join(root, checkpoint.DirName(0)))
	_, err := Checkpoint(existing, Options{})
	require.NoError(t, err)

	res, err := Directory(context.Background(), root, Options{Workers: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 3, Existing: 1, Invalid: 1}, res)

	res, err = Directory(context.Background(), root, Options{Workers: 2, Num: 2, Force: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
}
