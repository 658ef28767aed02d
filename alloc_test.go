package arbtrie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDAllocatorNeverHandsOutNilID(t *testing.T) {
	a := newTestIDAllocator(t, 16)
	for i := 0; i < 2*idRegionCount; i++ {
		id, _, err := a.allocID(typeValue, 0)
		require.NoError(t, err)
		require.NotEqual(t, NilID, id)
	}
}

func TestIDAllocatorFreeListReuse(t *testing.T) {
	a := newTestIDAllocator(t, 16)

	// Pin the round-robin cursor so both allocations land in region 7 and
	// the second one must find the freed slot at the region's list head.
	a.nextRegion = 6
	id, _, err := a.allocID(typeValue, 42)
	require.NoError(t, err)
	require.EqualValues(t, 7, id.Region())

	a.freeID(id)
	require.EqualValues(t, 1, a.freeCount())

	a.nextRegion = 6
	id2, meta, err := a.allocID(typeBinary, 99)
	require.NoError(t, err)
	require.Equal(t, id, id2, "freed slot should be recycled before the bump cursor advances")
	require.Equal(t, uint16(1), refOf(meta.load()))
	require.Equal(t, typeBinary, typeOf(meta.load()))
	require.Equal(t, uint64(99), locOf(meta.load()))
}

func TestIDAllocatorFreeListIsLIFO(t *testing.T) {
	a := newTestIDAllocator(t, 16)

	var ids []NodeID
	for i := 0; i < 3; i++ {
		a.nextRegion = 2
		id, _, err := a.allocID(typeValue, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		a.freeID(id)
	}

	// Last freed pops first; the chain threads through the slots' own
	// location fields.
	for i := len(ids) - 1; i >= 0; i-- {
		a.nextRegion = 2
		got, _, err := a.allocID(typeValue, 0)
		require.NoError(t, err)
		require.Equal(t, ids[i], got)
	}
}

func TestIDAllocatorLookupBounds(t *testing.T) {
	a := newTestIDAllocator(t, 16)
	require.Nil(t, a.lookup(newNodeID(idRegionCount, 0)), "regions past the active set are outside the map")
	require.Nil(t, a.lookup(newNodeID(0, a.regionSlots)), "indices past the region reservation are outside the map")

	meta := a.lookup(newNodeID(5, 3))
	require.NotNil(t, meta)
	require.EqualValues(t, 0, refOf(meta.load()), "never-allocated slots read as free")
}

func TestIDAllocatorFallsThroughFullRegions(t *testing.T) {
	a := newTestIDAllocator(t, 16) // 256 slots per region
	seen := map[NodeID]bool{}
	for i := 0; i < 300; i++ {
		a.nextRegion = 0 // every call starts its probe at region 1
		id, _, err := a.allocID(typeValue, 0)
		require.NoError(t, err)
		require.False(t, seen[id], "allocID must never hand out the same id twice without a free in between")
		seen[id] = true
	}
	// Region 1 only holds 256 slots, so later allocations spilled onward.
	regions := map[uint16]bool{}
	for id := range seen {
		regions[id.Region()] = true
	}
	require.Greater(t, len(regions), 1)
}

func TestIDAllocatorPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids.dat")

	a, err := openIDAllocator(path, 16)
	require.NoError(t, err)
	a.nextRegion = 4
	id, meta, err := a.allocID(typeSetList, 1234)
	require.NoError(t, err)
	w := meta.load()
	require.NoError(t, a.close())

	b, err := openIDAllocator(path, 16)
	require.NoError(t, err)
	defer b.close()
	require.False(t, b.dirtyOpen, "close marked the map clean")

	got := b.lookup(id)
	require.NotNil(t, got)
	require.Equal(t, w, got.load(), "meta word survives a close/reopen byte-for-byte")
	require.Equal(t, typeSetList, typeOf(got.load()))
	require.Equal(t, uint64(1234), locOf(got.load()))
}

func TestIDAllocatorDetectsGeometryChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids.dat")

	a, err := openIDAllocator(path, 16)
	require.NoError(t, err)
	require.NoError(t, a.close())

	_, err = openIDAllocator(path, 32)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestIDAllocatorDirtyFlagOnCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids.dat")

	a, err := openIDAllocator(path, 16)
	require.NoError(t, err)
	_, _, err = a.allocID(typeValue, 0)
	require.NoError(t, err)
	// Simulate a crash: drop the map without close, keeping the on-disk
	// dirty flag set.
	require.NoError(t, a.sync())
	require.NoError(t, munmap(a.data))

	b, err := openIDAllocator(path, 16)
	require.NoError(t, err)
	defer b.close()
	require.True(t, b.dirtyOpen)
}
