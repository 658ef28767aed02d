package arbtrie

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func sealedFreedBytes(e *engine) int64 {
	var total int64
	for _, s := range e.segs.sealedSegments() {
		total += s.freeBytes()
	}
	return total
}

func TestCacheOnReadRelocatesColdNodes(t *testing.T) {
	opts := tinySegmentOptions()
	opts.CacheOnRead = true
	opts.CacheOnReadMaxSize = 4096
	e := newTestEngine(t, opts)

	// Roll over enough segments that the path to early keys runs through
	// sealed ones.
	root := NilID
	var err error
	const n = 120
	for i := 0; i < n; i++ {
		root, err = e.mutate(root, []byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%d", i)), modeUpsert)
		require.NoError(t, err)
	}
	require.Greater(t, e.segs.numSegments(), 1)

	before := sealedFreedBytes(e)
	v, ok, err := e.get(root, []byte("key-000"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("val-0"), v)

	require.Greater(t, sealedFreedBytes(e), before,
		"reading through sealed segments must strand the relocated copies' old bytes as garbage there")

	// The relocated nodes stay readable, at their new locations.
	for i := 0; i < n; i++ {
		v, ok, err := e.get(root, []byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte(fmt.Sprintf("val-%d", i)), v)
	}
	require.NoError(t, e.release(root))
}

func TestCacheOnReadOffLeavesNodesPut(t *testing.T) {
	e := newTestEngine(t, tinySegmentOptions()) // CacheOnRead off

	root := NilID
	var err error
	for i := 0; i < 120; i++ {
		root, err = e.mutate(root, []byte(fmt.Sprintf("key-%03d", i)), []byte("v"), modeUpsert)
		require.NoError(t, err)
	}
	before := sealedFreedBytes(e)
	_, _, err = e.get(root, []byte("key-000"))
	require.NoError(t, err)
	require.Equal(t, before, sealedFreedBytes(e), "reads must not move nodes unless the option is on")
	require.NoError(t, e.release(root))
}
