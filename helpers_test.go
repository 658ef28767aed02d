package arbtrie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestEngine builds a bare engine (segment store + id allocator) over a
// fresh temp directory, used by every test that exercises trie.go directly
// without going through the DB/session wrappers.
func newTestEngine(t *testing.T, opts Options) *engine {
	t.Helper()
	opts = opts.withDefaults()
	dir := t.TempDir()
	segs, err := openSegmentStore(dir, opts.SegmentSize, opts.MaxSegments, newNamedLogger(zap.NewNop().Sugar(), "test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = segs.close() })
	ids, err := openIDAllocator(filepath.Join(dir, "ids.dat"), opts.IDPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ids.close() })
	return &engine{ids: ids, segs: segs, opts: opts}
}

// newTestIDAllocator opens an id map over its own temp file.
func newTestIDAllocator(t *testing.T, pageSize int) *idAllocator {
	t.Helper()
	a, err := openIDAllocator(filepath.Join(t.TempDir(), "ids.dat"), pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	return a
}

func smallSegmentOptions() Options {
	return Options{SegmentSize: 1 << 20, SetListThreshold: 4, IDPageSize: 256}
}
