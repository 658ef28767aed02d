package arbtrie

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDurability(t *testing.T, e *engine, mode SyncMode) *durabilityManager {
	t.Helper()
	return newDurabilityManager(e.segs, e.ids, mode, newNamedLogger(zap.NewNop().Sugar(), "test"))
}

func TestSyncSegmentAdvancesHighWaterMark(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	d := newTestDurability(t, e, SyncNone)

	root, err := e.mutate(NilID, []byte("k"), []byte("v"), modeUpsert)
	require.NoError(t, err)

	s := e.segs.segmentAt(0)
	require.EqualValues(t, 0, atomic.LoadInt64(&s.lastSync))
	require.Greater(t, s.usedBytes(), int64(0))

	require.NoError(t, d.syncSegment(s))
	require.Equal(t, s.usedBytes(), atomic.LoadInt64(&s.lastSync))

	// A second sync with nothing new written is a no-op.
	mark := atomic.LoadInt64(&s.lastSync)
	require.NoError(t, d.syncSegment(s))
	require.Equal(t, mark, atomic.LoadInt64(&s.lastSync))

	require.NoError(t, e.release(root))
}

func TestSyncHighWaterMarkIsMonotonic(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	d := newTestDurability(t, e, SyncNone)

	root, err := e.mutate(NilID, []byte("a"), []byte("1"), modeUpsert)
	require.NoError(t, err)
	s := e.segs.segmentAt(0)
	require.NoError(t, d.syncSegment(s))
	first := atomic.LoadInt64(&s.lastSync)

	root, err = e.mutate(root, []byte("b"), []byte("2"), modeUpsert)
	require.NoError(t, err)
	require.NoError(t, d.syncSegment(s))
	second := atomic.LoadInt64(&s.lastSync)

	require.Greater(t, second, first)
	require.NoError(t, e.release(root))
}

func TestSyncWritesSegmentStoreHeader(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	d := newTestDurability(t, e, SyncNone)

	_, err := os.Stat(e.segs.headerPath())
	require.True(t, os.IsNotExist(err), "no header before the first sync")

	require.NoError(t, d.Sync())

	_, err = os.Stat(e.segs.headerPath())
	require.NoError(t, err, "Sync must persist the segment table")
}

func TestOnCommitHonorsSyncMode(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())

	root, err := e.mutate(NilID, []byte("k"), []byte("v"), modeUpsert)
	require.NoError(t, err)
	s := e.segs.segmentAt(0)

	none := newTestDurability(t, e, SyncNone)
	require.NoError(t, none.onCommit())
	require.EqualValues(t, 0, atomic.LoadInt64(&s.lastSync), "SyncNone must not flush on commit")

	every := newTestDurability(t, e, SyncEveryCommit)
	require.NoError(t, every.onCommit())
	require.Equal(t, s.usedBytes(), atomic.LoadInt64(&s.lastSync))

	require.NoError(t, e.release(root))
}

func TestSyncCoversAllSegments(t *testing.T) {
	e := newTestEngine(t, tinySegmentOptions())
	d := newTestDurability(t, e, SyncNone)

	root := NilID
	var err error
	for i := 0; i < 120; i++ {
		root, err = e.mutate(root, []byte{byte(i), byte(i >> 4)}, []byte("some value padding out the segment"), modeUpsert)
		require.NoError(t, err)
	}
	require.Greater(t, e.segs.numSegments(), 1)

	require.NoError(t, d.Sync())
	for i := 0; i < e.segs.numSegments(); i++ {
		s := e.segs.segmentAt(i)
		require.Equal(t, s.usedBytes(), atomic.LoadInt64(&s.lastSync), "segment %d", i)
	}
	require.NoError(t, e.release(root))
}
