package arbtrie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestTrie(t *testing.T, e *engine, entries map[string]string) NodeID {
	t.Helper()
	root := NilID
	var err error
	for k, v := range entries {
		root, err = e.mutate(root, []byte(k), []byte(v), modeUpsert)
		require.NoError(t, err)
	}
	return root
}

func collect(it *Iterator) ([]string, []string) {
	var keys, vals []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		vals = append(vals, string(it.Value()))
	}
	return keys, vals
}

func TestIteratorFullScanIsSorted(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	root := buildTestTrie(t, e, map[string]string{
		"banana": "2", "apple": "1", "cherry": "3", "date": "4", "a": "0",
	})

	it := newIterator(e, root, nil, nil)
	keys, vals := collect(it)
	require.NoError(t, it.Err())
	require.Equal(t, []string{"a", "apple", "banana", "cherry", "date"}, keys)
	require.Equal(t, []string{"0", "1", "2", "3", "4"}, vals)
}

func TestIteratorSeekMidRange(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	root := buildTestTrie(t, e, map[string]string{
		"a": "1", "b": "2", "c": "3", "d": "4",
	})

	it := newIterator(e, root, []byte("b"), nil)
	keys, _ := collect(it)
	require.Equal(t, []string{"b", "c", "d"}, keys)
}

func TestIteratorUpperBoundExcludesEnd(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	root := buildTestTrie(t, e, map[string]string{
		"a": "1", "b": "2", "c": "3", "d": "4",
	})

	it := newIterator(e, root, nil, []byte("c"))
	keys, _ := collect(it)
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestIteratorSeekBetweenKeys(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	root := buildTestTrie(t, e, map[string]string{
		"aa": "1", "ac": "3", "ad": "4",
	})

	it := newIterator(e, root, []byte("ab"), nil)
	keys, _ := collect(it)
	require.Equal(t, []string{"ac", "ad"}, keys)
}

func TestIteratorEmptyTrie(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	it := newIterator(e, NilID, nil, nil)
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestIteratorResumeAfterPromotion(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions()) // SetListThreshold: 4
	root := buildTestTrie(t, e, map[string]string{
		"a": "1", "b": "2", "c": "3", "d": "4", "e": "5",
	})

	it := newIterator(e, root, nil, nil)
	keys, _ := collect(it)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
}

func TestIteratorSeekResets(t *testing.T) {
	e := newTestEngine(t, smallSegmentOptions())
	root := buildTestTrie(t, e, map[string]string{
		"a": "1", "b": "2", "c": "3",
	})

	it := newIterator(e, root, nil, nil)
	require.True(t, it.Next())
	require.Equal(t, "a", string(it.Key()))

	it.Seek([]byte("c"))
	require.True(t, it.Next())
	require.Equal(t, "c", string(it.Key()))
	require.False(t, it.Next())
}
