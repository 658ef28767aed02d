package arbtrie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinaryNodeInsertAndLookup(t *testing.T) {
	n := &binaryNode{}
	n = n.withEntry([]byte("b"), []byte("2"))
	n = n.withEntry([]byte("a"), []byte("1"))
	n = n.withEntry([]byte("c"), []byte("3"))

	require.Equal(t, 3, n.count())
	for i := 1; i < n.count(); i++ {
		require.LessOrEqual(t, string(n.keyAt(i-1)), string(n.keyAt(i)), "entries must stay sorted after every insert")
	}

	v, ok := n.lookup([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, ok = n.lookup([]byte("z"))
	require.False(t, ok)
}

func TestBinaryNodeOverwriteExisting(t *testing.T) {
	n := &binaryNode{}
	n = n.withEntry([]byte("a"), []byte("1"))
	n = n.withEntry([]byte("a"), []byte("2"))

	require.Equal(t, 1, n.count())
	v, ok := n.lookup([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestBinaryNodeWithRemoved(t *testing.T) {
	n := &binaryNode{}
	n = n.withEntry([]byte("a"), []byte("1"))
	n = n.withEntry([]byte("b"), []byte("2"))

	removed := n.withRemoved([]byte("a"))
	require.Equal(t, 1, removed.count())
	_, ok := removed.lookup([]byte("a"))
	require.False(t, ok)
	v, ok := removed.lookup([]byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestBinaryNodeWithRemovedMissingKeyIsNoop(t *testing.T) {
	n := &binaryNode{}
	n = n.withEntry([]byte("a"), []byte("1"))
	same := n.withRemoved([]byte("missing"))
	require.Same(t, n, same)
}

func TestBinaryNodeEmptyKeySupported(t *testing.T) {
	n := &binaryNode{}
	n = n.withEntry(nil, []byte("eof-value"))
	n = n.withEntry([]byte("x"), []byte("1"))

	v, ok := n.lookup(nil)
	require.True(t, ok)
	require.Equal(t, []byte("eof-value"), v)
	require.Empty(t, n.keyAt(0), "empty key must sort first")
}

func TestBinaryNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := &binaryNode{}
	n = n.withEntry([]byte("alpha"), []byte("1"))
	n = n.withEntry([]byte("beta"), []byte("22"))
	n = n.withEntry([]byte(""), []byte("eof"))

	decoded, err := decodeBinaryNode(n.encode())
	require.NoError(t, err)
	require.Equal(t, n.count(), decoded.count())
	for i := 0; i < n.count(); i++ {
		require.Equal(t, n.keyAt(i), decoded.keyAt(i))
		require.Equal(t, n.valueAt(i), decoded.valueAt(i))
	}
}

func TestDecodeBinaryNodeCorrupt(t *testing.T) {
	_, err := decodeBinaryNode([]byte{1, 2})
	require.ErrorIs(t, err, ErrCorruption)
}
