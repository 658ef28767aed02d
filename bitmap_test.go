package arbtrie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetClearIsSet(t *testing.T) {
	var b bitmap256
	require.False(t, b.isSet(5))
	b.setBit(5)
	require.True(t, b.isSet(5))
	b.clearBit(5)
	require.False(t, b.isSet(5))
}

func TestBitmapPopcount(t *testing.T) {
	var b bitmap256
	for _, branch := range []byte{0, 1, 31, 32, 64, 200, 255} {
		b.setBit(branch)
	}
	require.Equal(t, 7, b.popcount())
}

func TestBitmapPosition(t *testing.T) {
	var b bitmap256
	for _, branch := range []byte{5, 40, 100, 250} {
		b.setBit(branch)
	}
	require.Equal(t, 0, b.position(5))
	require.Equal(t, 1, b.position(40))
	require.Equal(t, 2, b.position(100))
	require.Equal(t, 3, b.position(250))
	// an unset branch's position is where it would be inserted.
	require.Equal(t, 1, b.position(6))
}

func TestBitmapLowerBoundFrom(t *testing.T) {
	var b bitmap256
	b.setBit(10)
	b.setBit(20)
	b.setBit(200)

	branch, ok := b.lowerBoundFrom(0)
	require.True(t, ok)
	require.EqualValues(t, 10, branch)

	branch, ok = b.lowerBoundFrom(11)
	require.True(t, ok)
	require.EqualValues(t, 20, branch)

	branch, ok = b.lowerBoundFrom(201)
	require.False(t, ok)
	_ = branch
}

func TestBitmapUpperBoundTo(t *testing.T) {
	var b bitmap256
	b.setBit(10)
	b.setBit(20)
	b.setBit(200)

	branch, ok := b.upperBoundTo(255)
	require.True(t, ok)
	require.EqualValues(t, 200, branch)

	branch, ok = b.upperBoundTo(19)
	require.True(t, ok)
	require.EqualValues(t, 10, branch)

	branch, ok = b.upperBoundTo(9)
	require.False(t, ok)
	_ = branch
}

func TestExtendShrinkIDSlots(t *testing.T) {
	s := []NodeID{1, 2, 4}
	s = extendIDSlots(s, 2)
	require.Equal(t, []NodeID{1, 2, NilID, 4}, s)

	s[2] = 3
	s = shrinkIDSlots(s, 0)
	require.Equal(t, []NodeID{2, 3, 4}, s)
}
