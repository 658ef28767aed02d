package arbtrie

import (
	"bytes"
	"hash/fnv"
	"sort"
)

// binaryEntry is one slot in a binaryNode's parallel index: a key hash for
// cheap mismatch pruning plus the offset/length of the key and value
// bytes in the node's tail arena.
type binaryEntry struct {
	KeyHash uint32
	KeyOff  uint32
	KeyLen  uint32
	ValOff  uint32
	ValLen  uint32
}

// binaryNode holds several full (key, value) pairs sorted by key, used at
// a trie position with too few distinct branch bytes to justify a
// set-list/full-256 fanout: a parallel index array plus a tail-growing
// key/value arena, rebuilt compactly in key order on every clone.
type binaryNode struct {
	Entries []binaryEntry // sorted by the key bytes they reference
	Arena   []byte
}

func newBinaryNode() *binaryNode {
	return &binaryNode{}
}

func (n *binaryNode) nodeType() nodeType { return typeBinary }

func (n *binaryNode) keyAt(i int) []byte {
	e := n.Entries[i]
	return n.Arena[e.KeyOff : e.KeyOff+e.KeyLen]
}

func (n *binaryNode) valueAt(i int) []byte {
	e := n.Entries[i]
	return n.Arena[e.ValOff : e.ValOff+e.ValLen]
}

func hashKey(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

func (n *binaryNode) search(key []byte) (idx int, found bool) {
	i := sort.Search(len(n.Entries), func(i int) bool {
		return bytes.Compare(n.keyAt(i), key) >= 0
	})
	if i < len(n.Entries) && bytes.Equal(n.keyAt(i), key) {
		return i, true
	}
	return i, false
}

func (n *binaryNode) lookup(key []byte) ([]byte, bool) {
	i, ok := n.search(key)
	if !ok {
		return nil, false
	}
	return n.valueAt(i), true
}

// withEntry returns a COW clone with (key, value) inserted or overwritten,
// rebuilding the arena in key order so the clone carries no dead space
// from the source.
func (n *binaryNode) withEntry(key, value []byte) *binaryNode {
	idx, found := n.search(key)
	cp := &binaryNode{}

	count := len(n.Entries)
	if !found {
		count++
	}
	cp.Entries = make([]binaryEntry, count)

	var arena bytes.Buffer
	write := func(i int, k, v []byte) {
		e := binaryEntry{
			KeyHash: hashKey(k),
			KeyOff:  uint32(arena.Len()),
			KeyLen:  uint32(len(k)),
		}
		arena.Write(k)
		e.ValOff = uint32(arena.Len())
		e.ValLen = uint32(len(v))
		arena.Write(v)
		cp.Entries[i] = e
	}

	dst := 0
	for src := 0; src < len(n.Entries); src++ {
		if src == idx && found {
			write(dst, key, value)
			dst++
			continue
		}
		if src == idx && !found {
			write(dst, key, value)
			dst++
		}
		write(dst, n.keyAt(src), n.valueAt(src))
		dst++
	}
	if idx == len(n.Entries) {
		write(dst, key, value)
	}

	cp.Arena = arena.Bytes()
	return cp
}

// withRemoved returns a COW clone without key, or n unchanged if key isn't
// present (caller should check via lookup first if it needs to know).
func (n *binaryNode) withRemoved(key []byte) *binaryNode {
	idx, found := n.search(key)
	if !found {
		return n
	}
	cp := &binaryNode{Entries: make([]binaryEntry, 0, len(n.Entries)-1)}
	var arena bytes.Buffer
	for i := 0; i < len(n.Entries); i++ {
		if i == idx {
			continue
		}
		k, v := n.keyAt(i), n.valueAt(i)
		e := binaryEntry{
			KeyHash: hashKey(k),
			KeyOff:  uint32(arena.Len()),
			KeyLen:  uint32(len(k)),
		}
		arena.Write(k)
		e.ValOff = uint32(arena.Len())
		e.ValLen = uint32(len(v))
		arena.Write(v)
		cp.Entries = append(cp.Entries, e)
	}
	cp.Arena = arena.Bytes()
	return cp
}

func (n *binaryNode) count() int { return len(n.Entries) }

func (n *binaryNode) encode() []byte {
	out := getScratch(4 + len(n.Entries)*20 + len(n.Arena))
	putU32(out, uint32(len(n.Entries)))
	off := 4
	for _, e := range n.Entries {
		putU32(out[off:], e.KeyHash)
		putU32(out[off+4:], e.KeyOff)
		putU32(out[off+8:], e.KeyLen)
		putU32(out[off+12:], e.ValOff)
		putU32(out[off+16:], e.ValLen)
		off += 20
	}
	copy(out[off:], n.Arena)
	return out
}

func decodeBinaryNode(raw []byte) (*binaryNode, error) {
	if len(raw) < 4 {
		return nil, ErrCorruption
	}
	count := int(getU32(raw))
	off := 4
	if off+count*20 > len(raw) {
		return nil, ErrCorruption
	}
	n := &binaryNode{Entries: make([]binaryEntry, count)}
	for i := range n.Entries {
		n.Entries[i] = binaryEntry{
			KeyHash: getU32(raw[off:]),
			KeyOff:  getU32(raw[off+4:]),
			KeyLen:  getU32(raw[off+8:]),
			ValOff:  getU32(raw[off+12:]),
			ValLen:  getU32(raw[off+16:]),
		}
		off += 20
	}
	n.Arena = append([]byte(nil), raw[off:]...)
	return n, nil
}
