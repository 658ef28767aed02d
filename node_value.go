package arbtrie

// valueNode stores a leaf payload: either an opaque byte string, or (the
// "roots" variant) an array of child NodeIDs so whole subtrees can be
// stored as values. The trie engine also uses the bytes form to attach a
// value to a key that is a prefix of other keys.
type valueNode struct {
	IsRoots bool
	Bytes   []byte
	Roots   []NodeID
}

func newBytesValueNode(b []byte) *valueNode {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &valueNode{Bytes: cp}
}

func newRootsValueNode(roots []NodeID) *valueNode {
	cp := make([]NodeID, len(roots))
	copy(cp, roots)
	return &valueNode{IsRoots: true, Roots: cp}
}

func (v *valueNode) nodeType() nodeType { return typeValue }

func (v *valueNode) encode() []byte {
	if v.IsRoots {
		out := getScratch(5 + len(v.Roots)*8)
		out[0] = 1
		putU32(out[1:], uint32(len(v.Roots)))
		off := 5
		for _, id := range v.Roots {
			putU64(out[off:], uint64(id))
			off += 8
		}
		return out
	}
	out := getScratch(5 + len(v.Bytes))
	out[0] = 0
	putU32(out[1:], uint32(len(v.Bytes)))
	copy(out[5:], v.Bytes)
	return out
}

func decodeValueNode(raw []byte) (*valueNode, error) {
	if len(raw) < 5 {
		return nil, ErrCorruption
	}
	isRoots := raw[0] == 1
	count := getU32(raw[1:])
	if isRoots {
		roots := make([]NodeID, count)
		off := 5
		for i := range roots {
			if off+8 > len(raw) {
				return nil, ErrCorruption
			}
			roots[i] = NodeID(getU64(raw[off:]))
			off += 8
		}
		return &valueNode{IsRoots: true, Roots: roots}, nil
	}
	if 5+int(count) > len(raw) {
		return nil, ErrCorruption
	}
	bytesCopy := make([]byte, count)
	copy(bytesCopy, raw[5:5+int(count)])
	return &valueNode{Bytes: bytesCopy}, nil
}
