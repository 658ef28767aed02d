package arbtrie

// full256Node indexes all 256 possible branch bytes via a presence bitmap
// plus a popcount-packed child array, the variant used once a node's
// branch count passes Options.SetListThreshold.
type full256Node struct {
	EOFValue NodeID // value attached to the key ending at this node, or NilID
	Bitmap   bitmap256
	Children []NodeID
}

func newFull256Node() *full256Node {
	return &full256Node{}
}

func (n *full256Node) nodeType() nodeType { return typeFull256 }

func (n *full256Node) clone() *full256Node {
	cp := &full256Node{EOFValue: n.EOFValue, Bitmap: n.Bitmap}
	cp.Children = make([]NodeID, len(n.Children))
	copy(cp.Children, n.Children)
	return cp
}

func (n *full256Node) lookup(branch byte) (NodeID, bool) {
	if !n.Bitmap.isSet(branch) {
		return NilID, false
	}
	return n.Children[n.Bitmap.position(branch)], true
}

// withChild returns a COW clone with branch set to id (id == NilID removes
// the branch entirely).
func (n *full256Node) withChild(branch byte, id NodeID) *full256Node {
	cp := n.clone()
	pos := cp.Bitmap.position(branch)
	switch {
	case id == NilID && cp.Bitmap.isSet(branch):
		cp.Children = shrinkIDSlots(cp.Children, pos)
		cp.Bitmap.clearBit(branch)
	case id != NilID && cp.Bitmap.isSet(branch):
		cp.Children[pos] = id
	case id != NilID && !cp.Bitmap.isSet(branch):
		cp.Children = extendIDSlots(cp.Children, pos)
		cp.Children[pos] = id
		cp.Bitmap.setBit(branch)
	}
	return cp
}

// withEOF returns a COW clone with the end-of-string value slot set to id.
func (n *full256Node) withEOF(id NodeID) *full256Node {
	cp := n.clone()
	cp.EOFValue = id
	return cp
}

func (n *full256Node) branches() []childRef {
	out := make([]childRef, 0, len(n.Children))
	for b := 0; b < 256; b++ {
		if n.Bitmap.isSet(byte(b)) {
			out = append(out, childRef{Branch: byte(b), Child: n.Children[n.Bitmap.position(byte(b))]})
		}
	}
	return out
}

func (n *full256Node) encode() []byte {
	out := getScratch(8 + 32 + 8*len(n.Children))
	putU64(out, uint64(n.EOFValue))
	for i, lane := range n.Bitmap {
		putU32(out[8+i*4:], lane)
	}
	off := 40
	for _, id := range n.Children {
		putU64(out[off:], uint64(id))
		off += 8
	}
	return out
}

func decodeFull256Node(raw []byte) (*full256Node, error) {
	if len(raw) < 40 {
		return nil, ErrCorruption
	}
	n := &full256Node{EOFValue: NodeID(getU64(raw))}
	for i := 0; i < 8; i++ {
		n.Bitmap[i] = getU32(raw[8+i*4:])
	}
	count := n.Bitmap.popcount()
	off := 40
	if off+count*8 > len(raw) {
		return nil, ErrCorruption
	}
	n.Children = make([]NodeID, count)
	for i := range n.Children {
		n.Children[i] = NodeID(getU64(raw[off:]))
		off += 8
	}
	return n, nil
}
