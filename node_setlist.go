package arbtrie

import "sort"

// setListNode indexes a small number of branches as a sorted parallel list
// of branch bytes and child ids, cheaper than a full256Node for the common
// case of a node with only a handful of children. Promotes to full256Node
// once len(Branches) passes Options.SetListThreshold.
type setListNode struct {
	EOFValue NodeID
	Branches []byte
	Children []NodeID
}

func newSetListNode() *setListNode {
	return &setListNode{}
}

func (n *setListNode) nodeType() nodeType { return typeSetList }

func (n *setListNode) clone() *setListNode {
	cp := &setListNode{EOFValue: n.EOFValue}
	cp.Branches = append([]byte(nil), n.Branches...)
	cp.Children = append([]NodeID(nil), n.Children...)
	return cp
}

func (n *setListNode) indexOf(branch byte) (int, bool) {
	i := sort.Search(len(n.Branches), func(i int) bool { return n.Branches[i] >= branch })
	if i < len(n.Branches) && n.Branches[i] == branch {
		return i, true
	}
	return i, false
}

func (n *setListNode) lookup(branch byte) (NodeID, bool) {
	i, ok := n.indexOf(branch)
	if !ok {
		return NilID, false
	}
	return n.Children[i], true
}

// withChild returns a COW clone with branch set to id (id == NilID removes
// the branch).
func (n *setListNode) withChild(branch byte, id NodeID) *setListNode {
	cp := n.clone()
	i, exists := cp.indexOf(branch)
	switch {
	case id == NilID && exists:
		cp.Branches = append(cp.Branches[:i], cp.Branches[i+1:]...)
		cp.Children = append(cp.Children[:i], cp.Children[i+1:]...)
	case id != NilID && exists:
		cp.Children[i] = id
	case id != NilID && !exists:
		cp.Branches = append(cp.Branches, 0)
		copy(cp.Branches[i+1:], cp.Branches[i:])
		cp.Branches[i] = branch
		cp.Children = append(cp.Children, NilID)
		copy(cp.Children[i+1:], cp.Children[i:])
		cp.Children[i] = id
	}
	return cp
}

// withEOF returns a COW clone with the end-of-string value slot set to id.
func (n *setListNode) withEOF(id NodeID) *setListNode {
	cp := n.clone()
	cp.EOFValue = id
	return cp
}

func (n *setListNode) branches() []childRef {
	out := make([]childRef, len(n.Branches))
	for i, b := range n.Branches {
		out[i] = childRef{Branch: b, Child: n.Children[i]}
	}
	return out
}

func (n *setListNode) shouldPromote(threshold int) bool {
	return len(n.Branches) > threshold
}

func (n *setListNode) promoteToFull256() *full256Node {
	f := newFull256Node()
	f.EOFValue = n.EOFValue
	for i, b := range n.Branches {
		f = f.withChild(b, n.Children[i])
	}
	return f
}

func (n *setListNode) encode() []byte {
	out := getScratch(8 + 4 + len(n.Branches) + 8*len(n.Children))
	putU64(out, uint64(n.EOFValue))
	putU32(out[8:], uint32(len(n.Branches)))
	off := 12
	copy(out[off:], n.Branches)
	off += len(n.Branches)
	for _, id := range n.Children {
		putU64(out[off:], uint64(id))
		off += 8
	}
	return out
}

func decodeSetListNode(raw []byte) (*setListNode, error) {
	if len(raw) < 12 {
		return nil, ErrCorruption
	}
	n := &setListNode{EOFValue: NodeID(getU64(raw))}
	count := int(getU32(raw[8:]))
	off := 12
	if off+count+count*8 > len(raw) {
		return nil, ErrCorruption
	}
	n.Branches = make([]byte, count)
	copy(n.Branches, raw[off:off+count])
	off += count
	n.Children = make([]NodeID, count)
	for i := range n.Children {
		n.Children[i] = NodeID(getU64(raw[off:]))
		off += 8
	}
	return n, nil
}
