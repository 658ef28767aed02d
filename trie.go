package arbtrie

import "sort"

// writeMode selects which of insert/update/upsert/remove semantics a
// mutation call enforces at the point a key is found or not found.
type writeMode int

const (
	modeUpsert writeMode = iota
	modeInsert
	modeUpdate
	modeRemove
)

// engine is the shared id allocator + segment store + options every COW
// trie operation allocates from and publishes into. Root handles and
// WriteSession are thin wrappers over the same engine.
type engine struct {
	ids  *idAllocator
	segs *segmentStore
	opts Options
}

// publish writes body into the current write segment and assigns it a
// fresh identifier with ref=1, using setLocationUnsynced to fix up the
// meta word's location after the id is reserved (the id is not visible to
// any other goroutine until this call returns it).
func (e *engine) publish(t nodeType, body []byte) (NodeID, error) {
	id, meta, err := e.ids.allocID(t, 0)
	if err != nil {
		return NilID, err
	}
	loc, err := e.segs.alloc(id, body)
	putScratch(body) // alloc copied it into the segment
	if err != nil {
		e.ids.freeID(id)
		return NilID, err
	}
	meta.setLocationUnsynced(loc)
	return id, nil
}

func (e *engine) loadRaw(id NodeID) (nodeType, []byte, error) {
	meta := e.ids.lookup(id)
	if meta == nil {
		return 0, nil, ErrInvalidHandle
	}
	w := meta.load()
	if refOf(w) == 0 {
		return 0, nil, ErrInvalidHandle
	}
	raw, err := e.segs.read(locOf(w))
	if err != nil {
		return 0, nil, err
	}
	return typeOf(w), raw, nil
}

func (e *engine) loadNode(id NodeID) (node, error) {
	if id == NilID {
		return nil, ErrInvalidHandle
	}
	t, raw, err := e.loadRaw(id)
	if err != nil {
		return nil, err
	}
	return decodeNode(t, raw)
}

// retain bumps id's reference count; a no-op for NilID.
func (e *engine) retain(id NodeID) error {
	if id == NilID {
		return nil
	}
	meta := e.ids.lookup(id)
	if meta == nil {
		return ErrInvalidHandle
	}
	return meta.retain()
}

// release decrements id's reference count, recursively releasing children
// and recycling the identifier once the count reaches zero. A no-op for
// NilID.
func (e *engine) release(id NodeID) error {
	if id == NilID {
		return nil
	}
	meta := e.ids.lookup(id)
	if meta == nil {
		return ErrInvalidHandle
	}
	freed, err := meta.release()
	if err != nil || !freed {
		return err
	}

	w := meta.load()
	loc := locOf(w)
	raw, err := e.segs.read(loc)
	if err != nil {
		return err
	}
	nd, err := decodeNode(typeOf(w), raw)
	if err != nil {
		return err
	}
	if err := e.releaseChildren(nd); err != nil {
		return err
	}
	e.segs.noteFreed(loc, int64(objHeaderSize+len(raw)))
	e.ids.freeID(id)
	return nil
}

func (e *engine) releaseChildren(nd node) error {
	switch n := nd.(type) {
	case *setListNode:
		if err := e.release(n.EOFValue); err != nil {
			return err
		}
		for _, c := range n.Children {
			if err := e.release(c); err != nil {
				return err
			}
		}
	case *full256Node:
		if err := e.release(n.EOFValue); err != nil {
			return err
		}
		for _, c := range n.Children {
			if err := e.release(c); err != nil {
				return err
			}
		}
	case *valueNode:
		if n.IsRoots {
			for _, r := range n.Roots {
				if err := e.release(r); err != nil {
					return err
				}
			}
		}
	case *binaryNode:
		// values live inline in the arena; nothing to release.
	}
	return nil
}

// retainAllExcept bumps the reference of every child/EOF in branches that is
// not the one slot currently being replaced, balancing the eventual full
// release of the node being cloned away (see trie.go's COW ownership note
// in get/mutate below).
func (e *engine) retainAllExcept(eof NodeID, branches []childRef, skipEOF bool, skipBranch byte, hasSkipBranch bool) error {
	if !skipEOF && eof != NilID {
		if err := e.retain(eof); err != nil {
			return err
		}
	}
	for _, c := range branches {
		if hasSkipBranch && c.Branch == skipBranch {
			continue
		}
		if err := e.retain(c.Child); err != nil {
			return err
		}
	}
	return nil
}

// Ownership convention used throughout mutateXxx: a call consumes one
// reference to the id it is passed. If it returns changed=false, that
// reference is handed back to the caller unconsumed (the caller still owns
// id). If changed=true, the input id has already been fully released by
// the time the call returns, and the returned newID owns exactly one fresh
// reference that the caller now owns.

// mutate is the entry point: given a (possibly NilID) root owned by the
// caller, apply mode's semantics for (key, value) and return the new root.
func (e *engine) mutate(root NodeID, key, value []byte, mode writeMode) (NodeID, error) {
	newRoot, changed, err := e.mutateNode(root, key, value, mode)
	if err != nil {
		return root, err
	}
	if !changed {
		return root, nil
	}
	return newRoot, nil
}

func (e *engine) mutateNode(id NodeID, key, value []byte, mode writeMode) (NodeID, bool, error) {
	if id == NilID {
		switch mode {
		case modeUpdate:
			return id, false, ErrNotFound
		case modeRemove:
			return id, false, nil
		default:
			leaf := &binaryNode{}
			leaf = leaf.withEntry(key, value)
			newID, err := e.publish(typeBinary, leaf.encode())
			if err != nil {
				return id, false, err
			}
			return newID, true, nil
		}
	}

	nd, err := e.loadNode(id)
	if err != nil {
		return id, false, err
	}

	switch n := nd.(type) {
	case *binaryNode:
		return e.mutateBinary(id, n, key, value, mode)
	case *setListNode:
		return e.mutateSetList(id, n, key, value, mode)
	case *full256Node:
		return e.mutateFull256(id, n, key, value, mode)
	default:
		return id, false, wrapErr(CodeCorruption, "unexpected node at trie position", nil)
	}
}

func (e *engine) mutateBinary(id NodeID, n *binaryNode, key, value []byte, mode writeMode) (NodeID, bool, error) {
	_, found := n.search(key)

	switch mode {
	case modeInsert:
		if found {
			return id, false, ErrAlreadyExists
		}
	case modeUpdate:
		if !found {
			return id, false, ErrNotFound
		}
	case modeRemove:
		if !found {
			return id, false, nil
		}
		clone := n.withRemoved(key)
		if clone.count() == 0 {
			if err := e.release(id); err != nil {
				return id, false, err
			}
			return NilID, true, nil
		}
		newID, err := e.publish(typeBinary, clone.encode())
		if err != nil {
			return id, false, err
		}
		if err := e.release(id); err != nil {
			return newID, false, err
		}
		return newID, true, nil
	}

	clone := n.withEntry(key, value)
	if clone.count() > e.opts.SetListThreshold {
		branchNodeID, err := e.rebuildAsBranch(clone)
		if err != nil {
			return id, false, err
		}
		if err := e.release(id); err != nil {
			return branchNodeID, false, err
		}
		return branchNodeID, true, nil
	}

	newID, err := e.publish(typeBinary, clone.encode())
	if err != nil {
		return id, false, err
	}
	if err := e.release(id); err != nil {
		return newID, false, err
	}
	return newID, true, nil
}

// rebuildAsBranch converts an over-full binary cluster into a set-list (or
// straight to full-256, if the byte fanout already warrants it) node,
// grouping entries by their first remaining key byte and recursing a fresh
// binary cluster per group. Every node this allocates is brand new, so no
// retain bookkeeping is needed beyond the fresh publishes themselves.
func (e *engine) rebuildAsBranch(n *binaryNode) (NodeID, error) {
	sl := newSetListNode()

	if n.count() > 0 && len(n.keyAt(0)) == 0 {
		vn := newBytesValueNode(n.valueAt(0))
		eofID, err := e.publish(typeValue, vn.encode())
		if err != nil {
			return NilID, err
		}
		sl.EOFValue = eofID
	}

	groups := map[byte][]int{}
	order := []byte{}
	for i := 0; i < n.count(); i++ {
		k := n.keyAt(i)
		if len(k) == 0 {
			continue // already handled as EOFValue
		}
		b := k[0]
		if _, ok := groups[b]; !ok {
			order = append(order, b)
		}
		groups[b] = append(groups[b], i)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, b := range order {
		sub := &binaryNode{}
		for _, i := range groups[b] {
			k := n.keyAt(i)
			sub = sub.withEntry(k[1:], n.valueAt(i))
		}
		childID, err := e.publish(typeBinary, sub.encode())
		if err != nil {
			return NilID, err
		}
		sl.Branches = append(sl.Branches, b)
		sl.Children = append(sl.Children, childID)
	}

	if sl.shouldPromote(e.opts.SetListThreshold) {
		full := sl.promoteToFull256()
		return e.publish(typeFull256, full.encode())
	}
	return e.publish(typeSetList, sl.encode())
}

// mutateEOFSlot applies mode to the value (if any) stored at a node's
// end-of-string slot, using the same insert/update/remove semantics as a
// binary leaf entry.
func (e *engine) mutateEOFSlot(oldEOF NodeID, value []byte, mode writeMode) (NodeID, bool, error) {
	found := oldEOF != NilID
	switch mode {
	case modeInsert:
		if found {
			return oldEOF, false, ErrAlreadyExists
		}
	case modeUpdate:
		if !found {
			return oldEOF, false, ErrNotFound
		}
	case modeRemove:
		if !found {
			return oldEOF, false, nil
		}
		return NilID, true, nil
	}
	vn := newBytesValueNode(value)
	newID, err := e.publish(typeValue, vn.encode())
	if err != nil {
		return oldEOF, false, err
	}
	return newID, true, nil
}

// tryCollapseIntoChild attempts the "one remaining child, no EOF value"
// structural simplification: if the surviving child is itself a binary
// leaf cluster, its entries are rewritten with branch prepended and it
// replaces the wrapping branch node outright. If the surviving child is
// itself a branch node, the wrapper is left in place (still correct, just
// not maximally compact) and ok is false.
func (e *engine) tryCollapseIntoChild(branch byte, childID NodeID) (merged NodeID, ok bool, err error) {
	nd, err := e.loadNode(childID)
	if err != nil {
		return NilID, false, err
	}
	bn, isBinary := nd.(*binaryNode)
	if !isBinary {
		return NilID, false, nil
	}
	merged2 := &binaryNode{}
	for i := 0; i < bn.count(); i++ {
		k := append([]byte{branch}, bn.keyAt(i)...)
		merged2 = merged2.withEntry(k, bn.valueAt(i))
	}
	newID, err := e.publish(typeBinary, merged2.encode())
	if err != nil {
		return NilID, false, err
	}
	if err := e.release(childID); err != nil {
		return newID, false, err
	}
	return newID, true, nil
}

func (e *engine) mutateSetList(id NodeID, n *setListNode, key, value []byte, mode writeMode) (NodeID, bool, error) {
	if len(key) == 0 {
		newEOF, changed, err := e.mutateEOFSlot(n.EOFValue, value, mode)
		if err != nil || !changed {
			return id, false, err
		}
		if err := e.retainAllExcept(n.EOFValue, n.branches(), true, 0, false); err != nil {
			return id, false, err
		}
		clone := n.withEOF(newEOF)
		return e.finishSetListMutation(id, clone)
	}

	branch, rest := key[0], key[1:]
	child, found := n.lookup(branch)
	if mode == modeUpdate && !found {
		return id, false, ErrNotFound
	}
	if mode == modeRemove && !found {
		return id, false, nil
	}
	childInput := NilID
	if found {
		childInput = child
	}
	// The recursion consumes one reference to childInput; take it here so
	// the old node's own release still balances the hold it carries for
	// this branch.
	if err := e.retain(childInput); err != nil {
		return id, false, err
	}
	newChild, changed, err := e.mutateNode(childInput, rest, value, mode)
	if err != nil || !changed {
		if rerr := e.release(childInput); rerr != nil && err == nil {
			err = rerr
		}
		return id, false, err
	}
	if err := e.retainAllExcept(n.EOFValue, n.branches(), false, branch, true); err != nil {
		return id, false, err
	}
	clone := n.withChild(branch, newChild)
	return e.finishSetListMutation(id, clone)
}

func (e *engine) finishSetListMutation(id NodeID, clone *setListNode) (NodeID, bool, error) {
	if clone.EOFValue == NilID && len(clone.Branches) == 0 {
		if err := e.release(id); err != nil {
			return id, false, err
		}
		return NilID, true, nil
	}
	if clone.EOFValue == NilID && len(clone.Branches) == 1 {
		merged, ok, err := e.tryCollapseIntoChild(clone.Branches[0], clone.Children[0])
		if err != nil {
			return id, false, err
		}
		if ok {
			if err := e.release(id); err != nil {
				return merged, false, err
			}
			return merged, true, nil
		}
	}
	var newID NodeID
	var err error
	if clone.shouldPromote(e.opts.SetListThreshold) {
		newID, err = e.publish(typeFull256, clone.promoteToFull256().encode())
	} else {
		newID, err = e.publish(typeSetList, clone.encode())
	}
	if err != nil {
		return id, false, err
	}
	if err := e.release(id); err != nil {
		return newID, false, err
	}
	return newID, true, nil
}

func (e *engine) mutateFull256(id NodeID, n *full256Node, key, value []byte, mode writeMode) (NodeID, bool, error) {
	if len(key) == 0 {
		newEOF, changed, err := e.mutateEOFSlot(n.EOFValue, value, mode)
		if err != nil || !changed {
			return id, false, err
		}
		if err := e.retainAllExcept(n.EOFValue, n.branches(), true, 0, false); err != nil {
			return id, false, err
		}
		clone := n.withEOF(newEOF)
		return e.finishFull256Mutation(id, clone)
	}

	branch, rest := key[0], key[1:]
	child, found := n.lookup(branch)
	if mode == modeUpdate && !found {
		return id, false, ErrNotFound
	}
	if mode == modeRemove && !found {
		return id, false, nil
	}
	childInput := NilID
	if found {
		childInput = child
	}
	// Same extra reference as in mutateSetList: the recursion consumes it,
	// the old node's release covers its own hold.
	if err := e.retain(childInput); err != nil {
		return id, false, err
	}
	newChild, changed, err := e.mutateNode(childInput, rest, value, mode)
	if err != nil || !changed {
		if rerr := e.release(childInput); rerr != nil && err == nil {
			err = rerr
		}
		return id, false, err
	}
	if err := e.retainAllExcept(n.EOFValue, n.branches(), false, branch, true); err != nil {
		return id, false, err
	}
	clone := n.withChild(branch, newChild)
	return e.finishFull256Mutation(id, clone)
}

func (e *engine) finishFull256Mutation(id NodeID, clone *full256Node) (NodeID, bool, error) {
	if clone.EOFValue == NilID && clone.Bitmap.popcount() == 0 {
		if err := e.release(id); err != nil {
			return id, false, err
		}
		return NilID, true, nil
	}
	if clone.EOFValue == NilID && clone.Bitmap.popcount() == 1 {
		branches := clone.branches()
		merged, ok, err := e.tryCollapseIntoChild(branches[0].Branch, branches[0].Child)
		if err != nil {
			return id, false, err
		}
		if ok {
			if err := e.release(id); err != nil {
				return merged, false, err
			}
			return merged, true, nil
		}
	}
	// full-256 never demotes back to set-list: cheaper to leave it large.
	newID, err := e.publish(typeFull256, clone.encode())
	if err != nil {
		return id, false, err
	}
	if err := e.release(id); err != nil {
		return newID, false, err
	}
	return newID, true, nil
}

// get performs a point lookup from id, returning a copy of the stored
// value bytes. Never changes the trie and never blocks on the writer or
// compactor. With Options.CacheOnRead set it may relocate the nodes it
// visits (see cacheOnRead); otherwise it only loads meta words.
func (e *engine) get(id NodeID, key []byte) ([]byte, bool, error) {
	for {
		if id == NilID {
			return nil, false, nil
		}
		if e.opts.CacheOnRead {
			e.cacheOnRead(id)
		}
		nd, err := e.loadNode(id)
		if err != nil {
			return nil, false, err
		}
		switch n := nd.(type) {
		case *binaryNode:
			v, ok := n.lookup(key)
			if !ok {
				return nil, false, nil
			}
			out := make([]byte, len(v))
			copy(out, v)
			return out, true, nil
		case *setListNode:
			if len(key) == 0 {
				return e.getEOF(n.EOFValue)
			}
			child, ok := n.lookup(key[0])
			if !ok {
				return nil, false, nil
			}
			id, key = child, key[1:]
		case *full256Node:
			if len(key) == 0 {
				return e.getEOF(n.EOFValue)
			}
			child, ok := n.lookup(key[0])
			if !ok {
				return nil, false, nil
			}
			id, key = child, key[1:]
		default:
			return nil, false, wrapErr(CodeCorruption, "unexpected node at trie position", nil)
		}
	}
}

func (e *engine) getEOF(id NodeID) ([]byte, bool, error) {
	if id == NilID {
		return nil, false, nil
	}
	nd, err := e.loadNode(id)
	if err != nil {
		return nil, false, err
	}
	vn, ok := nd.(*valueNode)
	if !ok || vn.IsRoots {
		return nil, false, wrapErr(CodeCorruption, "eof slot is not a plain value node", nil)
	}
	out := make([]byte, len(vn.Bytes))
	copy(out, vn.Bytes)
	return out, true, nil
}

// upsertSubtree attaches an existing root as a "roots"-typed value at key,
// the data model's "value is an id to another subtree" feature. The new
// value node takes its own reference to subtree (this call retains it), so
// the caller's hold is unaffected and still has to be released by the
// caller. The empty key is rejected.
func (e *engine) upsertSubtree(root NodeID, key []byte, subtree NodeID) (NodeID, error) {
	if len(key) == 0 {
		return root, wrapErr(CodeInvalidHandle, "empty key not supported for subtree attachment", nil)
	}
	vn := newRootsValueNode([]NodeID{subtree})
	if err := e.retain(subtree); err != nil {
		return root, err
	}
	valueID, err := e.publish(typeValue, vn.encode())
	if err != nil {
		_ = e.release(subtree)
		return root, err
	}
	return e.mutateWithPrebuiltLeaf(root, key, valueID)
}

// mutateWithPrebuiltLeaf is like mutate but adopts a pre-published value
// node id directly instead of constructing one from raw bytes, used by
// upsertSubtree since a roots-value node has no flat byte encoding callers
// should reconstruct from.
func (e *engine) mutateWithPrebuiltLeaf(root NodeID, key []byte, valueID NodeID) (NodeID, error) {
	newRoot, changed, err := e.mutateNodeAdoptLeaf(root, key, valueID)
	if err != nil {
		return root, err
	}
	if !changed {
		return root, nil
	}
	return newRoot, nil
}

func (e *engine) mutateNodeAdoptLeaf(id NodeID, key []byte, valueID NodeID) (NodeID, bool, error) {
	if id == NilID {
		sl := newSetListNode()
		if len(key) == 0 {
			sl.EOFValue = valueID
			newID, err := e.publish(typeSetList, sl.encode())
			return newID, err == nil, err
		}
		childID, _, err := e.mutateNodeAdoptLeaf(NilID, key[1:], valueID)
		if err != nil {
			return id, false, err
		}
		sl.Branches = []byte{key[0]}
		sl.Children = []NodeID{childID}
		newID, err := e.publish(typeSetList, sl.encode())
		return newID, err == nil, err
	}

	nd, err := e.loadNode(id)
	if err != nil {
		return id, false, err
	}
	switch n := nd.(type) {
	case *setListNode:
		if len(key) == 0 {
			if err := e.retainAllExcept(n.EOFValue, n.branches(), true, 0, false); err != nil {
				return id, false, err
			}
			clone := n.withEOF(valueID)
			return e.finishSetListMutation(id, clone)
		}
		branch, rest := key[0], key[1:]
		child, found := n.lookup(branch)
		childInput := NilID
		if found {
			childInput = child
		}
		// As in mutateSetList, the recursion consumes one reference.
		if err := e.retain(childInput); err != nil {
			return id, false, err
		}
		newChild, _, err := e.mutateNodeAdoptLeaf(childInput, rest, valueID)
		if err != nil {
			if rerr := e.release(childInput); rerr != nil {
				return id, false, rerr
			}
			return id, false, err
		}
		if err := e.retainAllExcept(n.EOFValue, n.branches(), false, branch, true); err != nil {
			return id, false, err
		}
		clone := n.withChild(branch, newChild)
		return e.finishSetListMutation(id, clone)
	case *full256Node:
		if len(key) == 0 {
			if err := e.retainAllExcept(n.EOFValue, n.branches(), true, 0, false); err != nil {
				return id, false, err
			}
			clone := n.withEOF(valueID)
			return e.finishFull256Mutation(id, clone)
		}
		branch, rest := key[0], key[1:]
		child, found := n.lookup(branch)
		childInput := NilID
		if found {
			childInput = child
		}
		// As in mutateFull256, the recursion consumes one reference.
		if err := e.retain(childInput); err != nil {
			return id, false, err
		}
		newChild, _, err := e.mutateNodeAdoptLeaf(childInput, rest, valueID)
		if err != nil {
			if rerr := e.release(childInput); rerr != nil {
				return id, false, rerr
			}
			return id, false, err
		}
		if err := e.retainAllExcept(n.EOFValue, n.branches(), false, branch, true); err != nil {
			return id, false, err
		}
		clone := n.withChild(branch, newChild)
		return e.finishFull256Mutation(id, clone)
	case *binaryNode:
		// A binary leaf cluster sits where the subtree attachment wants to
		// descend further; split it into a set-list wrapping its entries
		// and retry, the same refactor regular values take when an inner
		// node must absorb one.
		wrapper := newSetListNode()
		wrapper.Branches = []byte{}
		for i := 0; i < n.count(); i++ {
			k := n.keyAt(i)
			if len(k) == 0 {
				vn := newBytesValueNode(n.valueAt(i))
				eofID, err := e.publish(typeValue, vn.encode())
				if err != nil {
					return id, false, err
				}
				wrapper.EOFValue = eofID
				continue
			}
			sub := &binaryNode{}
			sub = sub.withEntry(k[1:], n.valueAt(i))
			childID, err := e.publish(typeBinary, sub.encode())
			if err != nil {
				return id, false, err
			}
			wrapper.Branches = append(wrapper.Branches, k[0])
			wrapper.Children = append(wrapper.Children, childID)
		}
		wrapperID, err := e.publish(typeSetList, wrapper.encode())
		if err != nil {
			return id, false, err
		}
		if err := e.release(id); err != nil {
			return wrapperID, false, err
		}
		return e.mutateNodeAdoptLeaf(wrapperID, key, valueID)
	default:
		return id, false, wrapErr(CodeCorruption, "unexpected node at trie position", nil)
	}
}

// getSubtree reads back a roots-typed value attached via upsertSubtree,
// retaining its reference on the caller's behalf (the caller owns the
// returned id and must release it).
func (e *engine) getSubtree(root NodeID, key []byte) (NodeID, bool, error) {
	valueID, found, err := e.getEOFLenient(root, key)
	if err != nil || !found {
		return NilID, found, err
	}
	nd, err := e.loadNode(valueID)
	if err != nil {
		return NilID, false, err
	}
	vn, ok := nd.(*valueNode)
	if !ok || !vn.IsRoots || len(vn.Roots) != 1 {
		return NilID, false, wrapErr(CodeCorruption, "value at key is not a subtree attachment", nil)
	}
	sub := vn.Roots[0]
	if err := e.retain(sub); err != nil {
		return NilID, false, err
	}
	return sub, true, nil
}

// getEOFLenient walks to the value-node id stored at key without decoding
// it, used by getSubtree which needs the raw node id rather than its bytes.
func (e *engine) getEOFLenient(id NodeID, key []byte) (NodeID, bool, error) {
	for {
		if id == NilID {
			return NilID, false, nil
		}
		nd, err := e.loadNode(id)
		if err != nil {
			return NilID, false, err
		}
		switch n := nd.(type) {
		case *setListNode:
			if len(key) == 0 {
				if n.EOFValue == NilID {
					return NilID, false, nil
				}
				return n.EOFValue, true, nil
			}
			child, ok := n.lookup(key[0])
			if !ok {
				return NilID, false, nil
			}
			id, key = child, key[1:]
		case *full256Node:
			if len(key) == 0 {
				if n.EOFValue == NilID {
					return NilID, false, nil
				}
				return n.EOFValue, true, nil
			}
			child, ok := n.lookup(key[0])
			if !ok {
				return NilID, false, nil
			}
			id, key = child, key[1:]
		default:
			return NilID, false, wrapErr(CodeCorruption, "subtree attachments only live at branch-node EOF slots", nil)
		}
	}
}
