package arbtrie

import "sync/atomic"

// Reopening a store trusts the id map's types and locations (they were
// synced before the root pointer moved) but not its reference counts or
// segment accounting: handles that died with the previous process (reader
// roots, an uncommitted write session) leave overcounted refs and
// orphaned nodes behind. recoverState walks the trie reachable from root,
// recomputes every live id's exact reference count, frees every slot the
// walk cannot reach, and rebuilds each segment's live-object and
// freed-byte counters from the same tally.
func recoverState(e *engine, root NodeID) error {
	refs := make(map[NodeID]uint16)
	live := make(map[int]segLive)
	if root != NilID {
		if err := countReachable(e, root, refs, live); err != nil {
			return err
		}
	}
	e.ids.rebuild(refs)
	e.segs.rebuildAccounting(live)
	return nil
}

// countReachable tallies one reference per (parent, child) edge plus one
// for the root pointer itself, descending into each node's body only on
// first visit. Subtree-valued slots (roots-typed value nodes) are edges
// like any other.
func countReachable(e *engine, id NodeID, refs map[NodeID]uint16, live map[int]segLive) error {
	refs[id]++
	if refs[id] > 1 {
		return nil
	}

	meta := e.ids.lookup(id)
	if meta == nil {
		return wrapErr(CodeCorruption, "reachable id outside the id map's geometry", nil)
	}
	w := meta.load()
	if refOf(w) == 0 {
		return wrapErr(CodeCorruption, "reachable id's slot is marked free", nil)
	}
	raw, err := e.segs.read(locOf(w))
	if err != nil {
		return err
	}
	segIdx, _ := unpackLoc(locOf(w))
	l := live[segIdx]
	l.objs++
	l.bytes += int64(objHeaderSize + len(raw))
	live[segIdx] = l

	nd, err := decodeNode(typeOf(w), raw)
	if err != nil {
		return err
	}
	for _, child := range nodeChildIDs(nd) {
		if child == NilID {
			continue
		}
		if err := countReachable(e, child, refs, live); err != nil {
			return err
		}
	}
	return nil
}

func nodeChildIDs(nd node) []NodeID {
	switch n := nd.(type) {
	case *setListNode:
		return append([]NodeID{n.EOFValue}, n.Children...)
	case *full256Node:
		return append([]NodeID{n.EOFValue}, n.Children...)
	case *valueNode:
		if n.IsRoots {
			return n.Roots
		}
	}
	return nil
}

// rebuild rewrites every allocated slot's reference count to the walked
// figure, rethreading each region's free list through the slots the walk
// did not reach. Type and location fields of live slots are preserved.
func (a *idAllocator) rebuild(refs map[NodeID]uint16) {
	for ri := 0; ri < idRegionCount; ri++ {
		r := &a.regions[ri]
		r.mu.Lock()
		var firstFree uint64
		var use uint32
		lo := uint32(0)
		if ri == 0 {
			lo = 1 // slot (0,0) stays reserved for NilID
		}
		// Walk downward so the free list pops lowest indices first.
		for idx := int64(r.nextAlloc) - 1; idx >= int64(lo); idx-- {
			meta := a.metaAt(uint16(ri), uint32(idx))
			id := newNodeID(uint16(ri), uint32(idx))
			if n, ok := refs[id]; ok {
				w := meta.load()
				atomic.StoreUint64(&meta.v, packMeta(n, typeOf(w), false, false, locOf(w)))
				use++
			} else {
				atomic.StoreUint64(&meta.v, packMeta(0, typeFree, false, false, firstFree))
				firstFree = uint64(idx) + 1
			}
		}
		r.firstFree = firstFree
		r.useCount = use
		a.writeRegionHeader(ri)
		r.mu.Unlock()
	}
}
