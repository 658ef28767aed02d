package arbtrie

// cacheOnRead opportunistically copies a small node out of a sealed
// segment into the current write segment when a read visits it, so hot
// paths migrate toward young segments and cold ones drain faster. It uses
// the compactor's relocation protocol, so racing the real compactor (or a
// writer) on the same node is already handled: whoever loses the tryMove
// just strands one small copy as garbage.
func (e *engine) cacheOnRead(id NodeID) {
	meta := e.ids.lookup(id)
	if meta == nil {
		return
	}
	w := meta.load()
	if refOf(w) == 0 {
		return
	}
	loc := locOf(w)
	segIdx, _ := unpackLoc(loc)
	if segIdx >= e.segs.numSegments() || !e.segs.segmentAt(segIdx).isSealed() {
		return
	}
	raw, err := e.segs.read(loc)
	if err != nil || len(raw) > e.opts.CacheOnReadMaxSize {
		return
	}
	if !meta.tryStartMove(loc) {
		return
	}

	body := append([]byte(nil), raw...)
	newLoc, err := e.segs.alloc(id, body)
	if err != nil {
		meta.tryMove(loc, loc) // clear the copying flag, leave the node put
		return
	}
	switch meta.tryMove(loc, newLoc) {
	case moveSuccess:
		e.segs.noteFreed(loc, int64(objHeaderSize+len(body)))
	case moveDirty, moveFreed:
		e.segs.noteFreed(newLoc, int64(objHeaderSize+len(body)))
	}
}
