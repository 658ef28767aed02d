package arbtrie

import (
	"sync"
	"sync/atomic"
	"time"
)

// compactor relocates survivors out of fragmented sealed segments so their
// space can be reclaimed into the free ring: scan linearly by object
// header, tryStartMove/tryMove each still-live id out, and reclaim once
// nothing live remains.
type compactor struct {
	ids  *idAllocator
	segs *segmentStore
	dur  *durabilityManager
	opts Options
	log  namedLogger

	stop chan struct{}
	wg   sync.WaitGroup
	on   int32 // atomic bool
}

func newCompactor(ids *idAllocator, segs *segmentStore, dur *durabilityManager, opts Options, log namedLogger) *compactor {
	return &compactor{ids: ids, segs: segs, dur: dur, opts: opts, log: log}
}

// pickVictim returns the sealed segment with the highest free fraction at
// or above Options.CompactFreeRatio, or nil if none qualifies.
func (c *compactor) pickVictim() *segment {
	var best *segment
	var bestFrac float64
	for _, s := range c.segs.sealedSegments() {
		if s.isEmpty() {
			continue
		}
		f := s.freeFraction()
		if f >= c.opts.CompactFreeRatio && f > bestFrac {
			best, bestFrac = s, f
		}
	}
	return best
}

// CompactNextSegment relocates survivors out of the most fragmented
// eligible sealed segment, reclaiming it into the free ring if it ends up
// empty. Returns false if no segment currently qualifies.
func (c *compactor) CompactNextSegment() (bool, error) {
	victim := c.pickVictim()
	if victim == nil {
		return false, nil
	}
	if err := c.drain(victim); err != nil {
		return true, err
	}
	if victim.isEmpty() {
		// Everything relocated out of the victim, plus the meta words now
		// pointing at the new copies, must be durable before the victim
		// becomes reusable; otherwise a crash could expose a recycled
		// segment whose old contents a synced root still referenced.
		if c.opts.SyncMode != SyncNone {
			if err := c.dur.Sync(); err != nil {
				c.log.Warnw("sync before segment reclaim failed", "segment", victim.idx, "error", err)
				return true, err
			}
		}
		c.segs.reclaim(victim.idx)
		c.log.Debugw("segment reclaimed", "segment", victim.idx)
	}
	return true, nil
}

// drain walks victim linearly by object header, relocating every object
// whose id table entry still points at that exact offset and abandoning
// (leaving in place, to retry on a future pass) any object that a
// concurrent mutation raced with.
func (c *compactor) drain(victim *segment) error {
	used := victim.usedBytes()
	var off int64
	for off+objHeaderSize <= used {
		hdr := readObjHeader(victim.data[off:])
		objLoc := packLoc(victim.idx, off)
		size := int64(hdr.Size)
		next := off + objHeaderSize + size

		if err := c.tryRelocate(hdr.ID, objLoc, victim.data[off+objHeaderSize:next:next]); err != nil {
			return err
		}

		off = next
	}
	return nil
}

// tryRelocate moves one object's body to a fresh location if, and only if,
// the id table still says it lives at loc and nobody else is already
// moving it. body must not be retained past this call (it aliases the old
// segment's mmap).
func (c *compactor) tryRelocate(id NodeID, loc uint64, body []byte) error {
	meta := c.ids.lookup(id)
	if meta == nil {
		return nil // freed and recycled already; nothing to do
	}
	w := meta.load()
	if refOf(w) == 0 || locOf(w) != loc {
		return nil // stale copy of an already-moved or freed object
	}
	if !meta.tryStartMove(loc) {
		return nil // concurrently being moved or mutated; retry next pass
	}

	bodyCopy := append([]byte(nil), body...)
	newLoc, err := c.segs.alloc(id, bodyCopy)
	if err != nil {
		// couldn't find room to relocate; clear the copying flag via a
		// tryMove back to the same location so the flag doesn't stay stuck.
		meta.tryMove(loc, loc)
		return err
	}

	result := meta.tryMove(loc, newLoc)
	switch result {
	case moveSuccess:
		// segs.alloc already counted newLoc's segment as +1 live object;
		// noteFreed accounts for loc's segment losing this object.
		c.segs.noteFreed(loc, int64(objHeaderSize+len(bodyCopy)))
	case moveDirty, moveFreed:
		// the node was mutated or released between tryStartMove and here;
		// the relocated copy becomes garbage in its new segment instead.
		c.segs.noteFreed(newLoc, int64(objHeaderSize+len(bodyCopy)))
	}
	return nil
}

// StartCompactThread launches the background compaction loop unless it is
// already running (Open calls it when Options.RunCompactThread is set); it
// may be called again after StopCompactThread.
func (c *compactor) StartCompactThread() {
	if !atomic.CompareAndSwapInt32(&c.on, 0, 1) {
		return
	}
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if did, err := c.CompactNextSegment(); err != nil {
					c.log.Warnw("compaction pass failed", "error", err)
				} else if did {
					continue
				}
			}
		}
	}()
}

// StopCompactThread stops the background loop started by
// StartCompactThread, blocking until it has exited. A no-op if the loop
// was never started.
func (c *compactor) StopCompactThread() {
	if !atomic.CompareAndSwapInt32(&c.on, 1, 0) {
		return
	}
	close(c.stop)
	c.wg.Wait()
}
