package arbtrie

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ids.dat is the on-disk id map: a small header, a per-region header table,
// and the contiguous array of 8-byte meta words the engine does all of its
// atomic coordination through. The file is mmap'd read-write, so retain/
// release/relocate traffic lands directly in the page cache and reaches the
// disk on sync; reopening a store recovers every id's type and location
// from here.
const (
	idMapMagic   = 0x64497261 // "arId"
	idMapVersion = 1

	// idRegionCount is how many of the 16-bit region namespace the
	// allocator actually round-robins over; contention avoidance needs
	// more regions than writer threads, not the whole namespace.
	idRegionCount = 64

	// idRegionPages is how many IDPageSize-slot pages of meta words the
	// file reserves per region. Reservation is sparse (the file is
	// truncated, not written), so untouched pages cost address space only.
	idRegionPages = 16

	idHeaderSize    = 32
	idRegionHdrSize = 16

	idCleanOff       = 16
	idFreeCounterOff = 24
)

func idMetaBase() int64 {
	raw := int64(idHeaderSize + idRegionCount*idRegionHdrSize)
	return (raw + 4095) &^ 4095
}

// region caches one region's header fields; the file copy is written
// through under the region mutex on every change. firstFree is a 1-based
// slot index (0 = empty list); the rest of the free list is threaded
// through the freed slots' own location fields.
type region struct {
	mu        sync.Mutex
	useCount  uint32
	nextAlloc uint32
	firstFree uint64
}

// idAllocator assigns and recycles NodeIDs across idRegionCount regions,
// selecting the next region round-robin so concurrent allocators rarely
// contend on one region mutex. The meta words live in the ids.dat mmap,
// so they are shared with any future reopen of the store.
type idAllocator struct {
	data        []byte
	metas       []metaWord
	regionSlots uint32
	regions     [idRegionCount]region
	nextRegion  uint32
	dirtyOpen   bool // previous process did not close cleanly
}

// openIDAllocator creates or reopens the id map at path. pageSize is the
// slot granularity the file reserves per region; reopening with a
// different pageSize is reported as corruption rather than silently
// remapping ids.
func openIDAllocator(path string, pageSize int) (*idAllocator, error) {
	if pageSize <= 0 {
		pageSize = DefaultIDPageSize
	}
	slots := uint32(pageSize * idRegionPages)
	if slots > maxIndex {
		slots = maxIndex
	}
	metaBase := idMetaBase()
	size := metaBase + int64(idRegionCount)*int64(slots)*8

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(CodeOutOfSpace, "opening id map", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr(CodeOutOfSpace, "stat of id map", err)
	}
	fresh := fi.Size() == 0

	data, err := mmapFile(f, size)
	f.Close()
	if err != nil {
		return nil, wrapErr(CodeOutOfSpace, "mapping id map", err)
	}

	a := &idAllocator{
		data:        data,
		regionSlots: slots,
		metas:       unsafe.Slice((*metaWord)(unsafe.Pointer(&data[metaBase])), idRegionCount*int(slots)),
	}

	if fresh {
		putU32(data[0:], idMapMagic)
		putU32(data[4:], idMapVersion)
		putU32(data[8:], idRegionCount)
		putU32(data[12:], slots)
		// slot (0,0) packs to NodeID(0), which NilID already claims;
		// reserve it so no live node ever collides with "no node".
		a.regions[0].nextAlloc = 1
		a.writeRegionHeader(0)
	} else {
		if getU32(data[0:]) != idMapMagic || getU32(data[4:]) != idMapVersion {
			munmap(data)
			return nil, wrapErr(CodeCorruption, "id map has wrong magic or version", nil)
		}
		if getU32(data[8:]) != idRegionCount || getU32(data[12:]) != slots {
			munmap(data)
			return nil, wrapErr(CodeCorruption, "id map was created with different region geometry", nil)
		}
		a.dirtyOpen = getU32(data[idCleanOff:]) == 0
		for i := range a.regions {
			a.loadRegionHeader(i)
		}
	}

	// Mark the map dirty for the duration of this process; close rewrites
	// the flag once everything is synced.
	putU32(data[idCleanOff:], 0)
	if err := msyncRange(data, 0, idHeaderSize); err != nil {
		munmap(data)
		return nil, wrapErr(CodeOutOfSpace, "syncing id map header", err)
	}
	return a, nil
}

func (a *idAllocator) regionHdr(i int) []byte {
	return a.data[idHeaderSize+i*idRegionHdrSize:]
}

func (a *idAllocator) writeRegionHeader(i int) {
	r := &a.regions[i]
	h := a.regionHdr(i)
	putU32(h, r.useCount)
	putU32(h[4:], r.nextAlloc)
	putU64(h[8:], r.firstFree)
}

func (a *idAllocator) loadRegionHeader(i int) {
	h := a.regionHdr(i)
	r := &a.regions[i]
	r.useCount = getU32(h)
	r.nextAlloc = getU32(h[4:])
	r.firstFree = getU64(h[8:])
}

func (a *idAllocator) metaAt(ri uint16, idx uint32) *metaWord {
	return &a.metas[uint32(ri)*a.regionSlots+idx]
}

// allocID returns a fresh NodeID with its meta word initialized to a single
// reference pointing at loc. It round-robins a starting region and falls
// through to the next one when a region has neither free-list entries nor
// bump-cursor room left.
func (a *idAllocator) allocID(t nodeType, loc uint64) (NodeID, *metaWord, error) {
	start := atomic.AddUint32(&a.nextRegion, 1)
	for k := uint32(0); k < idRegionCount; k++ {
		ri := uint16((start + k) % idRegionCount)
		if id, meta, ok := a.allocInRegion(ri, t, loc); ok {
			return id, meta, nil
		}
	}
	return NilID, nil, ErrIDExhausted
}

func (a *idAllocator) allocInRegion(ri uint16, t nodeType, loc uint64) (NodeID, *metaWord, bool) {
	r := &a.regions[ri]
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.firstFree != 0 {
		idx := uint32(r.firstFree - 1)
		meta := a.metaAt(ri, idx)
		r.firstFree = locOf(meta.load())
		r.useCount++
		a.writeRegionHeader(int(ri))
		meta.init(t, loc)
		return newNodeID(ri, idx), meta, true
	}

	if r.nextAlloc >= a.regionSlots {
		return NilID, nil, false
	}
	idx := r.nextAlloc
	r.nextAlloc++
	r.useCount++
	a.writeRegionHeader(int(ri))
	meta := a.metaAt(ri, idx)
	meta.init(t, loc)
	return newNodeID(ri, idx), meta, true
}

// lookup returns the metaWord backing id, or nil if id is outside the
// allocator's region geometry. A slot that was never allocated reads as
// ref 0, which every caller already treats as an invalid handle.
func (a *idAllocator) lookup(id NodeID) *metaWord {
	ri := id.Region()
	if uint32(ri) >= idRegionCount || id.Index() >= a.regionSlots {
		return nil
	}
	return a.metaAt(ri, id.Index())
}

// freeID threads id's slot onto its region's free list and bumps the
// global free counter, the crash-audit figure the header carries.
func (a *idAllocator) freeID(id NodeID) {
	ri := id.Region()
	if uint32(ri) >= idRegionCount || id.Index() >= a.regionSlots {
		return
	}
	r := &a.regions[ri]
	r.mu.Lock()
	meta := a.metaAt(ri, id.Index())
	atomic.StoreUint64(&meta.v, packMeta(0, typeFree, false, false, r.firstFree))
	r.firstFree = uint64(id.Index()) + 1
	r.useCount--
	a.writeRegionHeader(int(ri))
	r.mu.Unlock()

	atomic.AddUint64((*uint64)(unsafe.Pointer(&a.data[idFreeCounterOff])), 1)
}

// freeCount returns the lifetime count of freeID calls recorded in the
// header, for crash audits and tests.
func (a *idAllocator) freeCount() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&a.data[idFreeCounterOff])))
}

// sync flushes the whole id map to disk. Called by the durability manager
// after segment bytes are synced, so a persisted root pointer never refers
// to meta words newer than their nodes.
func (a *idAllocator) sync() error {
	return msyncRange(a.data, 0, int64(len(a.data)))
}

// close marks the map cleanly shut down, flushes it, and unmaps it.
func (a *idAllocator) close() error {
	putU32(a.data[idCleanOff:], 1)
	syncErr := msyncRange(a.data, 0, int64(len(a.data)))
	if err := munmap(a.data); err != nil {
		return err
	}
	return syncErr
}
