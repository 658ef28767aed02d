package arbtrie

import "sync/atomic"

// durabilityManager flushes segment bytes to disk according to Options.
// SyncMode, tracking each segment's high-water mark separately so a Sync
// call only msyncs the range written since the segment's last flush.
type durabilityManager struct {
	segs *segmentStore
	ids  *idAllocator
	mode SyncMode
	log  namedLogger
}

func newDurabilityManager(segs *segmentStore, ids *idAllocator, mode SyncMode, log namedLogger) *durabilityManager {
	return &durabilityManager{segs: segs, ids: ids, mode: mode, log: log}
}

// syncSegment flushes whatever bytes a segment has accumulated since its
// last sync, advancing its high-water mark on success.
func (d *durabilityManager) syncSegment(s *segment) error {
	used := s.usedBytes()
	last := atomic.LoadInt64(&s.lastSync)
	if used <= last {
		return nil
	}
	if err := msyncRange(s.data, last, used-last); err != nil {
		return err
	}
	// CAS rather than store: a concurrent syncSegment call for the same
	// segment may have already advanced past used.
	for {
		cur := atomic.LoadInt64(&s.lastSync)
		if cur >= used || atomic.CompareAndSwapInt64(&s.lastSync, cur, used) {
			return nil
		}
	}
}

// Sync flushes every segment that has unsynced bytes, then the id map,
// then the segment-store header, in that order: a persisted meta word must
// never point at bytes that did not reach the disk first, and the header's
// cursors must never run ahead of the data they describe. Used directly by
// SyncEveryCommit callers and by Close regardless of mode.
func (d *durabilityManager) Sync() error {
	n := d.segs.numSegments()
	for i := 0; i < n; i++ {
		if err := d.syncSegment(d.segs.segmentAt(i)); err != nil {
			return err
		}
	}
	if d.ids != nil {
		if err := d.ids.sync(); err != nil {
			return err
		}
	}
	return d.segs.writeHeader()
}

// onCommit is called after every WriteSession.CommitRoot; it syncs
// immediately under SyncEveryCommit and is a no-op otherwise (under
// SyncCompact the only automatic sync is the full Sync that
// CompactNextSegment runs before it reclaims a drained segment).
func (d *durabilityManager) onCommit() error {
	if d.mode != SyncEveryCommit {
		return nil
	}
	if err := d.Sync(); err != nil {
		d.log.Warnw("sync on commit failed", "error", err)
		return err
	}
	return nil
}
