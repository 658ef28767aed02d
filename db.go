package arbtrie

import (
	"os"
	"path/filepath"
)

// rootFileName holds the single NodeID of the most recently committed
// root, written synchronously on every CommitRoot under SyncEveryCommit
// and otherwise on Close.
const rootFileName = "root.id"

// DB is a persistent, concurrent, copy-on-write trie store: one writer at
// a time via Writer, unlimited concurrent readers via Reader, snapshot
// isolation throughout.
type DB struct {
	dir  string
	opts Options

	ids  *idAllocator
	segs *segmentStore
	e    *engine

	sessions *sessionState
	dur      *durabilityManager
	comp     *compactor

	log namedLogger
}

// Create initializes a new store at dir, which must not already contain
// one. dir is created if it does not exist.
func Create(dir string, opts Options) (*DB, error) {
	for _, name := range []string{rootFileName, "ids.dat"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return nil, wrapErr(CodeAlreadyExists, "a database already exists at this path", nil)
		}
	}
	return open(dir, opts, true)
}

// Open opens an existing store at dir, or creates one if dir is empty.
func Open(dir string, opts Options) (*DB, error) {
	return open(dir, opts, false)
}

func open(dir string, opts Options, fresh bool) (*DB, error) {
	opts = opts.withDefaults()
	log := newNamedLogger(opts.Logger, "arbtrie")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr(CodeOutOfSpace, "creating database directory", err)
	}

	segs, err := openSegmentStore(filepath.Join(dir, "segments"), opts.SegmentSize, opts.MaxSegments, newNamedLogger(opts.Logger, "segments"))
	if err != nil {
		return nil, err
	}

	ids, err := openIDAllocator(filepath.Join(dir, "ids.dat"), opts.IDPageSize)
	if err != nil {
		segs.close()
		return nil, err
	}
	if ids.dirtyOpen {
		log.Warnw("previous shutdown was not clean, rebuilding from last synced root",
			"lifetime_frees", ids.freeCount())
	}
	e := &engine{ids: ids, segs: segs, opts: opts}

	var root NodeID
	if !fresh {
		root, err = loadRootID(dir)
		if err != nil {
			ids.close()
			segs.close()
			return nil, err
		}
		// Reference counts persisted by the previous process include
		// handles that died with it; rebuild them from the root walk.
		if err := recoverState(e, root); err != nil {
			ids.close()
			segs.close()
			return nil, err
		}
	}

	sessions := newSessionState(e)
	sessions.currentRoot = root
	sessions.persist = func(id NodeID) error { return saveRootID(dir, id) }

	dur := newDurabilityManager(segs, ids, opts.SyncMode, newNamedLogger(opts.Logger, "durability"))
	sessions.dur = dur
	comp := newCompactor(ids, segs, dur, opts, newNamedLogger(opts.Logger, "compactor"))

	db := &DB{
		dir:      dir,
		opts:     opts,
		ids:      ids,
		segs:     segs,
		e:        e,
		sessions: sessions,
		dur:      dur,
		comp:     comp,
		log:      log,
	}

	if opts.RunCompactThread {
		comp.StartCompactThread()
	}

	return db, nil
}

func loadRootID(dir string) (NodeID, error) {
	raw, err := os.ReadFile(filepath.Join(dir, rootFileName))
	if os.IsNotExist(err) {
		return NilID, nil
	}
	if err != nil {
		return NilID, wrapErr(CodeCorruption, "reading root pointer", err)
	}
	if len(raw) != 8 {
		return NilID, wrapErr(CodeCorruption, "root pointer file has wrong size", nil)
	}
	return NodeID(getU64(raw)), nil
}

func saveRootID(dir string, id NodeID) error {
	buf := make([]byte, 8)
	putU64(buf, uint64(id))
	tmp := filepath.Join(dir, rootFileName+".tmp")
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, rootFileName))
}

// Writer opens the database's single write session. Only one may be open
// at a time; a second concurrent call fails with ErrInvalidHandle.
func (db *DB) Writer() (*WriteSession, error) {
	return db.sessions.Writer()
}

// Reader returns a Root pinned to the database's current committed
// version.
func (db *DB) Reader() (Root, error) {
	return db.sessions.Reader()
}

// CompactNextSegment runs one compaction pass synchronously, for callers
// that manage compaction themselves instead of RunCompactThread.
func (db *DB) CompactNextSegment() (bool, error) {
	return db.comp.CompactNextSegment()
}

// StartCompactThread starts the background compaction loop if it is not
// already running.
func (db *DB) StartCompactThread() { db.comp.StartCompactThread() }

// StopCompactThread stops the background compaction loop, blocking until
// it has exited.
func (db *DB) StopCompactThread() { db.comp.StopCompactThread() }

// Sync flushes all segments to disk regardless of Options.SyncMode.
func (db *DB) Sync() error {
	return db.dur.Sync()
}

// Close stops the compactor, flushes all segments and the id map, persists
// the current root pointer, and unmaps everything. The DB must not be used
// afterward.
func (db *DB) Close() error {
	db.comp.StopCompactThread()

	db.sessions.mu.Lock()
	root := db.sessions.currentRoot
	db.sessions.mu.Unlock()

	// Data first, pointer second: a crash between the two leaves the
	// previous pointer naming fully durable state.
	if err := db.dur.Sync(); err != nil {
		db.log.Warnw("final sync failed", "error", err)
	}
	if err := saveRootID(db.dir, root); err != nil {
		db.log.Warnw("persisting root pointer failed", "error", err)
	}
	if err := db.ids.close(); err != nil {
		db.log.Warnw("closing id map failed", "error", err)
	}
	return db.segs.close()
}
