package arbtrie

import (
	"sync"
	"sync/atomic"
)

// Root is an opaque handle to one version of the trie: a NodeID the holder
// has retained a reference to. Root values are safe to share across
// goroutines for reads; obtaining a fresh Root from a WriteSession commit
// is the only way to see later writes.
type Root struct {
	e  *engine
	id NodeID
}

// Get looks up key against this root's snapshot, unaffected by any writes
// that commit after the Root was obtained.
func (r Root) Get(key []byte) ([]byte, bool, error) {
	return r.e.get(r.id, key)
}

// Iterator returns a range iterator over [lower, upper) bound to this
// root's snapshot. A nil upper means unbounded.
func (r Root) Iterator(lower, upper []byte) *Iterator {
	return newIterator(r.e, r.id, lower, upper)
}

// GetSubtree reads back a root previously attached at key via a
// WriteSession's UpsertSubtree, retaining a fresh reference the caller
// owns and must Release.
func (r Root) GetSubtree(key []byte) (Root, bool, error) {
	id, found, err := r.e.getSubtree(r.id, key)
	if err != nil || !found {
		return Root{}, found, err
	}
	return Root{e: r.e, id: id}, true, nil
}

// Retain bumps this root's reference count, returning a second independent
// handle to the same snapshot that must itself be Released.
func (r Root) Retain() (Root, error) {
	if err := r.e.retain(r.id); err != nil {
		return Root{}, err
	}
	return r, nil
}

// Release drops this handle's hold on its snapshot. Every Root obtained
// from Reader, WriteSession.Root, WriteSession.CommitRoot, Retain, or
// GetSubtree must be released exactly once.
func (r Root) Release() error {
	return r.e.release(r.id)
}

// sessionState tracks the engine-wide single-writer invariant and the most
// recently committed root.
type sessionState struct {
	e       *engine
	dur     *durabilityManager // nil until wired by the owning DB; CommitRoot tolerates nil
	persist func(NodeID) error // persists the committed root pointer; nil for bare-engine tests

	mu          sync.Mutex
	currentRoot NodeID // root all new ReadSessions/Writer snapshots start from

	writerOut int32 // atomic bool: a WriteSession handle is currently outstanding
}

func newSessionState(e *engine) *sessionState {
	return &sessionState{e: e}
}

// Reader returns a Root pinned to the database's current committed
// version; concurrent writes do not affect reads already in flight
// against it (segment reuse waits for every referencing root to release).
func (s *sessionState) Reader() (Root, error) {
	s.mu.Lock()
	root := s.currentRoot
	s.mu.Unlock()
	if err := s.e.retain(root); err != nil {
		return Root{}, err
	}
	return Root{e: s.e, id: root}, nil
}

// WriteSession is the single mutable handle through which Insert/Update/
// Remove/Upsert calls apply. Only one may be outstanding at a time;
// Writer returns ErrInvalidHandle on a second call until the first is
// closed via CommitRoot or Abort.
type WriteSession struct {
	s    *sessionState
	root NodeID // working root; owns exactly one reference
	done bool
}

// Writer opens the single write session, starting from the database's
// currently committed root.
func (s *sessionState) Writer() (*WriteSession, error) {
	if !atomic.CompareAndSwapInt32(&s.writerOut, 0, 1) {
		return nil, wrapErr(CodeInvalidHandle, "a write session is already open", nil)
	}
	s.mu.Lock()
	root := s.currentRoot
	s.mu.Unlock()
	if err := s.e.retain(root); err != nil {
		atomic.StoreInt32(&s.writerOut, 0)
		return nil, err
	}
	return &WriteSession{s: s, root: root}, nil
}

func (w *WriteSession) checkOpen() error {
	if w.done {
		return wrapErr(CodeInvalidHandle, "write session already committed or aborted", nil)
	}
	return nil
}

// Insert adds key=value, failing with ErrAlreadyExists if key is present.
func (w *WriteSession) Insert(key, value []byte) error {
	return w.apply(key, value, modeInsert)
}

// Update overwrites key's value, failing with ErrNotFound if absent.
func (w *WriteSession) Update(key, value []byte) error {
	return w.apply(key, value, modeUpdate)
}

// Upsert inserts or overwrites key=value unconditionally.
func (w *WriteSession) Upsert(key, value []byte) error {
	return w.apply(key, value, modeUpsert)
}

// Remove deletes key if present; a no-op (not an error) if absent.
func (w *WriteSession) Remove(key []byte) error {
	return w.apply(key, nil, modeRemove)
}

func (w *WriteSession) apply(key, value []byte, mode writeMode) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	newRoot, err := w.s.e.mutate(w.root, key, value, mode)
	if err != nil {
		return err
	}
	w.root = newRoot
	return nil
}

// UpsertSubtree attaches subtree's current version as the value at key,
// the "roots"-typed value feature. subtree is retained on the session's
// behalf; the caller's own handle to it is unaffected.
func (w *WriteSession) UpsertSubtree(key []byte, subtree Root) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	newRoot, err := w.s.e.upsertSubtree(w.root, key, subtree.id)
	if err != nil {
		return err
	}
	w.root = newRoot
	return nil
}

// Root returns a retained handle to this session's working root, usable
// for reads against in-progress (uncommitted) writes without waiting for
// CommitRoot.
func (w *WriteSession) Root() (Root, error) {
	if err := w.checkOpen(); err != nil {
		return Root{}, err
	}
	if err := w.s.e.retain(w.root); err != nil {
		return Root{}, err
	}
	return Root{e: w.s.e, id: w.root}, nil
}

// CommitRoot publishes this session's working root as the database's new
// committed version and releases the write-session lock, returning a
// retained Root handle to the committed version.
func (w *WriteSession) CommitRoot() (Root, error) {
	if err := w.checkOpen(); err != nil {
		return Root{}, err
	}
	if err := w.s.e.retain(w.root); err != nil {
		return Root{}, err
	}

	w.s.mu.Lock()
	oldRoot := w.s.currentRoot
	w.s.currentRoot = w.root
	w.s.mu.Unlock()

	if err := w.s.e.release(oldRoot); err != nil {
		w.s.e.opts.Logger.Warnw("release of superseded root failed", "error", err)
	}

	committed := Root{e: w.s.e, id: w.root}
	w.done = true
	atomic.StoreInt32(&w.s.writerOut, 0)

	if w.s.dur != nil {
		if err := w.s.dur.onCommit(); err != nil {
			return committed, err
		}
		// Segment bytes are durable before the pointer moves: a crash
		// between the two leaves the previous committed root intact.
		if w.s.dur.mode == SyncEveryCommit && w.s.persist != nil {
			if err := w.s.persist(w.root); err != nil {
				return committed, wrapErr(CodeOutOfSpace, "persisting committed root pointer", err)
			}
		}
	}
	return committed, nil
}

// Abort discards this session's uncommitted writes, releasing its working
// root without affecting the database's committed version.
func (w *WriteSession) Abort() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	err := w.s.e.release(w.root)
	w.done = true
	atomic.StoreInt32(&w.s.writerOut, 0)
	return err
}
