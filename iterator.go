package arbtrie

import (
	"bytes"
	"sort"
)

// frameKind distinguishes the three node shapes an iterator frame can sit
// on; dispatch within Next/descend is a switch on this tag rather than an
// interface method set, matching the trie engine's own tagged-variant
// style.
type frameKind int

const (
	frameBinary frameKind = iota
	frameSetList
	frameFull256
)

// iterFrame is one level of the path stack: enough state to resume
// emitting from exactly where the last visit left off. The frame's key
// prefix is not stored; truncateTo recomputes it from the stack.
type iterFrame struct {
	kind frameKind

	bin    *binaryNode
	binIdx int

	branches   []childRef
	eofValue   NodeID
	eofEmitted bool
	branchIdx  int
}

// Iterator walks (key, value) pairs over [lower, upper) in lexicographic
// order of unsigned key bytes, bound to the root it was constructed from
// and therefore observing a stable snapshot regardless of concurrent
// writes.
type Iterator struct {
	e     *engine
	root  NodeID
	upper []byte

	stack  []iterFrame
	keyBuf []byte

	curKey   []byte
	curVal   []byte
	valid    bool
	err      error
	finished bool
}

func newIterator(e *engine, root NodeID, lower, upper []byte) *Iterator {
	it := &Iterator{e: e, root: root, upper: append([]byte(nil), upper...)}
	it.seek(lower)
	return it
}

// seek resets the iterator to just before the first key >= target (nil
// meaning the very first key) reachable from root; the next call to Next
// lands on it.
func (it *Iterator) seek(target []byte) {
	it.stack = it.stack[:0]
	it.keyBuf = it.keyBuf[:0]
	it.finished = false
	it.valid = false
	it.err = nil
	it.descend(it.root, target)
}

// descend pushes frames from id down to the leftmost position still >=
// target, following the exact-match branch chain for as long as target
// bytes keep matching existing branches and falling back to a leftmost
// descent once they stop (or target is exhausted).
func (it *Iterator) descend(id NodeID, target []byte) {
	for id != NilID {
		nd, err := it.e.loadNode(id)
		if err != nil {
			it.err = err
			return
		}
		switch n := nd.(type) {
		case *binaryNode:
			idx := sort.Search(len(n.Entries), func(i int) bool {
				return bytes.Compare(n.keyAt(i), target) >= 0
			})
			it.stack = append(it.stack, iterFrame{kind: frameBinary, bin: n, binIdx: idx})
			return
		case *setListNode:
			it.descendBranch(id, n.branches(), n.EOFValue, target, frameSetList, &id, &target)
			if id == NilID {
				return
			}
			continue
		case *full256Node:
			it.descendBranch(id, n.branches(), n.EOFValue, target, frameFull256, &id, &target)
			if id == NilID {
				return
			}
			continue
		default:
			it.err = wrapErr(CodeCorruption, "unexpected node at trie position", nil)
			return
		}
	}
}

// descendBranch pushes the frame for one branch-node level and, when
// target's next byte exactly matches an existing branch, rewrites id and
// target (via the out pointers) so the caller's loop continues one level
// deeper instead of recursing.
func (it *Iterator) descendBranch(id NodeID, branches []childRef, eof NodeID, target []byte, kind frameKind, outID *NodeID, outTarget *[]byte) {
	frame := iterFrame{kind: kind, branches: branches, eofValue: eof}

	if len(target) == 0 {
		frame.eofEmitted = false
		frame.branchIdx = 0
		it.stack = append(it.stack, frame)
		*outID = NilID
		return
	}

	frame.eofEmitted = true // EOF's key (the current prefix) sorts before any non-empty target suffix
	b0 := target[0]
	idx := sort.Search(len(branches), func(i int) bool { return branches[i].Branch >= b0 })
	if idx < len(branches) && branches[idx].Branch == b0 {
		frame.branchIdx = idx + 1
		it.stack = append(it.stack, frame)
		it.keyBuf = append(it.keyBuf, b0)
		*outID = branches[idx].Child
		*outTarget = target[1:]
		return
	}
	frame.branchIdx = idx
	it.stack = append(it.stack, frame)
	*outID = NilID
}

func (it *Iterator) pop() {
	it.stack = it.stack[:len(it.stack)-1]
}

// truncateTo cuts keyBuf back to its length when the frame at stack
// index i was pushed, by summing the 1-byte contributions of every branch
// frame below it (each has descended through one branch byte). Binary frames never
// themselves contribute a byte (they are always the bottom of the stack).
func (it *Iterator) truncateTo(i int) {
	n := 0
	for j := 0; j < i; j++ {
		if it.stack[j].kind != frameBinary {
			n++
		}
	}
	it.keyBuf = it.keyBuf[:n]
}

// advance finds the next emittable (key, value) pair, setting valid/curKey
// /curVal, or clears valid if the iterator is exhausted.
func (it *Iterator) advance() {
	if it.err != nil {
		it.valid = false
		return
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		switch top.kind {
		case frameBinary:
			if top.binIdx >= len(top.bin.Entries) {
				it.truncateTo(len(it.stack) - 1)
				it.pop()
				continue
			}
			key := append(append([]byte(nil), it.keyBuf...), top.bin.keyAt(top.binIdx)...)
			if it.exceedsUpper(key) {
				it.terminate()
				return
			}
			val := append([]byte(nil), top.bin.valueAt(top.binIdx)...)
			top.binIdx++
			it.setCurrent(key, val)
			return
		default: // frameSetList, frameFull256
			if !top.eofEmitted {
				top.eofEmitted = true
				if top.eofValue != NilID {
					key := append([]byte(nil), it.keyBuf...)
					if it.exceedsUpper(key) {
						it.terminate()
						return
					}
					val, found, err := it.e.getEOF(top.eofValue)
					if err != nil {
						it.err = err
						it.valid = false
						return
					}
					if found {
						it.setCurrent(key, val)
						return
					}
				}
				continue
			}
			if top.branchIdx >= len(top.branches) {
				it.truncateTo(len(it.stack) - 1)
				it.pop()
				continue
			}
			it.truncateTo(len(it.stack) - 1) // drop the previous branch's byte
			br := top.branches[top.branchIdx]
			top.branchIdx++
			newKey := append(append([]byte(nil), it.keyBuf...), br.Branch)
			if it.exceedsUpper(newKey) {
				it.terminate()
				return
			}
			it.keyBuf = append(it.keyBuf[:len(it.keyBuf):len(it.keyBuf)], br.Branch)
			it.descend(br.Child, nil)
		}
	}
	it.valid = false
}

func (it *Iterator) exceedsUpper(key []byte) bool {
	return it.upper != nil && bytes.Compare(key, it.upper) >= 0
}

func (it *Iterator) setCurrent(key, val []byte) {
	it.curKey, it.curVal, it.valid = key, val, true
}

func (it *Iterator) terminate() {
	it.stack = it.stack[:0]
	it.valid = false
	it.finished = true
}

// Next advances the iterator, returning false once the range is exhausted
// or an error occurred (check Err for the latter).
func (it *Iterator) Next() bool {
	if it.finished || it.err != nil {
		return false
	}
	it.advance()
	return it.valid
}

// Key returns the current key. Valid only after a call to Next returns
// true and before the next call to Next.
func (it *Iterator) Key() []byte { return it.curKey }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.curVal }

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Seek repositions the iterator to the first key >= target, restarting the
// walk. The upper bound given at construction still applies; the lower
// bound does not, so a target below it yields keys below it.
func (it *Iterator) Seek(target []byte) {
	it.seek(target)
}
