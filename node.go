package arbtrie

import "sync"

// node is implemented by all four on-disk variants. encode produces the
// exact bytes segmentStore.alloc will store (not including the objHeader).
type node interface {
	nodeType() nodeType
	encode() []byte
}

// decodeNode dispatches raw segment bytes to the variant decoder named by
// t.
func decodeNode(t nodeType, raw []byte) (node, error) {
	switch t {
	case typeValue:
		return decodeValueNode(raw)
	case typeBinary:
		return decodeBinaryNode(raw)
	case typeSetList:
		return decodeSetListNode(raw)
	case typeFull256:
		return decodeFull256Node(raw)
	default:
		return nil, wrapErr(CodeCorruption, "unknown node type tag", nil)
	}
}

// scratchPool recycles the encode buffers the variant encoders build node
// images in; publish returns them once the bytes are copied into the
// segment. Callers that keep an encoded image (tests, mostly) simply never
// return it.
var scratchPool = sync.Pool{
	New: func() any { return make([]byte, 0, 256) },
}

// getScratch returns a length-n buffer whose contents the caller must
// fully overwrite.
func getScratch(n int) []byte {
	b := scratchPool.Get().([]byte)
	if cap(b) < n {
		b = make([]byte, 0, n)
	}
	return b[:n]
}

func putScratch(b []byte) {
	scratchPool.Put(b) //nolint:staticcheck // pool stores slices by value header, fine here
}

// childRef describes one branch children() returns: the byte it is keyed
// under and the id of the node it points at (or NilID for a value node's
// direct byte-array payload, which childRef is never used for).
type childRef struct {
	Branch byte
	Child  NodeID
}
