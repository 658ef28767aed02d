package arbtrie

import "go.uber.org/zap"

// SyncMode controls how aggressively the durability manager msyncs segments.
type SyncMode int

const (
	// SyncNone never syncs except on Close.
	SyncNone SyncMode = iota
	// SyncCompact runs a full durability sync (every segment's unsynced
	// range, the id map and the segment-store header) before the compactor
	// returns a drained segment to the free ring. Commits do not sync.
	SyncCompact
	// SyncEveryCommit runs that same full sync at the end of every
	// CommitRoot and persists the committed root pointer; the compactor's
	// sync before reclaiming a segment applies too. Slow, used for tests
	// and durability-sensitive callers.
	SyncEveryCommit
)

// Options configures a DB. Zero value is not directly usable; pass through
// withDefaults (done automatically by Open/Create).
type Options struct {
	// SegmentSize is the size in bytes of each backing segment file chunk.
	// Must be a multiple of the OS page size.
	SegmentSize int64

	// MaxSegments caps how many segments the store will allocate before
	// returning ErrOutOfSpace. Zero means unbounded.
	MaxSegments int

	// IDPageSize is the page granularity of the id map: each region of the
	// ids.dat file reserves a fixed number of pages of this many meta-word
	// slots. Reopening a store requires the same value it was created with.
	IDPageSize int

	// RunCompactThread starts a background compactor goroutine on Open.
	RunCompactThread bool

	// CompactFreeRatio is the minimum fraction of a sealed segment that must
	// be free (fragmented) before the compactor will relocate it. Defaults
	// to 1/16; below that the copy traffic outweighs the space reclaimed.
	CompactFreeRatio float64

	// SyncMode controls durability-manager aggressiveness.
	SyncMode SyncMode

	// CacheOnRead, when true, opportunistically relocates small nodes read
	// from a sealed segment into the writer's current segment.
	CacheOnRead bool

	// CacheOnReadMaxSize bounds which node sizes are eligible for the
	// cache-on-read relocation.
	CacheOnReadMaxSize int

	// SetListThreshold is the largest branch count a set-list node keeps;
	// one more branch promotes it to a full-256 node. A binary leaf cluster
	// holding more than this many entries is rebuilt as a branch node.
	SetListThreshold int

	// BinarySpareCapacityRatio is defaulted but not read by any code path:
	// binary nodes are rebuilt at their exact size on every edit, are never
	// over-allocated, and never take in-place appends.
	BinarySpareCapacityRatio float64

	// MaxInlineValue is advisory: values above this size are still stored
	// inline, this only documents the threshold future segmentation work
	// would use.
	MaxInlineValue int

	// Logger receives structured logs from the compactor, durability
	// manager, and Open/Close path. Defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

const (
	DefaultSegmentSize             = 64 << 20 // 64MiB
	DefaultIDPageSize              = 1 << 16
	DefaultCompactFreeRatio        = 1.0 / 16.0
	DefaultSetListThreshold        = 32
	DefaultBinarySpareCapacityRatio = 1.5
	DefaultMaxInlineValue           = 4096
	DefaultCacheOnReadMaxSize       = 256

	// maxRefCount saturates 64 below the 12-bit field so concurrent
	// fetch-adds cannot wrap the count.
	maxRefCount = 4096 - 64
)

func (o Options) withDefaults() Options {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.IDPageSize <= 0 {
		o.IDPageSize = DefaultIDPageSize
	}
	if o.CompactFreeRatio <= 0 {
		o.CompactFreeRatio = DefaultCompactFreeRatio
	}
	if o.SetListThreshold <= 0 {
		o.SetListThreshold = DefaultSetListThreshold
	}
	if o.BinarySpareCapacityRatio < 1 {
		o.BinarySpareCapacityRatio = DefaultBinarySpareCapacityRatio
	}
	if o.MaxInlineValue <= 0 {
		o.MaxInlineValue = DefaultMaxInlineValue
	}
	if o.CacheOnReadMaxSize <= 0 {
		o.CacheOnReadMaxSize = DefaultCacheOnReadMaxSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}
