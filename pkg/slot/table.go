package slot

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Config tunes the slot table. THREADMASK/BATMASK style sharding is
// exposed as constructor parameters (see DESIGN.md's Open Question
// decision on this), and the two-level array dimensions are parameters
// too so tests can exercise the "table full" boundary without allocating
// a realistically-sized table.
type Config struct {
	// ThreadMask+1 is the number of cache-lock shards / free lists. Must
	// be 0 (single shard) or (2^k)-1.
	ThreadMask int
	// BATMask+1 is the number of swap-lock shards. Same constraint.
	BATMask int
	// BlockSize is L, the power-of-two block size of the two-level array.
	BlockSize int32
	// MaxBlocks is H, the hard maximum number of top-level blocks.
	MaxBlocks int32
	// StealThreshold is the free-list length a shard must reach before
	// another shard's allocator will steal its head.
	StealThreshold int
}

// DefaultConfig picks a size practical for an in-process test suite,
// scaled down from a real engine's 2^16 block size; production
// deployments raise BlockSize/MaxBlocks via Config.
func DefaultConfig() Config {
	return Config{
		ThreadMask:     63,
		BATMask:        63,
		BlockSize:      4096,
		MaxBlocks:      64,
		StealThreshold: 20,
	}
}

type freeList struct {
	mu    sync.Mutex
	head  int32 // NilID means empty
	count int
}

// Table is the BBP slot table: the two-level fixed-base array plus the
// lock groups and free lists that make allocation and reference counting
// safe for concurrent callers.
type Table struct {
	cfg Config

	blocksMu sync.Mutex   // guards publishing a new block pointer
	blocks   []atomic.Pointer[[]Record]

	size  atomic.Int32 // next unallocated id
	limit atomic.Int32 // allocated-blocks boundary, a multiple of BlockSize

	free []freeList // len == cacheShards()

	swapLocks []sync.Mutex // len == batShards()
	NameLock  sync.RWMutex
	TMLock    sync.Mutex

	// inflightUnloads is incremented around unload execution so a commit
	// holding the TM lock can wait for in-progress unloads to finish.
	inflightUnloads sync.WaitGroup

	buckets    []int32 // name hash buckets, rebuilt on Extend
	bucketMask uint32

	// parentLoader reloads an unloaded view parent; set once via
	// SetParentLoader (refstatus.go), consulted by fixParent.
	parentLoader func(id int32) (Descriptor, error)
}

// NewTable creates an empty table; slot 0 (NilID) is reserved and never
// allocated.
func NewTable(cfg Config) *Table {
	if cfg.BlockSize <= 0 {
		cfg = DefaultConfig()
	}
	t := &Table{
		cfg:    cfg,
		blocks: make([]atomic.Pointer[[]Record], cfg.MaxBlocks),
		free:   make([]freeList, cacheShards(cfg)),
	}
	t.swapLocks = make([]sync.Mutex, batShards(cfg))
	t.size.Store(1) // slot 0 reserved
	t.limit.Store(0)
	t.extendLocked(1)
	t.rebuildNameIndex()
	return t
}

func cacheShards(cfg Config) int { return cfg.ThreadMask + 1 }
func batShards(cfg Config) int   { return cfg.BATMask + 1 }

func (t *Table) cacheShard(threadHint int) int {
	if t.cfg.ThreadMask == 0 {
		return 0
	}
	return threadHint & t.cfg.ThreadMask
}

func (t *Table) swapShard(id int32) int {
	return int(id) & t.cfg.BATMask
}

func (t *Table) lockSwap(id int32)   { t.swapLocks[t.swapShard(id)].Lock() }
func (t *Table) unlockSwap(id int32) { t.swapLocks[t.swapShard(id)].Unlock() }

// BBPLock acquires every lock in the canonical order required when both
// the cache and swap groups are needed together: TM, then cache locks
// ascending, then swap locks ascending.
func (t *Table) BBPLock() {
	t.TMLock.Lock()
	for i := range t.free {
		t.free[i].mu.Lock()
	}
	for i := range t.swapLocks {
		t.swapLocks[i].Lock()
	}
}

// BBPUnlock releases in reverse order.
func (t *Table) BBPUnlock() {
	for i := len(t.swapLocks) - 1; i >= 0; i-- {
		t.swapLocks[i].Unlock()
	}
	for i := len(t.free) - 1; i >= 0; i-- {
		t.free[i].mu.Unlock()
	}
	t.TMLock.Unlock()
}

// Size returns one past the highest id ever handed out.
func (t *Table) Size() int32 { return t.size.Load() }

// extendLocked allocates blocks up to cover newSize, publishing each new
// block via an atomic store so concurrent unlocked readers of a live slot
// in an already-published block never race with the allocation.
func (t *Table) extendLocked(newSize int32) {
	t.blocksMu.Lock()
	defer t.blocksMu.Unlock()

	for t.limit.Load() < newSize {
		blockIdx := t.limit.Load() / t.cfg.BlockSize
		if blockIdx >= t.cfg.MaxBlocks {
			panic(fmt.Sprintf("slot: table exhausted at %d blocks", t.cfg.MaxBlocks))
		}
		block := make([]Record, t.cfg.BlockSize)
		t.blocks[blockIdx].Store(&block)
		t.limit.Add(t.cfg.BlockSize)
	}
}

// recordAt returns a pointer to the record for id, or nil if the block
// backing it has not been published yet.
func (t *Table) recordAt(id int32) *Record {
	blockIdx := id / t.cfg.BlockSize
	off := id % t.cfg.BlockSize
	if blockIdx < 0 || blockIdx >= int32(len(t.blocks)) {
		return nil
	}
	block := t.blocks[blockIdx].Load()
	if block == nil {
		return nil
	}
	return &(*block)[off]
}

// Get returns the record for id. Panics on NilID or an id never handed
// out, both caller bugs.
func (t *Table) Get(id int32) *Record {
	if id <= NilID || id >= t.size.Load() {
		panic(fmt.Sprintf("slot: invalid id %d", id))
	}
	r := t.recordAt(id)
	if r == nil {
		panic(fmt.Sprintf("slot: id %d not backed by an allocated block", id))
	}
	return r
}

// popFreeLocked pops the free-list head for shard; caller holds
// t.free[shard].mu.
func (t *Table) popFreeLocked(shard int) (int32, bool) {
	fl := &t.free[shard]
	if fl.head == NilID {
		return NilID, false
	}
	id := fl.head
	r := t.recordAt(id)
	fl.head = r.Next
	fl.count--
	r.Next = NilID
	return id, true
}

func (t *Table) pushFree(shard int, id int32) {
	fl := &t.free[shard]
	fl.mu.Lock()
	r := t.recordAt(id)
	r.Next = fl.head
	fl.head = id
	fl.count++
	fl.mu.Unlock()
}

// allocID implements the slot allocator: try this thread's shard, else
// steal a long free list from another shard, else grow the table.
func (t *Table) allocID(threadHint int) int32 {
	shard := t.cacheShard(threadHint)

	t.free[shard].mu.Lock()
	if id, ok := t.popFreeLocked(shard); ok {
		t.free[shard].mu.Unlock()
		return id
	}
	t.free[shard].mu.Unlock()

	nshards := len(t.free)
	for i := 1; i < nshards; i++ {
		s := (shard + i) % nshards
		t.free[s].mu.Lock()
		if t.free[s].count >= t.cfg.StealThreshold {
			id, ok := t.popFreeLocked(s)
			t.free[s].mu.Unlock()
			if ok {
				return id
			}
			continue
		}
		t.free[s].mu.Unlock()
	}

	// No free list was long enough: grow. The backing block must be
	// published before the new size becomes visible, or a reader bounded
	// by Size() could reach an id whose block does not exist yet.
	for {
		cur := t.size.Load()
		if cur >= t.limit.Load() {
			t.extendLocked(cur + 1)
			t.rebuildNameIndex()
		}
		if t.size.CompareAndSwap(cur, cur+1) {
			return cur
		}
	}
}
