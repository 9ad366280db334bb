// manager.go - BlockManager: Allokation, Eviction, Offload/Onboard
// Hauptfunktionen: AllocateFresh, AcquireReused, PlaceFree, Onboard
package block

import (
	"context"
	"log/slog"
	"sync"
)

// Stream is the device-side collaborator a Manager copies block
// payloads through during onboard/offload. Implementations are
// expected to preserve enqueue order the way a single CUDA/HIP stream
// would; the device package's InProcessStream and MmapPool-backed
// pools are the reference implementation this interface is grounded
// on.
type Stream interface {
	Copy(ctx context.Context, dst, src PoolIndex) error
}

// Stats is the snapshot returned by (*Manager).Stats, matching
// get_kv_cache_stats()'s shape: {max,free,used,toks_per_block,
// alloc_total,alloc_new,reused}.
type Stats struct {
	MaxNumBlocks  int
	FreeNumBlocks int
	UsedNumBlocks int
	ToksPerBlock  int

	AllocTotalBlocks uint64
	AllocNewBlocks   uint64
	ReusedBlocks     uint64
}

// EventHook observes block lifecycle transitions inside the manager:
// alloc, reuse, evict, offload, onboard, store and discard. Nil by
// default; set one via SetEventHook to feed a trace sink.
// The hook runs under the manager's lock and must not call back in.
type EventHook func(kind string, id ID)

// Manager is the block manager core: it orchestrates the block arena,
// the two free lists, and the reuse trie, and owns the counters
// exposed via Stats. Every mutating method takes the manager's single
// exclusive lock — the core is single-threaded with respect to
// its own state, and a lock is the straightforward way to enforce that
// from multiple goroutines if a caller needs to.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	stream Stream
	log    *slog.Logger
	hook   EventHook

	allBlocks []*Block

	trie          *Trie
	freePrimary   *FreeList
	freeSecondary *FreeList

	allocTotalBlocks uint64
	allocNewBlocks   uint64
	reusedBlocks     uint64
}

// NewManager constructs a Manager and its backing block arena. Every
// block starts fresh (never filled) and queued at the front of its
// pool's free list, mirroring allocate_pools immediately followed by
// population of an empty arena.
func NewManager(cfg Config, stream Stream) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:           cfg,
		stream:        stream,
		log:           slog.Default().With("component", "block.Manager"),
		trie:          NewTrie(),
		freePrimary:   NewFreeList(),
		freeSecondary: NewFreeList(),
	}
	m.allBlocks = make([]*Block, 0, cfg.NPrimaryBlocks+cfg.NSecondaryBlocks)
	for i := 0; i < cfg.NPrimaryBlocks; i++ {
		b := NewBlock(ID(i), PoolIndex{Secondary: false, Slot: int32(i)})
		m.allBlocks = append(m.allBlocks, b)
		m.freePrimary.PushFront(b)
	}
	for i := 0; i < cfg.NSecondaryBlocks; i++ {
		id := ID(cfg.NPrimaryBlocks + i)
		b := NewBlock(id, PoolIndex{Secondary: true, Slot: int32(i)})
		m.allBlocks = append(m.allBlocks, b)
		m.freeSecondary.PushFront(b)
	}
	m.log.Debug("block manager constructed",
		"primary_blocks", cfg.NPrimaryBlocks,
		"secondary_blocks", cfg.NSecondaryBlocks,
		"tokens_per_block", cfg.TokensPerBlock)
	return m, nil
}

// Close releases the configured stream, if any.
func (m *Manager) Close() error {
	if closer, ok := m.stream.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Config returns the manager's immutable construction-time shape.
func (m *Manager) Config() Config { return m.cfg }

// SetEventHook installs fn as the lifecycle observer. Pass nil to
// remove a previously installed hook.
func (m *Manager) SetEventHook(fn EventHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

func (m *Manager) emit(kind string, id ID) {
	if m.hook != nil {
		m.hook(kind, id)
	}
}

// BlockByID looks up a block by its dense identity. Panics only on an
// out-of-range id, which is always a caller bug (ids come from the
// manager itself).
func (m *Manager) BlockByID(id ID) *Block {
	return m.allBlocks[id]
}

func (m *Manager) freeListFor(b *Block) *FreeList {
	if b.poolIndex.Secondary {
		return m.freeSecondary
	}
	return m.freePrimary
}

// findBestBlockToFree returns the earliest-in-queue primary free-list
// entry with no primary-resident descendants in the trie, or nil if
// every candidate has live descendants (or the list is empty).
func (m *Manager) findBestBlockToFree() *Block {
	var best *Block
	m.freePrimary.Each(func(b *Block) bool {
		if !m.trie.HasPrimaryDescendants(b) {
			best = b
			return false
		}
		return true
	})
	return best
}

// acquirePrimaryVictimLocked removes a block from free_primary without
// deciding its trie fate, preferring a descendant-free leaf and falling
// back to the literal front when every free entry still has live
// descendants. Victim selection and plain dequeue are one pass over
// free_primary: the first descendant-free entry wins, the literal
// front is the fallback.
func (m *Manager) acquirePrimaryVictimLocked() (*Block, error) {
	if victim := m.findBestBlockToFree(); victim != nil {
		if err := m.freePrimary.Claim(victim); err != nil {
			return nil, err
		}
		return victim, nil
	}
	if blk := m.freePrimary.PopFront(); blk != nil {
		return blk, nil
	}
	return nil, newCapacityExhausted("no free or evictable primary block available")
}

// obtainPrimarySlot produces one free primary block: it claims the
// best victim from free_primary; a victim that still carries reuse
// value (linked in the trie) is offloaded to a free secondary slot
// when the configuration allows, otherwise evicted from the trie
// outright. Metadata moves eagerly under the lock — the swapped pool
// index is authoritative once the copy is enqueued — but the offload
// copy itself runs with the lock released; a failed copy reverts the
// swap and degrades to an outright eviction. The returned block is
// fresh and unreferenced; both it and the victim are claimed out of
// every free list, so nothing else can reach them while the lock is
// down.
func (m *Manager) obtainPrimarySlot() (*Block, error) {
	m.mu.Lock()
	victim, err := m.acquirePrimaryVictimLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if !victim.isLinked() {
		victim.isFull = false
		m.mu.Unlock()
		return victim, nil
	}

	var sec *Block
	if m.cfg.NSecondaryBlocks > 0 && m.cfg.OnboardBlocks {
		sec = m.freeSecondary.PopFront()
	}
	if sec == nil {
		if err := m.trie.Erase(victim); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.emit("evict", victim.id)
		victim.isFull = false
		m.mu.Unlock()
		return victim, nil
	}
	if sec.isLinked() {
		if err := m.trie.Erase(sec); err != nil {
			m.freeSecondary.PushFront(sec)
			m.mu.Unlock()
			return nil, err
		}
	}
	swapPoolIndex(victim, sec)
	m.freeSecondary.PushBack(victim)
	m.emit("offload", victim.id)
	dst, src := victim.poolIndex, sec.poolIndex
	m.mu.Unlock()

	var copyErr error
	if m.stream != nil {
		copyErr = m.stream.Copy(context.Background(), dst, src)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if copyErr != nil {
		// Revert to primary residency and evict outright instead.
		m.log.Warn("offload copy failed, evicting instead", "block_id", victim.id, "error", copyErr)
		if err := m.freeSecondary.Claim(victim); err != nil {
			return nil, err
		}
		swapPoolIndex(victim, sec)
		m.freeSecondary.PushFront(sec)
		if err := m.trie.Erase(victim); err != nil {
			return nil, err
		}
		m.emit("evict", victim.id)
		victim.isFull = false
		return victim, nil
	}
	sec.isFull = false
	return sec, nil
}

// AllocateFresh returns a block ready for new content: it hands out
// a primary-resident block with ref_count == 1, evicting and, if a
// secondary pool is configured for onboarding, offloading a victim as
// needed.
func (m *Manager) AllocateFresh() (*Block, error) {
	blk, err := m.obtainPrimarySlot()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blk.refCount = 1
	blk.schedulingRefCount = 1
	m.allocTotalBlocks++
	m.allocNewBlocks++
	m.emit("alloc", blk.id)
	m.log.Debug("allocated fresh block", "block_id", blk.id)
	return blk, nil
}

// AcquireReused takes a trie-matched block for a new owner. A free
// block is claimed from its free list; a block still referenced (filed
// early via StoreContextBlocks while its sequence runs) simply gains a
// reference and is shared. Either way the block is detached from the
// trie and is re-filed on release.
func (m *Manager) AcquireReused(blk *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blk.inFreeList {
		if err := m.freeListFor(blk).Claim(blk); err != nil {
			return err
		}
		blk.refCount = 1
		blk.schedulingRefCount = 1
	} else {
		if blk.refCount <= 0 {
			return newInvariantViolation("acquire: block %d has no refs and is not free", blk.id)
		}
		blk.incRef()
		blk.incSchedulingRef()
	}
	if blk.isLinked() {
		if err := m.trie.Erase(blk); err != nil {
			return err
		}
		blk.isFull = true
	}
	m.emit("reuse", blk.id)
	return nil
}

// LoadPrefix walks the reuse trie for the given key sequence and
// returns every block matched before the first miss.
func (m *Manager) LoadPrefix(keys []Key) []*Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trie.Load(keys)
}

// Root returns the trie's sentinel root, the parent to use for the
// first block key in any chain.
func (m *Manager) Root() *Block { return m.trie.Root() }

// Retain bumps blk's live reference count, e.g. when a block already
// claimed for one beam becomes shared with another.
func (m *Manager) Retain(blk *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blk.incRef()
}

// Release decrements blk's reference count and reports whether it
// reached zero. Callers that get freed == true must follow up with
// PlaceFree to decide the block's trie/free-list fate.
func (m *Manager) Release(blk *Block) (freed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blk.refCount <= 0 {
		return false, newInvariantViolation("release: block %d ref_count already zero", blk.id)
	}
	return blk.decRef() == 0, nil
}

// MarkFull records that blk's content is complete (filled with
// tokens_per_block tokens). This is independent of trie membership:
// a block can be full without yet being filed, e.g. while its owning
// sequence is still generating and has not released it.
func (m *Manager) MarkFull(blk *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blk.isFull = true
}

// PlaceFree disposes of a just-freed block (ref_count reached zero):
// if key is non-nil and blk is full, it attempts to file blk into the
// trie under parent/*key, pushing to the back of its pool's free list
// on success or the front if an older resident already occupies that
// key (the older resident wins a collision). Otherwise blk is
// unlinked from the trie if still linked and pushed to the front.
//
// The returned resident is the block now filed under key: blk itself
// when the store succeeded, the older winner on a collision, or nil
// when nothing was stored. Callers filing a chain of blocks use it as
// the parent for the next position.
func (m *Manager) PlaceFree(blk *Block, key *Key, parent *Block) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blk.inFreeList {
		return nil, newInvariantViolation("release: block %d already in free list", blk.id)
	}
	fl := m.freeListFor(blk)
	if key != nil && blk.isFull {
		if blk.isLinked() {
			// Already filed (e.g. by an earlier StoreContextBlocks call
			// while still in use) — nothing to re-store.
			fl.PushBack(blk)
			return blk, nil
		}
		if parent == nil {
			parent = m.trie.Root()
		}
		if m.trie.Store(parent, *key, blk) {
			resident, _ := lookupChild(parent, *key)
			fl.PushFront(blk)
			m.emit("discard", blk.id)
			return resident, nil
		}
		fl.PushBack(blk)
		m.emit("store", blk.id)
		return blk, nil
	}
	if blk.isLinked() {
		if err := m.trie.Erase(blk); err != nil {
			return nil, err
		}
	}
	fl.PushFront(blk)
	return nil, nil
}

// FileInUse stores blk into the trie while it is still referenced by a
// live sequence: no free-list movement,
// just the trie link. The returned resident is the block now filed
// under key (blk, or an older winner on a collision).
func (m *Manager) FileInUse(parent *Block, key Key, blk *Block) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !blk.isFull {
		return nil, newInvariantViolation("store: block %d is not full", blk.id)
	}
	if blk.isLinked() {
		if !blk.blockKey.Equal(key) {
			return nil, newInvariantViolation("store: block %d already filed under a different key", blk.id)
		}
		return blk, nil
	}
	if parent == nil {
		parent = m.trie.Root()
	}
	if m.trie.Store(parent, key, blk) {
		resident, _ := lookupChild(parent, key)
		return resident, nil
	}
	m.emit("store", blk.id)
	return blk, nil
}

// Unlink withdraws blk from reuse: it is detached from the trie if
// filed and its content is no longer considered complete. Used by the
// cyclic-cache policy right before a block's slot is overwritten in
// place with new tokens.
func (m *Manager) Unlink(blk *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blk.isLinked() {
		if err := m.trie.Erase(blk); err != nil {
			return err
		}
	}
	blk.isFull = false
	return nil
}

// Onboard is the inverse of offload: if blk resides in
// secondary storage, it claims blk, finds or evicts a primary slot,
// copies blk's payload across via the configured stream, and swaps pool
// indices so blk now resides in primary storage with ref_count == 1. If
// blk is already primary this is a no-op that returns blk unchanged.
func (m *Manager) Onboard(ctx context.Context, blk *Block) (*Block, error) {
	m.mu.Lock()
	if !blk.poolIndex.Secondary {
		m.mu.Unlock()
		return blk, nil
	}
	if err := m.freeSecondary.Claim(blk); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	victim, err := m.obtainPrimarySlot()
	if err != nil {
		m.mu.Lock()
		m.freeSecondary.PushBack(blk)
		m.mu.Unlock()
		return nil, err
	}
	dst, src := victim.poolIndex, blk.poolIndex

	if m.stream != nil {
		if err := m.stream.Copy(ctx, dst, src); err != nil {
			m.mu.Lock()
			m.freeSecondary.PushBack(blk)
			m.freePrimary.PushFront(victim)
			m.mu.Unlock()
			return nil, newDeviceError("onboard copy", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	swapPoolIndex(blk, victim)
	victim.isFull = false
	m.freeSecondary.PushFront(victim)
	// The onboarded block has a new exclusive owner; like any other
	// claim-for-reuse it leaves the trie and is re-filed on release.
	if blk.isLinked() {
		if err := m.trie.Erase(blk); err != nil {
			return nil, err
		}
		blk.isFull = true
	}
	blk.refCount = 1
	blk.schedulingRefCount = 1
	m.emit("onboard", blk.id)
	m.log.Debug("onboarded block", "block_id", blk.id)
	return blk, nil
}

// StartScheduling resets every block's scheduling_ref_count to its real
// ref_count, the way the what-if admission pass re-synchronises before
// a new probing round. It never touches the lifetime stats
// counters.
func (m *Manager) StartScheduling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.allBlocks {
		b.startScheduling()
	}
}

// SchedulingRelease decrements blk's scheduling_ref_count and reports
// whether it reached zero.
func (m *Manager) SchedulingRelease(blk *Block) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return blk.decSchedulingRef() == 0
}

// SchedulingHasFreeBlocks reports whether at least n primary blocks
// currently have scheduling_ref_count == 0 — "could I free n blocks by
// dropping this sequence" without mutating real state.
func (m *Manager) SchedulingHasFreeBlocks(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, b := range m.allBlocks {
		if b.poolIndex.Secondary {
			continue
		}
		if b.schedulingRefCount == 0 {
			count++
			if count >= n {
				return true
			}
		}
	}
	return count >= n
}

// Stats returns the current lifetime snapshot. used + free == max,
// and alloc_total == alloc_new + reused holds by
// construction since both counters are only ever incremented together
// with their sum.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.freePrimary.Len() + m.freeSecondary.Len()
	total := m.cfg.NPrimaryBlocks + m.cfg.NSecondaryBlocks
	return Stats{
		MaxNumBlocks:     total,
		FreeNumBlocks:    free,
		UsedNumBlocks:    total - free,
		ToksPerBlock:     m.cfg.TokensPerBlock,
		AllocTotalBlocks: m.allocTotalBlocks,
		AllocNewBlocks:   m.allocNewBlocks,
		ReusedBlocks:     m.reusedBlocks,
	}
}

// NoteReuse accounts n trie hits: reused_blocks and alloc_total_blocks
// both advance so alloc_total == alloc_new + reused keeps holding.
// Exposed because the kvcache layer resolves hits itself
// via LoadPrefix + AcquireReused/Onboard, which never pass through
// AllocateFresh.
func (m *Manager) NoteReuse(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reusedBlocks += uint64(n)
	m.allocTotalBlocks += uint64(n)
}
