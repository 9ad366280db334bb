// block.go - Block-Metadaten: Identitaet, Pool-Residenz, Refcounts
package block

// ID is a dense, stable identity for a block in [0, N_primary+N_secondary).
// It never changes even when the block's pool residency flips between
// primary and secondary storage.
type ID int32

// PoolIndex is an opaque handle encoding which pool (primary/secondary)
// and which slot within it a block currently occupies. It is the only
// thing that changes when a block is onboarded or offloaded; ID never
// does.
type PoolIndex struct {
	Secondary bool
	Slot      int32
}

// Block is the metadata record for one fixed-size KV slot. Pool payload
// storage itself is owned by the device package; Block only ever holds
// indices into it.
type Block struct {
	id ID

	poolIndex PoolIndex

	refCount          int32
	schedulingRefCount int32

	isFull   bool
	blockKey Key

	// prev is a back-reference into the reuse trie (the parent whose
	// next map contains this block under blockKey), never owning.
	prev *Block

	// next holds children of this block in the reuse trie, bucketed by
	// key hash with a short collision chain — the same layout an
	// unordered_map<BlockKey, BlockPtr, BlockKeyHasher> would have.
	next map[uint64][]child

	// inFreeList mirrors "free_list_cursor.is_some": true iff this
	// block currently sits in a free list. freeListNode is non-nil
	// under the same condition and points at this block's node in the
	// free list's doubly linked chain.
	inFreeList   bool
	freeListNode *flNode
}

type child struct {
	key   Key
	block *Block
}

// NewBlock constructs a block with the given identity and initial pool
// residency. Newly constructed blocks start outside any free list and
// outside the trie; the manager is responsible for placing them.
func NewBlock(id ID, idx PoolIndex) *Block {
	return &Block{id: id, poolIndex: idx}
}

func (b *Block) ID() ID               { return b.id }
func (b *Block) PoolIndex() PoolIndex { return b.poolIndex }
func (b *Block) IsFull() bool         { return b.isFull }
func (b *Block) BlockKey() Key        { return b.blockKey }
func (b *Block) RefCount() int32      { return b.refCount }
func (b *Block) InFreeList() bool     { return b.inFreeList }

// IsShared reports whether more than one (sequence, beam, position)
// triple currently references this block.
func (b *Block) IsShared() bool { return b.refCount > 1 }

// IsLinked reports whether this block is currently reachable from the
// trie root, i.e. still filed for reuse.
func (b *Block) IsLinked() bool { return b.prev != nil }

func (b *Block) incRef()          { b.refCount++ }
func (b *Block) decRef() int32    { b.refCount--; return b.refCount }
func (b *Block) incSchedulingRef() { b.schedulingRefCount++ }
func (b *Block) decSchedulingRef() int32 {
	b.schedulingRefCount--
	return b.schedulingRefCount
}

// startScheduling resets the shadow counter to the real one, the way
// BlockManager.startScheduling resets every block before a new what-if
// pass.
func (b *Block) startScheduling() { b.schedulingRefCount = b.refCount }

// swapPoolIndex exchanges the pool residency of two blocks without
// touching their identity. Used by onboard/offload to move payload
// between primary and secondary tiers while every other structure keeps
// referring to the same block IDs.
func swapPoolIndex(a, b *Block) {
	a.poolIndex, b.poolIndex = b.poolIndex, a.poolIndex
}
