// trie.go - Wiederverwendungs-Trie ueber Block-Keys
// Hauptfunktionen: Store, Load, Erase, FindLeaf
package block

// Trie is the reuse trie: a content-addressed tree of filled
// blocks keyed by (LoRA task id, token prefix). A path from the root to
// a node spells a sequence of block keys; each non-root node holds a
// block that was filled with exactly those tokens.
//
// The root is a real, non-storage-backed sentinel block — not a nil
// check scattered through the code — mirroring the dummy-root node the
// original implementation keeps for exactly this purpose.
type Trie struct {
	root *Block
}

// NewTrie constructs an empty trie with its sentinel root in place.
func NewTrie() *Trie {
	return &Trie{root: &Block{id: -1}}
}

// Root returns the sentinel root block. It never holds a key and is
// never claimable, onboardable, or reachable via Load.
func (t *Trie) Root() *Block { return t.root }

// Store links blk under parent at key. If parent already has a child
// filed under an equal key, the older resident wins: blk is left
// unlinked (is_full/prev untouched) and Store reports true so the
// caller returns blk to the free list instead of filing it.
func (t *Trie) Store(parent *Block, key Key, blk *Block) (discarded bool) {
	h := key.hash()
	if parent.next == nil {
		parent.next = make(map[uint64][]child)
	}
	for _, c := range parent.next[h] {
		if c.key.Equal(key) {
			return true
		}
	}
	parent.next[h] = append(parent.next[h], child{key: key, block: blk})
	blk.prev = parent
	blk.blockKey = key
	blk.isFull = true
	return false
}

// Load walks from the root following keys in order and returns the
// blocks matched, stopping at the first miss. Each returned block
// contributes tokens_per_block reused tokens.
func (t *Trie) Load(keys []Key) []*Block {
	matched := make([]*Block, 0, len(keys))
	node := t.root
	for _, k := range keys {
		next, ok := lookupChild(node, k)
		if !ok {
			break
		}
		matched = append(matched, next)
		node = next
	}
	return matched
}

func lookupChild(parent *Block, key Key) (*Block, bool) {
	h := key.hash()
	for _, c := range parent.next[h] {
		if c.key.Equal(key) {
			return c.block, true
		}
	}
	return nil, false
}

// Erase detaches blk from its parent in the trie. blk must currently
// have a trie parent (blk.prev != nil); callers that are not sure
// should check IsLinked() first (a full block is not necessarily linked).
func (t *Trie) Erase(blk *Block) error {
	parent := blk.prev
	if parent == nil {
		return newInvariantViolation("erase: block %d has no trie parent", blk.id)
	}
	h := blk.blockKey.hash()
	bucket := parent.next[h]
	idx := -1
	for i, c := range bucket {
		if c.block == blk {
			idx = i
			break
		}
	}
	if idx == -1 {
		return newInvariantViolation("erase: block %d not linked under parent %d", blk.id, parent.id)
	}
	parent.next[h] = append(bucket[:idx:idx], bucket[idx+1:]...)
	if len(parent.next[h]) == 0 {
		delete(parent.next, h)
	}
	blk.prev = nil
	blk.isFull = false
	return nil
}

// anyChild returns an arbitrary child of node, or nil if it has none.
// Map iteration order is intentionally unspecified here — leaf
// selection does not require a deterministic tie-break.
func anyChild(node *Block) *Block {
	for _, bucket := range node.next {
		if len(bucket) > 0 {
			return bucket[0].block
		}
	}
	return nil
}

// FindLeaf descends from start, picking an arbitrary child at each
// step, until it reaches a node with no children. Used to pick an
// eviction victim whose removal does not orphan other reusable blocks.
func (t *Trie) FindLeaf(start *Block) *Block {
	node := start
	for {
		c := anyChild(node)
		if c == nil {
			return node
		}
		node = c
	}
}

// HasPrimaryDescendants reports whether any descendant of blk in the
// trie (direct or transitive) currently resides in the primary pool.
// Used by the eviction policy to avoid picking a victim whose eviction
// would orphan live primary-resident descendants.
func (t *Trie) HasPrimaryDescendants(blk *Block) bool {
	for _, bucket := range blk.next {
		for _, c := range bucket {
			if !c.block.poolIndex.Secondary {
				return true
			}
			if t.HasPrimaryDescendants(c.block) {
				return true
			}
		}
	}
	return false
}

// isLinked reports whether blk is currently reachable from the root,
// i.e. still filed in the trie.
func (b *Block) isLinked() bool { return b.prev != nil }
