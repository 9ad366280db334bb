// debug.go - Read-only Snapshots fuer Introspektion
// Hauptfunktionen: FreeListSnapshot, TrieSnapshot
package block

// FreeListEntry describes one free-list position for diagnostics.
type FreeListEntry struct {
	BlockID   ID   `json:"block_id"`
	IsFull    bool `json:"is_full"`
	InTrie    bool `json:"in_trie"`
	Secondary bool `json:"secondary"`
}

// FreeListSnapshot returns the current front-to-back contents of both
// free lists. Intended for debug endpoints and tests; the snapshot is
// taken under the manager's lock and is immediately stale afterwards.
func (m *Manager) FreeListSnapshot() (primary, secondary []FreeListEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	collect := func(fl *FreeList) []FreeListEntry {
		entries := make([]FreeListEntry, 0, fl.Len())
		fl.Each(func(b *Block) bool {
			entries = append(entries, FreeListEntry{
				BlockID:   b.id,
				IsFull:    b.isFull,
				InTrie:    b.isLinked(),
				Secondary: b.poolIndex.Secondary,
			})
			return true
		})
		return entries
	}
	return collect(m.freePrimary), collect(m.freeSecondary)
}

// TrieNode is one node of a TrieSnapshot.
type TrieNode struct {
	BlockID   ID         `json:"block_id"`
	RefCount  int32      `json:"ref_count"`
	Secondary bool       `json:"secondary"`
	Children  []TrieNode `json:"children,omitempty"`
}

// TrieSnapshot returns the reuse trie's current shape rooted at the
// sentinel (BlockID -1). Child order is unspecified.
func (m *Manager) TrieSnapshot() TrieNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotNode(m.trie.Root())
}

func snapshotNode(b *Block) TrieNode {
	n := TrieNode{BlockID: b.id, RefCount: b.refCount, Secondary: b.poolIndex.Secondary}
	for _, bucket := range b.next {
		for _, c := range bucket {
			n.Children = append(n.Children, snapshotNode(c.block))
		}
	}
	return n
}
