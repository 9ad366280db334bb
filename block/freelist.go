// freelist.go - FIFO-Freiliste mit O(1)-Detach
// Hauptfunktionen: PushFront, PushBack, Claim, PopFront
package block

// flNode is one link in a free list's doubly linked chain. An
// explicit prev/next pair on each node gives O(1) detach without
// relying on container-provided stable iterators, which Go slices
// don't have.
type flNode struct {
	block      *Block
	prev, next *flNode
}

// FreeList is a FIFO of currently-unreferenced blocks (ref_count == 0),
// held in reuse-priority order. Pushing to the front makes a block the
// next one popped by PopFront (fresh blocks stay hot); pushing
// to the back defers it behind colder entries.
type FreeList struct {
	head, tail *flNode
	length     int
}

// NewFreeList constructs an empty free list.
func NewFreeList() *FreeList {
	return &FreeList{}
}

// Len reports how many blocks currently sit in the list.
func (fl *FreeList) Len() int { return fl.length }

// PushFront enqueues a fresh block (never filled, evicted, or discarded
// on a trie-store collision) at the front so it is the first candidate
// the next allocation reclaims.
func (fl *FreeList) PushFront(b *Block) {
	n := &flNode{block: b}
	if fl.head == nil {
		fl.head, fl.tail = n, n
	} else {
		n.next = fl.head
		fl.head.prev = n
		fl.head = n
	}
	fl.length++
	b.inFreeList = true
	b.freeListNode = n
}

// PushBack enqueues a completed block that is still linked in the reuse
// trie — it retains reuse potential, so eviction should prefer colder
// candidates first.
func (fl *FreeList) PushBack(b *Block) {
	n := &flNode{block: b}
	if fl.tail == nil {
		fl.head, fl.tail = n, n
	} else {
		n.prev = fl.tail
		fl.tail.next = n
		fl.tail = n
	}
	fl.length++
	b.inFreeList = true
	b.freeListNode = n
}

// remove detaches a node from the chain in O(1).
func (fl *FreeList) remove(n *flNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		fl.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		fl.tail = n.prev
	}
	n.prev, n.next = nil, nil
	fl.length--
}

// Claim removes a specific block from the free list, verifying it is
// actually present. The caller now holds an exclusive reference and must
// bump ref_count itself.
func (fl *FreeList) Claim(b *Block) error {
	if !b.inFreeList || b.freeListNode == nil {
		return newInvariantViolation("claim: block %d is not in the free list", b.id)
	}
	fl.remove(b.freeListNode)
	b.inFreeList = false
	b.freeListNode = nil
	return nil
}

// PopFront removes and returns the block at the front of the list, or
// nil if the list is empty.
func (fl *FreeList) PopFront() *Block {
	if fl.head == nil {
		return nil
	}
	n := fl.head
	fl.remove(n)
	n.block.inFreeList = false
	n.block.freeListNode = nil
	return n.block
}

// Front peeks at the block that would be returned by PopFront without
// removing it.
func (fl *FreeList) Front() *Block {
	if fl.head == nil {
		return nil
	}
	return fl.head.block
}

// Each walks the list from front to back, stopping early if fn returns
// false.
func (fl *FreeList) Each(fn func(*Block) bool) {
	for n := fl.head; n != nil; n = n.next {
		if !fn(n.block) {
			return
		}
	}
}
