// sequence.go - Sequenz-Datensatz mit Block-Ketten pro Beam
package kvcache

import (
	"github.com/google/uuid"

	"github.com/kvblock/kvblock/block"
)

// Sequence is the per-active-request bookkeeping record: slot id,
// current token count, and one ordered block chain per beam. Blocks are
// shared across beams by storing the identical *block.Block pointer at
// the same position in more than one beam's chain; divergence
// (ReplaceSharedBlock) gives every beam its own fresh block at that
// position.
type Sequence struct {
	SlotID    int
	NTokens   int
	BeamWidth int
	Blocks    [][]*block.Block // Blocks[beam][position]

	// loraTaskID and requestKey pin the admission identity; releases
	// that present a different request are rejected as caller bugs
	// before anything is filed under the wrong keys.
	loraTaskID   block.LoraTaskID
	requestKey   *uuid.UUID
	reuseEnabled bool

	// ctxKeys holds the block keys covering the full-block prefix of the
	// prompt, one per context-block position, computed once at
	// AddSequence time. Positions at or beyond len(ctxKeys) (a partial
	// final prompt block, generation blocks) are never filed into the
	// reuse trie.
	ctxKeys []block.Key

	// Capacity-policy state: window bound, pinned sink prefix, and
	// the next in-place overwrite position once the chain has wrapped.
	maxBlocksPerSeq int
	sinkBlocks      int
	cyclicNext      int // next post-sink logical block position to overwrite
}

// BlockCount returns the number of blocks held per beam (identical
// across beams by construction).
func (s *Sequence) BlockCount() int {
	if len(s.Blocks) == 0 {
		return 0
	}
	return len(s.Blocks[0])
}

// blockAt returns the block at the given beam and position.
func (s *Sequence) blockAt(beam, pos int) *block.Block {
	return s.Blocks[beam][pos]
}

// setBlockAt replaces the block reference at (beam, pos) — used on beam
// divergence.
func (s *Sequence) setBlockAt(beam, pos int, blk *block.Block) {
	s.Blocks[beam][pos] = blk
}

// appendShared appends the same block to every beam's chain (used for
// context blocks and any generation block allocated while beams have
// not yet diverged).
func (s *Sequence) appendShared(blk *block.Block) {
	for b := range s.Blocks {
		s.Blocks[b] = append(s.Blocks[b], blk)
	}
}

// appendPerBeam appends one (possibly distinct) block per beam; len(blks)
// must equal s.BeamWidth.
func (s *Sequence) appendPerBeam(blks []*block.Block) {
	for b := range s.Blocks {
		s.Blocks[b] = append(s.Blocks[b], blks[b])
	}
}

// popLast removes the last block from every beam's chain and returns
// the removed blocks with their beam-occurrence counts (one entry with
// count BeamWidth if all beams shared that position, up to BeamWidth
// entries of count 1 if they had diverged) — mirroring
// GenerationRequest::removeLastBlock popping from every beam's vector.
func (s *Sequence) popLast() map[*block.Block]int {
	removed := make(map[*block.Block]int)
	for b := range s.Blocks {
		n := len(s.Blocks[b])
		if n == 0 {
			continue
		}
		blk := s.Blocks[b][n-1]
		s.Blocks[b] = s.Blocks[b][:n-1]
		removed[blk]++
	}
	return removed
}

// blocksAt returns the distinct blocks at one chain position with
// their beam-occurrence counts.
func (s *Sequence) blocksAt(pos int) map[*block.Block]int {
	counts := make(map[*block.Block]int)
	for b := range s.Blocks {
		if pos < len(s.Blocks[b]) {
			counts[s.Blocks[b][pos]]++
		}
	}
	return counts
}

// lastBlocks returns the distinct blocks at every beam's final chain
// position, without removing them.
func (s *Sequence) lastBlocks() map[*block.Block]int {
	counts := make(map[*block.Block]int)
	for b := range s.Blocks {
		if n := len(s.Blocks[b]); n > 0 {
			counts[s.Blocks[b][n-1]]++
		}
	}
	return counts
}

// allBlocksOnce returns every distinct block referenced by any beam,
// each listed once regardless of how many beams share it, paired with
// how many beam-occurrences it has (its contribution to ref_count).
func (s *Sequence) allBlocksOnce() map[*block.Block]int {
	counts := make(map[*block.Block]int)
	for _, chain := range s.Blocks {
		for _, blk := range chain {
			counts[blk]++
		}
	}
	return counts
}
