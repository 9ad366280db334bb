// offsets.go - Offset-Export fuer Kernel-Konsum
//
// Dieses Modul enthaelt:
// - CacheIndex: kompakter (Pool, Slot)-Wert (kv_cache_index)
// - GetBlockPoolPointers: Basiszeiger beider Pools
// - CopyBlockOffsets / GetBlockOffsetsOfBatch: Offset-Tabellen
package kvcache

import "github.com/kvblock/kvblock/block"

// CacheIndex is the compact kv_cache_index value attention kernels
// consume: a pool slot with the top bit marking secondary residency.
type CacheIndex uint32

const secondaryBit CacheIndex = 1 << 31

func packCacheIndex(idx block.PoolIndex) CacheIndex {
	v := CacheIndex(uint32(idx.Slot))
	if idx.Secondary {
		v |= secondaryBit
	}
	return v
}

// Secondary reports whether the index addresses the secondary pool.
func (c CacheIndex) Secondary() bool { return c&secondaryBit != 0 }

// Slot returns the slot within the addressed pool.
func (c CacheIndex) Slot() int32 { return int32(c &^ secondaryBit) }

// GetBlockPoolPointers returns the raw backing memory of the primary
// and secondary pools. Secondary is nil when no secondary pool is
// configured.
func (m *Manager) GetBlockPoolPointers() (primary, secondary []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools == nil {
		return nil, nil, invalidArgument("pools not allocated; call AllocatePools first")
	}
	primary, secondary = m.pools.Bases()
	return primary, secondary, nil
}

// offsetStrideLocked is the per-beam row width of an offset table: the
// attention-window block bound for a self cache, or the widest live
// chain for a cross cache (which has no window-derived bound).
func (m *Manager) offsetStrideLocked() int {
	if m.cfg.CacheType == CacheTypeSelf {
		return MaxBlocksPerSeq(m.cfg)
	}
	stride := 0
	for _, seq := range m.sequences {
		if seq != nil && seq.BlockCount() > stride {
			stride = seq.BlockCount()
		}
	}
	return stride
}

// OffsetStride returns the per-beam row width callers must size their
// offset tensors with.
func (m *Manager) OffsetStride() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsetStrideLocked()
}

// CopyBlockOffsets writes slot's per-beam block indices into out at
// batch row outSlotOffset. The layout is row-major
// [batch][beamWidth][stride]; it returns the maximum block count
// written across beams.
func (m *Manager) CopyBlockOffsets(out []CacheIndex, outSlotOffset, slot, beamWidth int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyBlockOffsetsLocked(out, outSlotOffset, slot, beamWidth)
}

func (m *Manager) copyBlockOffsetsLocked(out []CacheIndex, outSlotOffset, slot, beamWidth int) (int, error) {
	seq, err := m.seqAt(slot)
	if err != nil {
		return 0, err
	}
	if beamWidth < 1 || beamWidth > seq.BeamWidth {
		return 0, invalidArgument("beam_width %d out of range [1, %d]", beamWidth, seq.BeamWidth)
	}
	stride := m.offsetStrideLocked()
	base := outSlotOffset * beamWidth * stride
	if base < 0 || base+beamWidth*stride > len(out) {
		return 0, invalidArgument("offset tensor too small: need %d entries, have %d", base+beamWidth*stride, len(out))
	}
	maxBlocks := 0
	for b := 0; b < beamWidth; b++ {
		chain := seq.Blocks[b]
		if len(chain) > stride {
			return 0, invariantViolation("slot %d beam %d holds %d blocks, stride is %d", slot, b, len(chain), stride)
		}
		if len(chain) > maxBlocks {
			maxBlocks = len(chain)
		}
		row := base + b*stride
		for p, blk := range chain {
			out[row+p] = packCacheIndex(blk.PoolIndex())
		}
	}
	return maxBlocks, nil
}

// GetBlockOffsetsOfBatch batches CopyBlockOffsets over batchSize
// consecutive slots starting at firstSlot and returns the maximum
// block count written across the whole batch.
func (m *Manager) GetBlockOffsetsOfBatch(out []CacheIndex, firstSlot, batchSize, beamWidth int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxBlocks := 0
	for i := 0; i < batchSize; i++ {
		n, err := m.copyBlockOffsetsLocked(out, i, firstSlot+i, beamWidth)
		if err != nil {
			return 0, err
		}
		if n > maxBlocks {
			maxBlocks = n
		}
	}
	return maxBlocks, nil
}
