// manager.go - KVCacheManager-Fassade
//
// Dieses Modul enthaelt:
// - Manager: Fassade ueber block.Manager + Sequenz-Tabelle
// - New/AllocatePools/Close: Lebenszyklus
// - AddSequence/AddToken/RemoveToken/RemoveSequence: Sequenz-Operationen
// - StoreContextBlocks/FindNewContextBlock: fruehe Trie-Ablage und
//   Disagg-Serving-Unterstuetzung
// - RewindKVCache/AddContextTokens: Token-Bookkeeping ohne Allokation
package kvcache

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kvblock/kvblock/block"
	"github.com/kvblock/kvblock/device"
	"github.com/kvblock/kvblock/trace"
)

// Stats re-exports the block manager's lifetime snapshot under the
// facade's name (get_kv_cache_stats).
type Stats = block.Stats

// Option configures optional collaborators at construction time.
type Option func(*Manager)

// WithTraceSink attaches an observer for block lifecycle events. The
// core itself persists nothing; the sink hangs off the facade and
// never feeds state back in.
func WithTraceSink(sink trace.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithStream overrides the copy stream used for onboard/offload. By
// default AllocatePools wires an in-process stream over the allocated
// pools; tests and embedders with their own device runtime substitute
// one here.
func WithStream(stream block.Stream) Option {
	return func(m *Manager) { m.stream = stream }
}

// Manager is the public facade: a block.Manager, a sequence table
// indexed by slot, and the capacity policies that sit above raw block
// lifecycle — attention window, sink tokens, beam sharing, cross-cache.
//
// Like the block manager it is single-threaded with respect to its own
// state; one lock serialises every entry point. The sequence semaphore
// additionally bounds how many slots are live at once; admission fails
// when it is exhausted instead of waiting.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	blocks    *block.Manager
	pools     *device.Set
	stream    block.Stream
	ownStream interface{ Close() error }

	sequences []*Sequence
	seqSem    *semaphore.Weighted

	sink trace.Sink
	log  *slog.Logger
}

// New validates cfg and builds the facade. Pool storage and the block
// arena are deferred to AllocatePools so the element width (dtype) can
// be late-bound.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		sequences: make([]*Sequence, cfg.MaxSequences),
		seqSem:    semaphore.NewWeighted(int64(cfg.MaxSequences)),
		log:       slog.Default().With("component", "kvcache.Manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AllocatePools binds the element width, allocates both pool arenas,
// and constructs the block manager. Must be called exactly once before
// any per-sequence operation.
func (m *Manager) AllocatePools(elementSize int, useUVM bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks != nil {
		return invariantViolation("pools already allocated")
	}
	if elementSize <= 0 {
		return invalidArgument("element size must be positive, got %d", elementSize)
	}
	cfg := m.cfg.Config
	cfg.ElementSize = elementSize
	pools, err := device.NewSet(cfg, useUVM)
	if err != nil {
		return err
	}
	stream := m.stream
	if stream == nil {
		ips := device.NewInProcessStream(pools)
		stream = ips
		m.ownStream = ips
	}
	blocks, err := block.NewManager(cfg, stream)
	if err != nil {
		pools.Close()
		return err
	}
	if m.sink != nil {
		blocks.SetEventHook(func(kind string, id block.ID) {
			m.sink.Record(trace.Event{Kind: kind, BlockID: int32(id), Slot: -1})
		})
	}
	m.cfg.Config = cfg
	m.pools = pools
	m.blocks = blocks
	m.stream = stream
	m.log.Info("kv cache pools allocated",
		"primary_blocks", cfg.NPrimaryBlocks,
		"secondary_blocks", cfg.NSecondaryBlocks,
		"page_size", block.PageSize(cfg),
		"use_uvm", useUVM)
	return nil
}

// Close releases the stream, the pools, and the trace sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.ownStream != nil {
		err = m.ownStream.Close()
	}
	if m.pools != nil {
		if perr := m.pools.Close(); err == nil {
			err = perr
		}
	}
	if m.sink != nil {
		if serr := m.sink.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// Config returns the facade's configuration, element size included
// once AllocatePools has bound it.
func (m *Manager) Config() Config { return m.cfg }

// Stats returns the lifetime counter snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks == nil {
		return Stats{ToksPerBlock: m.cfg.TokensPerBlock}
	}
	return m.blocks.Stats()
}

// BlockManager exposes the underlying core for introspection
// (debug endpoints, tests); mutation must go through the facade.
func (m *Manager) BlockManager() *block.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks
}

func (m *Manager) ready() error {
	if m.blocks == nil {
		return invalidArgument("pools not allocated; call AllocatePools first")
	}
	return nil
}

func (m *Manager) seqAt(slot int) (*Sequence, error) {
	if slot < 0 || slot >= len(m.sequences) {
		return nil, invalidArgument("slot %d out of range [0, %d)", slot, len(m.sequences))
	}
	seq := m.sequences[slot]
	if seq == nil {
		return nil, invalidArgument("no sequence at slot %d", slot)
	}
	return seq, nil
}

// GetSequence returns the live record at slot.
func (m *Manager) GetSequence(slot int) (*Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqAt(slot)
}

// AddSequence admits a request into slot: it matches the prompt's
// full-block prefix against the reuse trie, claims the hits, allocates
// fresh blocks for the rest of the context, and shares the context
// chain across all beams. req.PrepopulatedPromptLen is set to the
// number of prompt tokens served from cache.
//
// Argument errors are returned before any state changes. On a later
// failure every block the call acquired is released again and the slot
// is left empty (a stale record there has already been released). Trie
// hits claimed before the failure are not re-filed into the trie, and
// the lifetime counters keep the allocations and hits counted before
// it.
func (m *Manager) AddSequence(slot int, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return err
	}
	if req == nil {
		return invalidArgument("nil request")
	}
	inputLen := len(req.UniqueTokens)
	if inputLen < 1 {
		return invalidArgument("input_length must be at least 1, got %d", inputLen)
	}
	if req.BeamWidth < 1 || req.BeamWidth > m.cfg.MaxBeamWidth {
		return invalidArgument("beam_width %d out of range [1, %d]", req.BeamWidth, m.cfg.MaxBeamWidth)
	}
	if slot < 0 || slot >= len(m.sequences) {
		return invalidArgument("slot %d out of range [0, %d)", slot, len(m.sequences))
	}
	if m.sequences[slot] != nil {
		// Overwrite semantics: the stale record's blocks are released
		// without filing (its completion state is unknown).
		if err := m.removeSequenceLocked(slot, nil); err != nil {
			return err
		}
	}
	if !m.seqSem.TryAcquire(1) {
		return capacityExhausted("all %d sequence slots in use", m.cfg.MaxSequences)
	}

	tpb := m.cfg.TokensPerBlock
	nCtxBlocks := ceilDiv(inputLen, tpb)
	maxBlocks := m.maxBlocksPerSeqFor(req, nCtxBlocks)
	reuse := m.reuseEnabledFor(req)
	if nCtxBlocks > maxBlocks {
		// Prompt longer than the attention window: only the windowed
		// tail is materialised and nothing is eligible for reuse.
		nCtxBlocks = maxBlocks
		reuse = false
	}

	var acquired []*block.Block
	rollback := func() {
		for _, blk := range acquired {
			if freed, err := m.blocks.Release(blk); err == nil && freed {
				m.blocks.PlaceFree(blk, nil, nil) //nolint:errcheck
			}
		}
		m.seqSem.Release(1)
	}

	var matched []*block.Block
	if reuse {
		keys := req.blockKeys(tpb)
		for _, hit := range m.blocks.LoadPrefix(keys) {
			var err error
			blk := hit
			if blk.PoolIndex().Secondary {
				if !m.cfg.OnboardBlocks {
					break
				}
				blk, err = m.blocks.Onboard(m.copyCtx(), blk)
			} else {
				err = m.blocks.AcquireReused(blk)
			}
			if err != nil {
				rollback()
				return err
			}
			acquired = append(acquired, blk)
			matched = append(matched, blk)
		}
		m.blocks.NoteReuse(len(matched))
	}

	for i := len(matched); i < nCtxBlocks; i++ {
		blk, err := m.blocks.AllocateFresh()
		if err != nil {
			rollback()
			return err
		}
		acquired = append(acquired, blk)
	}

	seq := &Sequence{
		SlotID:          slot,
		NTokens:         inputLen,
		BeamWidth:       req.BeamWidth,
		Blocks:          make([][]*block.Block, req.BeamWidth),
		loraTaskID:      req.LoraTaskID,
		requestKey:      req.RequestKey,
		reuseEnabled:    reuse,
		maxBlocksPerSeq: maxBlocks,
		sinkBlocks:      SinkBlockCount(m.cfg),
		cyclicNext:      SinkBlockCount(m.cfg),
	}
	if reuse {
		seq.ctxKeys = req.storableKeys(tpb)
	}
	for b := range seq.Blocks {
		seq.Blocks[b] = make([]*block.Block, 0, nCtxBlocks)
	}
	for i, blk := range acquired {
		// Context blocks are shared across beams: one reference per
		// beam-occurrence.
		for extra := 1; extra < req.BeamWidth; extra++ {
			m.blocks.Retain(blk)
		}
		seq.appendShared(blk)
		if (i+1)*tpb <= inputLen {
			m.blocks.MarkFull(blk)
		}
	}

	req.PrepopulatedPromptLen = len(matched) * tpb
	m.sequences[slot] = seq
	m.log.Debug("sequence added",
		"slot", slot,
		"input_length", inputLen,
		"context_blocks", nCtxBlocks,
		"reused_blocks", len(matched),
		"beam_width", req.BeamWidth)
	return nil
}

// reuseEnabledFor reports whether trie reuse applies to req: the
// feature is on, a request key was supplied, and this is a
// self-attention cache (cross caches key by encoder output, which has
// no prefix-sharing story).
func (m *Manager) reuseEnabledFor(req *Request) bool {
	return m.cfg.EnableBlockReuse && req.RequestKey != nil && m.cfg.CacheType == CacheTypeSelf
}

// maxBlocksPerSeqFor returns the per-sequence chain bound. A cross
// cache is bounded by encoder output length (its context), not by the
// attention window.
func (m *Manager) maxBlocksPerSeqFor(req *Request, nCtxBlocks int) int {
	if m.cfg.CacheType == CacheTypeCross {
		return nCtxBlocks
	}
	return MaxBlocksPerSeq(m.cfg)
}

// AddContextTokens advances slot's token count by n without allocating
// — the caller has prefilled those positions into already-held blocks.
func (m *Manager) AddContextTokens(slot, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	if n < 0 {
		return invalidArgument("cannot add %d context tokens", n)
	}
	if seq.NTokens+n > seq.BlockCount()*m.cfg.TokensPerBlock {
		return invalidArgument("context tokens exceed held block capacity")
	}
	seq.NTokens += n
	return nil
}

// AddToken advances slot by one generated token, allocating (or
// cyclically reusing) a block when the new token starts a fresh block
// region. On CapacityExhausted the sequence is not mutated.
func (m *Manager) AddToken(slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	if m.cfg.CacheType == CacheTypeCross {
		// Cross caches do not grow with generation.
		return nil
	}
	tpb := m.cfg.TokensPerBlock
	next := seq.NTokens + 1
	if needed := ceilDiv(next, tpb); needed > seq.BlockCount() {
		if seq.BlockCount() >= seq.maxBlocksPerSeq {
			if (next-1)%tpb == 0 {
				if err := m.cyclicOverwriteLocked(seq); err != nil {
					return err
				}
			}
		} else {
			if err := m.allocateBlockLocked(seq, seq.BeamWidth == 1); err != nil {
				return err
			}
		}
	}
	seq.NTokens = next
	if seq.NTokens%tpb == 0 {
		for blk := range seq.lastBlocks() {
			m.blocks.MarkFull(blk)
		}
	}
	return nil
}

// allocateBlockLocked grows every beam by one block: a single shared
// block when shareAmongBeams, otherwise one fresh block per beam. On
// failure nothing is appended.
func (m *Manager) allocateBlockLocked(seq *Sequence, shareAmongBeams bool) error {
	if shareAmongBeams {
		blk, err := m.blocks.AllocateFresh()
		if err != nil {
			return err
		}
		for extra := 1; extra < seq.BeamWidth; extra++ {
			m.blocks.Retain(blk)
		}
		seq.appendShared(blk)
		m.record(trace.KindAlloc, int32(blk.ID()), seq.SlotID)
		return nil
	}
	blks := make([]*block.Block, 0, seq.BeamWidth)
	for b := 0; b < seq.BeamWidth; b++ {
		blk, err := m.blocks.AllocateFresh()
		if err != nil {
			for _, alloced := range blks {
				if freed, rerr := m.blocks.Release(alloced); rerr == nil && freed {
					m.blocks.PlaceFree(alloced, nil, nil) //nolint:errcheck
				}
			}
			return err
		}
		blks = append(blks, blk)
	}
	seq.appendPerBeam(blks)
	for _, blk := range blks {
		m.record(trace.KindAlloc, int32(blk.ID()), seq.SlotID)
	}
	return nil
}

// cyclicOverwriteLocked reassigns the oldest non-sink block position
// for in-place reuse once a sequence has hit its attention-window
// bound: the chain does not grow, the overwritten block loses its
// reuse value, and sink blocks are never touched.
func (m *Manager) cyclicOverwriteLocked(seq *Sequence) error {
	span := seq.maxBlocksPerSeq - seq.sinkBlocks
	if span <= 0 {
		return invariantViolation("cyclic cache has no non-sink blocks (slot %d)", seq.SlotID)
	}
	pos := seq.cyclicNext
	for blk := range seq.blocksAt(pos) {
		if err := m.blocks.Unlink(blk); err != nil {
			return err
		}
	}
	seq.cyclicNext = seq.sinkBlocks + (pos-seq.sinkBlocks+1)%span
	return nil
}

// ReplaceSharedBlock substitutes beam-private fresh blocks for the
// shared block at blockIdx when beams diverge at a previously shared
// position.
func (m *Manager) ReplaceSharedBlock(slot, blockIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	if blockIdx < 0 || blockIdx >= seq.BlockCount() {
		return invalidArgument("block index %d out of range [0, %d)", blockIdx, seq.BlockCount())
	}
	old := seq.blockAt(0, blockIdx)
	for b := 1; b < seq.BeamWidth; b++ {
		if seq.blockAt(b, blockIdx) != old {
			return invalidArgument("block at index %d is not shared across beams", blockIdx)
		}
	}
	blks := make([]*block.Block, 0, seq.BeamWidth)
	for b := 0; b < seq.BeamWidth; b++ {
		blk, err := m.blocks.AllocateFresh()
		if err != nil {
			for _, alloced := range blks {
				if freed, rerr := m.blocks.Release(alloced); rerr == nil && freed {
					m.blocks.PlaceFree(alloced, nil, nil) //nolint:errcheck
				}
			}
			return err
		}
		blks = append(blks, blk)
	}
	for b := 0; b < seq.BeamWidth; b++ {
		seq.setBlockAt(b, blockIdx, blks[b])
		freed, err := m.blocks.Release(old)
		if err != nil {
			return err
		}
		if freed {
			if _, err := m.blocks.PlaceFree(old, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveToken rolls slot back by one token, releasing the last block
// if the removed token was the only one in it.
func (m *Manager) RemoveToken(slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeTokenLocked(slot)
}

func (m *Manager) removeTokenLocked(slot int) error {
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	if m.cfg.CacheType == CacheTypeCross {
		return nil
	}
	if seq.NTokens <= 0 {
		return invalidArgument("sequence at slot %d has no tokens to remove", slot)
	}
	tpb := m.cfg.TokensPerBlock
	if ceilDiv(seq.NTokens, tpb) > seq.maxBlocksPerSeq {
		// The chain has cyclically wrapped; the overwritten history
		// cannot be restored by rewinding.
		return invalidArgument("cannot remove tokens from a wrapped cyclic sequence")
	}
	wasFull := seq.NTokens%tpb == 0
	seq.NTokens--
	if wasFull {
		// The last block just went from full back to partial.
		for blk := range seq.lastBlocks() {
			if err := m.blocks.Unlink(blk); err != nil {
				return err
			}
		}
	}
	if ceilDiv(seq.NTokens, tpb) < seq.BlockCount() {
		return m.releaseLastBlockLocked(seq)
	}
	return nil
}

// releaseLastBlockLocked drops every beam's final block. The popped
// blocks are never filed into the trie: only blocks that were complete
// at full-release time qualify.
func (m *Manager) releaseLastBlockLocked(seq *Sequence) error {
	for blk, occurrences := range seq.popLast() {
		for i := 0; i < occurrences; i++ {
			freed, err := m.blocks.Release(blk)
			if err != nil {
				return err
			}
			if freed {
				if _, err := m.blocks.PlaceFree(blk, nil, nil); err != nil {
					return err
				}
				m.record(trace.KindRelease, int32(blk.ID()), seq.SlotID)
			}
		}
	}
	return nil
}

// RewindKVCache removes the last n tokens from slot. Rewinding into
// the pinned sink region is rejected before any mutation.
func (m *Manager) RewindKVCache(slot, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	if n < 0 {
		return invalidArgument("cannot rewind %d tokens", n)
	}
	if seq.NTokens-n < 0 {
		return invalidArgument("rewind of %d tokens exceeds sequence length %d", n, seq.NTokens)
	}
	if seq.sinkBlocks > 0 && seq.NTokens-n < seq.sinkBlocks*m.cfg.TokensPerBlock {
		return invalidArgument("rewind crosses the sink block boundary")
	}
	for i := 0; i < n; i++ {
		if err := m.removeTokenLocked(slot); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSequence releases every block slot holds and clears the
// record. When req carries a request key and reuse is on, completed
// context blocks are filed into the trie on their way to the free list
// so later requests with the same prefix hit them.
func (m *Manager) RemoveSequence(slot int, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeSequenceLocked(slot, req)
}

func (m *Manager) removeSequenceLocked(slot int, req *Request) error {
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	storeKeys, err := m.storeKeysFor(seq, req)
	if err != nil {
		return err
	}

	parent := m.blocks.Root()
	storing := storeKeys != nil
	for pos := 0; pos < seq.BlockCount(); pos++ {
		for blk, occurrences := range seq.blocksAt(pos) {
			var key *block.Key
			if storing && pos < len(storeKeys) && blk == seq.blockAt(0, pos) {
				key = &storeKeys[pos]
			}
			freed := false
			for i := 0; i < occurrences; i++ {
				f, err := m.blocks.Release(blk)
				if err != nil {
					return err
				}
				freed = f
			}
			if !freed {
				// Still shared with another taker. The chain stays
				// storable only if this block is itself findable in
				// the trie for the next position's parent link.
				if key != nil && blk.IsLinked() {
					parent = blk
				} else {
					storing = false
				}
				continue
			}
			resident, err := m.blocks.PlaceFree(blk, key, parent)
			if err != nil {
				return err
			}
			m.record(trace.KindRelease, int32(blk.ID()), slot)
			if key != nil {
				if resident != nil {
					parent = resident
				} else {
					storing = false
				}
			}
		}
	}

	m.sequences[slot] = nil
	m.seqSem.Release(1)
	m.log.Debug("sequence removed", "slot", slot, "stored", storing && storeKeys != nil)
	return nil
}

// storeKeysFor resolves which keys a release may file blocks under,
// cross-checking the caller-supplied request against the admission
// record: a different request key, LoRA task, or token prefix means
// the caller is releasing with the wrong request, which is a bug, not
// a recoverable condition.
func (m *Manager) storeKeysFor(seq *Sequence, req *Request) ([]block.Key, error) {
	if req == nil || req.RequestKey == nil || !seq.reuseEnabled {
		return nil, nil
	}
	if seq.requestKey == nil || *req.RequestKey != *seq.requestKey {
		return nil, invariantViolation("release request key does not match admission for slot %d", seq.SlotID)
	}
	if req.LoraTaskID != seq.loraTaskID {
		return nil, invariantViolation("release lora task id does not match admission for slot %d", seq.SlotID)
	}
	keys := req.storableKeys(m.cfg.TokensPerBlock)
	for i := 0; i < len(keys) && i < len(seq.ctxKeys); i++ {
		if !keys[i].Equal(seq.ctxKeys[i]) {
			return nil, invariantViolation("release key mismatch at block %d of slot %d", i, seq.SlotID)
		}
	}
	return keys, nil
}

// StoreContextBlocks files slot's already-full context blocks into the
// trie while the sequence is still running, so other requests sharing
// the prefix reuse them without waiting for completion.
func (m *Manager) StoreContextBlocks(slot int, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	keys, err := m.storeKeysFor(seq, req)
	if err != nil {
		return err
	}
	if keys == nil {
		return nil
	}
	parent := m.blocks.Root()
	for i := 0; i < len(keys) && i < seq.BlockCount(); i++ {
		blk := seq.blockAt(0, i)
		if !blk.IsFull() {
			break
		}
		resident, err := m.blocks.FileInUse(parent, keys[i], blk)
		if err != nil {
			return err
		}
		if resident != blk {
			m.record(trace.KindDiscard, int32(blk.ID()), slot)
		} else {
			m.record(trace.KindStore, int32(blk.ID()), slot)
		}
		parent = resident
	}
	return nil
}

// FindNewContextBlock walks the trie for a hypothetical request and
// returns the index and key of the first block that would not be
// served from cache. A nil key with index == number of keyable blocks
// means the entire keyable prefix is cached.
func (m *Manager) FindNewContextBlock(loraID block.LoraTaskID, tokens []block.UniqueToken) (int, *block.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return 0, nil, err
	}
	keys := keysFor(loraID, tokens, len(tokens)/m.cfg.TokensPerBlock, m.cfg.TokensPerBlock)
	matched := m.blocks.LoadPrefix(keys)
	idx := len(matched)
	if idx >= len(keys) {
		return idx, nil, nil
	}
	return idx, &keys[idx], nil
}

// record forwards an event to the trace sink, if one is attached.
func (m *Manager) record(kind string, blockID int32, slot int) {
	if m.sink != nil {
		m.sink.Record(trace.Event{Kind: kind, BlockID: blockID, Slot: slot})
	}
}

// copyCtx is the context onboard/offload copies run under. The stream
// is not cancellable once an operation is enqueued, so a background
// context is the honest choice.
func (m *Manager) copyCtx() context.Context { return context.Background() }
