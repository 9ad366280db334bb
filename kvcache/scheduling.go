// scheduling.go - Was-waere-wenn-Admission-Sonden fuer den Scheduler
//
// Dieses Modul enthaelt:
// - StartScheduling: Schattenzaehler zuruecksetzen
// - SchedulingRemoveSequence: hypothetische Freigabe einer Sequenz
// - SchedulingHasFreeBlocks: Kapazitaetssonde
// - GetNeededBlocksOneStep / GetRemainingBlocksToCompletion:
//   Blockbedarf-Schaetzungen fuer Admission-Entscheidungen
//
// Keine dieser Operationen beruehrt Pools, Trie oder Freilisten; sie
// rechnen ausschliesslich gegen scheduling_ref_count.
package kvcache

// StartScheduling resets every block's scheduling shadow counter to
// its real reference count, opening a fresh what-if round. Lifetime
// stats are untouched.
func (m *Manager) StartScheduling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks == nil {
		return
	}
	m.blocks.StartScheduling()
}

// SchedulingRemoveSequence releases slot's blocks against the shadow
// counters only: "how many blocks would freeing this sequence yield"
// without mutating real state.
func (m *Manager) SchedulingRemoveSequence(slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, err := m.seqAt(slot)
	if err != nil {
		return err
	}
	for blk, occurrences := range seq.allBlocksOnce() {
		for i := 0; i < occurrences; i++ {
			m.blocks.SchedulingRelease(blk)
		}
	}
	return nil
}

// SchedulingHasFreeBlocks reports whether the current what-if state
// has at least n primary blocks free.
func (m *Manager) SchedulingHasFreeBlocks(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks == nil {
		return false
	}
	return m.blocks.SchedulingHasFreeBlocks(n)
}

// GetNeededBlocksOneStep estimates how many blocks admitting req and
// advancing it one generation step costs: the windowed context blocks
// plus, for beam search, the per-beam generation blocks that replace
// the shared tail once beams diverge. twoStepLookahead budgets one
// extra generated token, for schedulers that admit a step ahead.
func (m *Manager) GetNeededBlocksOneStep(req *Request, twoStepLookahead bool) int {
	if req == nil || len(req.UniqueTokens) == 0 {
		return 0
	}
	steps := 1
	if twoStepLookahead {
		steps = 2
	}
	tpb := m.cfg.TokensPerBlock
	tokens := len(req.UniqueTokens) + steps
	blocks := ceilDiv(tokens, tpb)
	if m.cfg.CacheType == CacheTypeSelf {
		if bound := MaxBlocksPerSeq(m.cfg); blocks > bound {
			blocks = bound
		}
	}
	if req.BeamWidth > 1 {
		blocks += req.BeamWidth - 1
	}
	return blocks
}

// GetRemainingBlocksToCompletion estimates the total block budget req
// needs from admission to its final token: shared context blocks plus
// per-beam generation blocks, capped at the attention-window bound.
func (m *Manager) GetRemainingBlocksToCompletion(req *Request) int {
	if req == nil || len(req.UniqueTokens) == 0 {
		return 0
	}
	tpb := m.cfg.TokensPerBlock
	contextBlocks := ceilDiv(len(req.UniqueTokens), tpb)
	totalBlocks := ceilDiv(len(req.UniqueTokens)+req.MaxNewTokens, tpb)
	if m.cfg.CacheType == CacheTypeSelf {
		if bound := MaxBlocksPerSeq(m.cfg); totalBlocks > bound {
			totalBlocks = bound
		}
	}
	if contextBlocks > totalBlocks {
		contextBlocks = totalBlocks
	}
	genBlocks := totalBlocks - contextBlocks
	beams := req.BeamWidth
	if beams < 1 {
		beams = 1
	}
	return contextBlocks + genBlocks*beams
}
