// manager_test.go - Tests fuer die KV-Cache-Fassade: Referenzszenarien,
// Rundreisen und Randfaelle
package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvblock/kvblock/block"
)

func newTestKV(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		MaxSequences:       8,
		MaxBeamWidth:       2,
		MaxAttentionWindow: 64,
		CacheType:          CacheTypeSelf,
	}
	cfg.NLayers = 2
	cfg.NKVHeads = 2
	cfg.SizePerHead = 4
	cfg.TokensPerBlock = 4
	cfg.NPrimaryBlocks = 8
	cfg.EnableBlockReuse = true
	if mutate != nil {
		mutate(&cfg)
	}
	kv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, kv.AllocatePools(2, false))
	t.Cleanup(func() { kv.Close() })
	return kv
}

func seqTokens(ids ...int32) []block.UniqueToken {
	toks := make([]block.UniqueToken, len(ids))
	for i, id := range ids {
		toks[i] = block.UniqueToken{TokenID: id}
	}
	return toks
}

func rangeTokens(start int32, n int) []block.UniqueToken {
	toks := make([]block.UniqueToken, n)
	for i := range toks {
		toks[i] = block.UniqueToken{TokenID: start + int32(i)}
	}
	return toks
}

func newReq(beam int, toks []block.UniqueToken) *Request {
	req := &Request{UniqueTokens: toks, BeamWidth: beam}
	req.EnsureRequestKey()
	return req
}

// checkBeamInvariant prueft: gleiche Kettenlaenge ueber alle Beams,
// jeder Block referenziert.
func checkBeamInvariant(t *testing.T, seq *Sequence) {
	t.Helper()
	for b := range seq.Blocks {
		require.Len(t, seq.Blocks[b], seq.BlockCount(), "beam %d chain length differs", b)
		for _, blk := range seq.Blocks[b] {
			require.Positive(t, blk.RefCount(), "held block %d must be referenced", blk.ID())
		}
	}
}

func TestAddSequenceColdCache(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req))

	st := kv.Stats()
	assert.Equal(t, 3, st.UsedNumBlocks, "2 full + 1 partial context block")
	assert.Equal(t, uint64(0), st.ReusedBlocks)
	assert.Equal(t, uint64(3), st.AllocNewBlocks)
	assert.Equal(t, 0, req.PrepopulatedPromptLen)

	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	assert.Equal(t, 10, seq.NTokens)
	checkBeamInvariant(t, seq)
}

func TestCompletionStoredAndPrefixHit(t *testing.T) {
	kv := newTestKV(t, nil)

	// Anfrage 1: 10 Tokens, bis Laenge 12 generieren, dann ablegen
	req1 := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req1))
	require.NoError(t, kv.AddToken(0))
	require.NoError(t, kv.AddToken(0))
	require.NoError(t, kv.RemoveSequence(0, req1))

	st := kv.Stats()
	assert.Equal(t, 8, st.FreeNumBlocks, "all blocks free after release")

	primary, _ := kv.BlockManager().FreeListSnapshot()
	require.Len(t, primary, 8)
	assert.True(t, primary[6].InTrie, "stored chain sits at the back of the free list")
	assert.True(t, primary[7].InTrie)

	// Anfrage 2: gleiche ersten 8 Tokens, andere letzte zwei
	toks := append(rangeTokens(0, 8), seqTokens(80, 90)...)
	req2 := newReq(1, toks)
	require.NoError(t, kv.AddSequence(1, req2))

	assert.Equal(t, 8, req2.PrepopulatedPromptLen)
	st = kv.Stats()
	assert.Equal(t, uint64(2), st.ReusedBlocks)
	assert.Equal(t, uint64(4), st.AllocNewBlocks, "one fresh block for the new tail")
	assert.Equal(t, st.AllocTotalBlocks, st.AllocNewBlocks+st.ReusedBlocks)

	// Die wiederverwendeten Bloecke tragen exakt den Prompt-Praefix
	seq, err := kv.GetSequence(1)
	require.NoError(t, err)
	nReused := req2.PrepopulatedPromptLen / 4
	for i := 0; i < nReused; i++ {
		assert.True(t, seq.Blocks[0][i].IsFull())
	}
}

func TestDuplicateFillDiscarded(t *testing.T) {
	kv := newTestKV(t, nil)

	// Erstbefuellung ablegen
	req1 := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req1))
	require.NoError(t, kv.RemoveSequence(0, req1))

	// Anfrage 3 haelt die abgelegten Bloecke exklusiv
	req2 := newReq(1, append(rangeTokens(0, 8), seqTokens(80, 90)...))
	require.NoError(t, kv.AddSequence(1, req2))

	// Eine Doppelbefuellung des gleichen Prompts laeuft parallel durch
	req3 := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(2, req3))
	assert.Equal(t, 0, req3.PrepopulatedPromptLen, "trie entries are exclusive to request 2")

	// Anfrage 2 endet zuerst und legt ihre Bloecke wieder ab
	require.NoError(t, kv.RemoveSequence(1, req2))
	// Die Doppelbefuellung findet beide Plaetze besetzt: der aeltere
	// Bewohner gewinnt, die neuen Bloecke landen vorn in der Freiliste
	require.NoError(t, kv.RemoveSequence(2, req3))

	primary, _ := kv.BlockManager().FreeListSnapshot()
	require.Len(t, primary, 8)
	assert.False(t, primary[0].InTrie, "front entry is unlinked: the partial tail block, with the discarded duplicates right behind it")

	// Der Praefix ist weiterhin genau einmal im Trie
	req4 := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(3, req4))
	assert.Equal(t, 8, req4.PrepopulatedPromptLen)
}

func TestReuseDisabledRoundTrip(t *testing.T) {
	kv := newTestKV(t, func(c *Config) { c.EnableBlockReuse = false })

	before := kv.Stats()
	req := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req))
	require.NoError(t, kv.RemoveSequence(0, req))
	after := kv.Stats()

	// Freie Blockzahl identisch, nur Lebenszeitzaehler wachsen
	assert.Equal(t, before.FreeNumBlocks, after.FreeNumBlocks)
	if diff := cmp.Diff(before, after, cmp.FilterPath(func(p cmp.Path) bool {
		switch p.Last().String() {
		case ".AllocTotalBlocks", ".AllocNewBlocks":
			return true
		}
		return false
	}, cmp.Ignore())); diff != "" {
		t.Errorf("stats changed beyond lifetime counters (-before +after):\n%s", diff)
	}
}

func TestAddRemoveTokenRoundTrip(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req))

	used := kv.Stats().UsedNumBlocks
	require.NoError(t, kv.AddToken(0)) // 11
	require.NoError(t, kv.AddToken(0)) // 12
	assert.Equal(t, used, kv.Stats().UsedNumBlocks)

	require.NoError(t, kv.AddToken(0)) // 13: neuer Block
	assert.Equal(t, used+1, kv.Stats().UsedNumBlocks)

	// remove_token stellt die Blockzahl wieder her
	require.NoError(t, kv.RemoveToken(0))
	assert.Equal(t, used, kv.Stats().UsedNumBlocks)

	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	assert.Equal(t, 12, seq.NTokens)
	assert.Equal(t, 3, seq.BlockCount())
}

func TestReuseNeverCoversWholePrompt(t *testing.T) {
	kv := newTestKV(t, nil)

	// Bei input_length == tokens_per_block ist nichts wiederverwendbar
	req1 := newReq(1, rangeTokens(0, 4))
	require.NoError(t, kv.AddSequence(0, req1))
	require.NoError(t, kv.RemoveSequence(0, req1))

	req2 := newReq(1, rangeTokens(0, 4))
	require.NoError(t, kv.AddSequence(1, req2))
	assert.Equal(t, 0, req2.PrepopulatedPromptLen, "one token must remain to generate")
	assert.Equal(t, uint64(0), kv.Stats().ReusedBlocks)
}

func TestCapacityExhaustedWhenPoolFull(t *testing.T) {
	kv := newTestKV(t, func(c *Config) {
		c.EnableBlockReuse = false
		c.MaxSequences = 16
	})

	for slot := 0; slot < 8; slot++ {
		req := newReq(1, rangeTokens(int32(slot*100), 3))
		require.NoError(t, kv.AddSequence(slot, req))
	}

	// Kein Block mit ref_count == 0 uebrig
	overflow := &Request{UniqueTokens: rangeTokens(900, 3), BeamWidth: 1}
	err := kv.AddSequence(8, overflow)
	var capacity *block.CapacityExhaustedError
	require.ErrorAs(t, err, &capacity)

	// Der Fehlschlag hat keinen Zustand angefasst
	assert.Equal(t, 0, kv.Stats().FreeNumBlocks)

	require.NoError(t, kv.RemoveSequence(7, nil))
	st := kv.Stats()
	require.NoError(t, kv.AddSequence(8, overflow))
	assert.Equal(t, st.AllocNewBlocks+1, kv.Stats().AllocNewBlocks)
}

func TestAllocateBlockFailureLeavesSequenceIntact(t *testing.T) {
	kv := newTestKV(t, func(c *Config) {
		c.EnableBlockReuse = false
		c.NPrimaryBlocks = 2
	})
	req := newReq(1, rangeTokens(0, 8))
	require.NoError(t, kv.AddSequence(0, req))

	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	require.Equal(t, 2, seq.BlockCount())

	// Der neunte Token braeuchte einen dritten Block
	err = kv.AddToken(0)
	var capacity *block.CapacityExhaustedError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, 8, seq.NTokens, "failed growth must not advance the sequence")
	assert.Equal(t, 2, seq.BlockCount())
}

func TestCyclicCacheReusesBlocksInPlace(t *testing.T) {
	kv := newTestKV(t, func(c *Config) { c.MaxAttentionWindow = 8 })
	req := newReq(1, rangeTokens(0, 4))
	require.NoError(t, kv.AddSequence(0, req))
	seq, err := kv.GetSequence(0)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		require.NoError(t, kv.AddToken(0))
	}

	// Die Kette waechst nie ueber max_blocks_per_seq hinaus
	assert.Equal(t, 2, seq.BlockCount())
	assert.Equal(t, 16, seq.NTokens)
	assert.Equal(t, 2, kv.Stats().UsedNumBlocks)
}

func TestCyclicCachePinsSinkBlocks(t *testing.T) {
	kv := newTestKV(t, func(c *Config) {
		c.MaxAttentionWindow = 8
		c.SinkTokenLen = 4
	})
	req := newReq(1, rangeTokens(0, 8))
	require.NoError(t, kv.AddSequence(0, req))
	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	require.Equal(t, 2, seq.BlockCount())

	sink := seq.Blocks[0][0]
	tail := seq.Blocks[0][1]
	require.True(t, sink.IsFull())

	// Ueber die Fenstergrenze generieren: nur der Nicht-Sink-Block
	// wird zyklisch ueberschrieben
	for i := 0; i < 8; i++ {
		require.NoError(t, kv.AddToken(0))
	}
	assert.Same(t, sink, seq.Blocks[0][0], "sink block is never reassigned")
	assert.True(t, sink.IsFull(), "sink block content stays pinned")
	assert.Same(t, tail, seq.Blocks[0][1], "cyclic reuse happens in place")
	assert.Equal(t, 2, seq.BlockCount())
}

func TestBeamSharingAndDivergence(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(2, rangeTokens(0, 6))
	require.NoError(t, kv.AddSequence(0, req))

	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	checkBeamInvariant(t, seq)

	// Kontextbloecke sind beam-uebergreifend geteilt
	require.Equal(t, 2, seq.BlockCount())
	for pos := 0; pos < 2; pos++ {
		assert.Same(t, seq.Blocks[0][pos], seq.Blocks[1][pos])
		assert.Equal(t, int32(2), seq.Blocks[0][pos].RefCount())
		assert.True(t, seq.Blocks[0][pos].IsShared())
	}

	// Generationsbloecke divergieren ab der ersten Allokation
	require.NoError(t, kv.AddToken(0)) // 7
	require.NoError(t, kv.AddToken(0)) // 8
	require.NoError(t, kv.AddToken(0)) // 9: neuer Block pro Beam
	require.Equal(t, 3, seq.BlockCount())
	assert.NotSame(t, seq.Blocks[0][2], seq.Blocks[1][2])
	assert.Equal(t, int32(1), seq.Blocks[0][2].RefCount())
	checkBeamInvariant(t, seq)

	// Nachtraegliche Divergenz an einer geteilten Position
	shared := seq.Blocks[0][1]
	require.True(t, shared.IsShared())
	require.NoError(t, kv.ReplaceSharedBlock(0, 1))
	assert.NotSame(t, seq.Blocks[0][1], seq.Blocks[1][1])
	assert.False(t, shared.IsShared())
	assert.Equal(t, int32(0), shared.RefCount())
	assert.True(t, shared.InFreeList())
	checkBeamInvariant(t, seq)
}

func TestRewindRespectsSinkBoundary(t *testing.T) {
	kv := newTestKV(t, func(c *Config) {
		c.MaxAttentionWindow = 16
		c.SinkTokenLen = 4
	})
	req := newReq(1, rangeTokens(0, 8))
	require.NoError(t, kv.AddSequence(0, req))

	var invalid *block.InvalidArgumentError
	require.ErrorAs(t, kv.RewindKVCache(0, 5), &invalid, "rewind into the sink region")

	require.NoError(t, kv.RewindKVCache(0, 4))
	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	assert.Equal(t, 4, seq.NTokens)
	assert.Equal(t, 1, seq.BlockCount())
}

func TestAddContextTokens(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req))
	seq, err := kv.GetSequence(0)
	require.NoError(t, err)

	// Vorbelegte Positionen im letzten Teil-Block: kein neuer Block
	require.NoError(t, kv.AddContextTokens(0, 2))
	assert.Equal(t, 12, seq.NTokens)
	assert.Equal(t, 3, seq.BlockCount())

	var invalid *block.InvalidArgumentError
	require.ErrorAs(t, kv.AddContextTokens(0, 1), &invalid, "beyond held capacity")
}

func TestStoreContextBlocksEarlyReuse(t *testing.T) {
	kv := newTestKV(t, nil)

	req1 := newReq(1, rangeTokens(0, 8))
	require.NoError(t, kv.AddSequence(0, req1))
	require.NoError(t, kv.StoreContextBlocks(0, req1))

	// Eine zweite Anfrage trifft den Praefix, waehrend Anfrage 1 noch
	// laeuft
	req2 := newReq(1, append(rangeTokens(0, 8), seqTokens(80, 90)...))
	require.NoError(t, kv.AddSequence(1, req2))
	assert.Equal(t, 8, req2.PrepopulatedPromptLen)
	assert.Equal(t, uint64(2), kv.Stats().ReusedBlocks)

	seq1, err := kv.GetSequence(0)
	require.NoError(t, err)
	seq2, err := kv.GetSequence(1)
	require.NoError(t, err)
	for pos := 0; pos < 2; pos++ {
		assert.Same(t, seq1.Blocks[0][pos], seq2.Blocks[0][pos], "prefix blocks are shared, not copied")
		assert.Equal(t, int32(2), seq1.Blocks[0][pos].RefCount())
	}

	require.NoError(t, kv.RemoveSequence(0, req1))
	require.NoError(t, kv.RemoveSequence(1, req2))

	// Nach beiden Freigaben ist der Praefix wieder im Trie
	req3 := newReq(1, append(rangeTokens(0, 8), seqTokens(70, 71)...))
	require.NoError(t, kv.AddSequence(2, req3))
	assert.Equal(t, 8, req3.PrepopulatedPromptLen)
}

func TestOffloadOnboardThroughFacade(t *testing.T) {
	kv := newTestKV(t, func(c *Config) {
		c.NPrimaryBlocks = 4
		c.NSecondaryBlocks = 2
		c.OnboardBlocks = true
	})

	// Wiederverwendbare Kette ablegen
	req1 := newReq(1, rangeTokens(0, 8))
	require.NoError(t, kv.AddSequence(0, req1))
	require.NoError(t, kv.RemoveSequence(0, req1))

	// Druck: eine Anfrage, die alle vier Primaerbloecke braucht —
	// die abgelegte Kette wird in den Sekundaer-Pool verdraengt
	req2 := newReq(1, rangeTokens(1000, 16))
	require.NoError(t, kv.AddSequence(1, req2))
	assert.Equal(t, 2, kv.Stats().FreeNumBlocks, "offloaded chain occupies both secondary slots")
	require.NoError(t, kv.RemoveSequence(1, nil))

	// Praefix-Treffer auf die ausgelagerte Kette: Onboarding holt die
	// Bloecke in den Primaer-Pool zurueck
	req3 := newReq(1, rangeTokens(0, 12))
	require.NoError(t, kv.AddSequence(2, req3))
	assert.Equal(t, 8, req3.PrepopulatedPromptLen)
	assert.Equal(t, uint64(2), kv.Stats().ReusedBlocks)

	seq, err := kv.GetSequence(2)
	require.NoError(t, err)
	for pos := 0; pos < 2; pos++ {
		assert.False(t, seq.Blocks[0][pos].PoolIndex().Secondary, "onboarded blocks reside in primary")
	}
}

func TestRemoveSequenceRejectsForeignRequest(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(1, rangeTokens(0, 8))
	require.NoError(t, kv.AddSequence(0, req))

	// Gleicher Prompt, aber fremder Request-Key: Freigabe mit der
	// falschen Anfrage ist ein Bug, kein Ablagepfad
	stranger := newReq(1, rangeTokens(0, 8))
	var violated *block.InvariantViolationError
	require.ErrorAs(t, kv.RemoveSequence(0, stranger), &violated)

	// Der Zustand ist unangetastet, die richtige Anfrage raeumt auf
	require.NoError(t, kv.RemoveSequence(0, req))
	assert.Equal(t, 8, kv.Stats().FreeNumBlocks)
}

func TestAddSequenceOverwritesStaleSlot(t *testing.T) {
	kv := newTestKV(t, nil)
	req1 := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req1))
	used := kv.Stats().UsedNumBlocks

	req2 := newReq(1, rangeTokens(100, 10))
	require.NoError(t, kv.AddSequence(0, req2))
	assert.Equal(t, used, kv.Stats().UsedNumBlocks, "stale record's blocks were released")

	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	assert.Equal(t, 10, seq.NTokens)
}

func TestInvalidArguments(t *testing.T) {
	kv := newTestKV(t, nil)
	var invalid *block.InvalidArgumentError

	require.ErrorAs(t, kv.AddSequence(-1, newReq(1, rangeTokens(0, 4))), &invalid)
	require.ErrorAs(t, kv.AddSequence(99, newReq(1, rangeTokens(0, 4))), &invalid)
	require.ErrorAs(t, kv.AddSequence(0, newReq(1, nil)), &invalid)
	require.ErrorAs(t, kv.AddSequence(0, newReq(0, rangeTokens(0, 4))), &invalid)
	require.ErrorAs(t, kv.AddSequence(0, newReq(3, rangeTokens(0, 4))), &invalid, "beam_width above max")

	require.ErrorAs(t, kv.AddToken(5), &invalid, "unknown slot")
	require.ErrorAs(t, kv.RemoveSequence(5, nil), &invalid)
	require.ErrorAs(t, kv.RemoveToken(5), &invalid)
}

func TestOperationsRequireAllocatedPools(t *testing.T) {
	cfg := Config{MaxSequences: 2, MaxBeamWidth: 1, MaxAttentionWindow: 16, CacheType: CacheTypeSelf}
	cfg.NLayers = 1
	cfg.NKVHeads = 1
	cfg.SizePerHead = 4
	cfg.TokensPerBlock = 4
	cfg.NPrimaryBlocks = 2
	kv, err := New(cfg)
	require.NoError(t, err)

	var invalid *block.InvalidArgumentError
	require.ErrorAs(t, kv.AddSequence(0, newReq(1, rangeTokens(0, 4))), &invalid)

	require.NoError(t, kv.AllocatePools(2, false))
	require.NoError(t, kv.AddSequence(0, newReq(1, rangeTokens(0, 4))))

	var violated *block.InvariantViolationError
	require.ErrorAs(t, kv.AllocatePools(2, false), &violated, "double allocation")
	require.NoError(t, kv.Close())
}

func TestFindNewContextBlock(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req))
	require.NoError(t, kv.RemoveSequence(0, req))

	// Die ersten beiden Bloecke sind im Cache, der dritte nicht
	idx, key, err := kv.FindNewContextBlock(0, rangeTokens(0, 12))
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	require.NotNil(t, key)
	assert.Equal(t, block.UniqueToken{TokenID: 8}, key.UniqueTokens[0])

	// Vollstaendig gecachter Praefix
	idx, key, err = kv.FindNewContextBlock(0, rangeTokens(0, 8))
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.Nil(t, key)

	// Anderer LoRA-Task: kein Treffer
	idx, key, err = kv.FindNewContextBlock(7, rangeTokens(0, 12))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	require.NotNil(t, key)
}

func TestCrossCacheIgnoresGenerationOps(t *testing.T) {
	kv := newTestKV(t, func(c *Config) {
		c.CacheType = CacheTypeCross
		c.MaxAttentionWindow = 0
	})
	req := newReq(1, rangeTokens(0, 8))
	require.NoError(t, kv.AddSequence(0, req))

	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	require.Equal(t, 2, seq.BlockCount())

	// Generationsgetriebene Operationen sind fuer den Cross-Cache No-ops
	require.NoError(t, kv.AddToken(0))
	require.NoError(t, kv.RemoveToken(0))
	assert.Equal(t, 8, seq.NTokens)
	assert.Equal(t, 2, seq.BlockCount())
}

func TestSchedulingProbes(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req))

	kv.StartScheduling()
	assert.True(t, kv.SchedulingHasFreeBlocks(5))
	assert.False(t, kv.SchedulingHasFreeBlocks(6))

	require.NoError(t, kv.SchedulingRemoveSequence(0))
	assert.True(t, kv.SchedulingHasFreeBlocks(8), "hypothetically freeing the sequence yields all blocks")
	assert.Equal(t, 3, kv.Stats().UsedNumBlocks, "real state untouched")

	kv.StartScheduling()
	assert.False(t, kv.SchedulingHasFreeBlocks(6), "new round resynchronises")
}

func TestNeededBlocksEstimates(t *testing.T) {
	kv := newTestKV(t, nil)

	req := &Request{UniqueTokens: rangeTokens(0, 10), BeamWidth: 1, MaxNewTokens: 6}
	assert.Equal(t, 3, kv.GetNeededBlocksOneStep(req, false), "11 tokens fit in 3 blocks")
	assert.Equal(t, 3, kv.GetNeededBlocksOneStep(req, true))
	assert.Equal(t, 4, kv.GetRemainingBlocksToCompletion(req), "16 tokens fill 4 blocks")

	beamReq := &Request{UniqueTokens: rangeTokens(0, 10), BeamWidth: 2, MaxNewTokens: 6}
	assert.Equal(t, 4, kv.GetNeededBlocksOneStep(beamReq, false))
	assert.Equal(t, 5, kv.GetRemainingBlocksToCompletion(beamReq), "3 shared context + 1 generation block per beam")

	assert.Equal(t, 0, kv.GetNeededBlocksOneStep(nil, false))
}

func TestCopyBlockOffsets(t *testing.T) {
	kv := newTestKV(t, nil)
	req := newReq(1, rangeTokens(0, 10))
	require.NoError(t, kv.AddSequence(0, req))

	stride := kv.OffsetStride()
	require.Equal(t, 16, stride)

	out := make([]CacheIndex, stride)
	n, err := kv.CopyBlockOffsets(out, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	seq, err := kv.GetSequence(0)
	require.NoError(t, err)
	for p, blk := range seq.Blocks[0] {
		assert.Equal(t, blk.PoolIndex().Slot, out[p].Slot())
		assert.False(t, out[p].Secondary())
	}

	// Zu kleiner Ausgabe-Tensor
	var invalid *block.InvalidArgumentError
	_, err = kv.CopyBlockOffsets(make([]CacheIndex, stride-1), 0, 0, 1)
	require.ErrorAs(t, err, &invalid)
}

func TestGetBlockOffsetsOfBatch(t *testing.T) {
	kv := newTestKV(t, nil)
	require.NoError(t, kv.AddSequence(0, newReq(1, rangeTokens(0, 10))))
	require.NoError(t, kv.AddSequence(1, newReq(1, rangeTokens(100, 5))))

	stride := kv.OffsetStride()
	out := make([]CacheIndex, 2*stride)
	n, err := kv.GetBlockOffsetsOfBatch(out, 0, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "widest sequence in the batch")

	seq1, err := kv.GetSequence(1)
	require.NoError(t, err)
	assert.Equal(t, seq1.Blocks[0][0].PoolIndex().Slot, out[stride].Slot())
}

func TestGetBlockPoolPointers(t *testing.T) {
	kv := newTestKV(t, func(c *Config) { c.NSecondaryBlocks = 2; c.OnboardBlocks = true })
	primary, secondary, err := kv.GetBlockPoolPointers()
	require.NoError(t, err)
	pageSize := block.PageSize(kv.Config().Config)
	assert.Len(t, primary, int(pageSize)*8)
	assert.Len(t, secondary, int(pageSize)*2)
}
