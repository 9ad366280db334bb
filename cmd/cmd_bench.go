// cmd_bench.go - Eingebaute Szenarien gegen einen In-Memory-Manager
// Hauptfunktionen: BenchHandler
package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kvblock/kvblock/block"
	"github.com/kvblock/kvblock/kvcache"
)

func benchConfig() kvcache.Config {
	cfg := kvcache.Config{
		MaxSequences:       16,
		MaxBeamWidth:       1,
		MaxAttentionWindow: 64,
		CacheType:          kvcache.CacheTypeSelf,
	}
	cfg.NLayers = 2
	cfg.NKVHeads = 2
	cfg.SizePerHead = 8
	cfg.TokensPerBlock = 4
	cfg.NPrimaryBlocks = 8
	cfg.EnableBlockReuse = true
	return cfg
}

func benchTokens(ids ...int32) []block.UniqueToken {
	toks := make([]block.UniqueToken, len(ids))
	for i, id := range ids {
		toks[i] = block.UniqueToken{TokenID: id}
	}
	return toks
}

// BenchHandler - Fuehrt die Referenz-Szenarien aus und druckt die Ergebnisse
func BenchHandler(_ *cobra.Command, _ []string) error {
	kv, err := kvcache.New(benchConfig())
	if err != nil {
		return err
	}
	if err := kv.AllocatePools(2, false); err != nil {
		return err
	}
	defer kv.Close()

	var data [][]string
	row := func(scenario, observed string) {
		data = append(data, []string{scenario, observed})
	}

	// Erste Anfrage: 10 Tokens, kalter Cache
	req1 := &kvcache.Request{UniqueTokens: benchTokens(0, 1, 2, 3, 4, 5, 6, 7, 8, 9), BeamWidth: 1}
	req1.EnsureRequestKey()
	if err := kv.AddSequence(0, req1); err != nil {
		return err
	}
	st := kv.Stats()
	row("first request (10 tokens)", fmt.Sprintf("used=%d reused=%d prepopulated=%d", st.UsedNumBlocks, st.ReusedBlocks, req1.PrepopulatedPromptLen))

	// Zur Laenge 12 generieren, dann freigeben und ablegen
	if err := kv.AddToken(0); err != nil {
		return err
	}
	if err := kv.AddToken(0); err != nil {
		return err
	}
	if err := kv.RemoveSequence(0, req1); err != nil {
		return err
	}
	st = kv.Stats()
	row("completion stored", fmt.Sprintf("free=%d", st.FreeNumBlocks))

	// Prefix-Treffer: gleiche ersten 8 Tokens, neue letzte zwei
	req2 := &kvcache.Request{UniqueTokens: benchTokens(0, 1, 2, 3, 4, 5, 6, 7, 80, 90), BeamWidth: 1}
	req2.EnsureRequestKey()
	if err := kv.AddSequence(1, req2); err != nil {
		return err
	}
	st = kv.Stats()
	row("prefix hit", fmt.Sprintf("prepopulated=%d reused=%d alloc_new=%d", req2.PrepopulatedPromptLen, st.ReusedBlocks, st.AllocNewBlocks))
	if err := kv.RemoveSequence(1, req2); err != nil {
		return err
	}

	// Druck: Pool komplett belegen, neunte Allokation schlaegt fehl
	var held []*kvcache.Request
	slot := 0
	for ; slot < 8; slot++ {
		req := &kvcache.Request{UniqueTokens: benchTokens(int32(100 + slot), int32(200 + slot), int32(300 + slot)), BeamWidth: 1}
		if err := kv.AddSequence(slot, req); err != nil {
			break
		}
		held = append(held, req)
	}
	overflow := &kvcache.Request{UniqueTokens: benchTokens(900, 901, 902), BeamWidth: 1}
	err = kv.AddSequence(slot, overflow)
	row("eviction under pressure", fmt.Sprintf("held=%d ninth=%v", len(held), err))
	for i := range held {
		if err := kv.RemoveSequence(i, nil); err != nil {
			return err
		}
	}

	st = kv.Stats()
	row("final stats", fmt.Sprintf("total=%d new=%d reused=%d free=%d", st.AllocTotalBlocks, st.AllocNewBlocks, st.ReusedBlocks, st.FreeNumBlocks))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"SCENARIO", "RESULT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
