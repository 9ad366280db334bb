// sizes.go - Pool- und Seitengroessenrechnung
// Hauptfunktionen: PageSize, CacheSizePerToken, CalculateMaxNumBlocks
package block

// Config is the construction-time, immutable shape of the block
// manager: the parameters that decide pool and page sizing. Policy
// parameters that live above the block layer (attention window, sink
// tokens, beam width) belong to kvcache.Config instead — this one
// mirrors only the sizing parameters the block manager itself
// needs.
type Config struct {
	NLayers       int
	NKVHeads      int
	SizePerHead   int
	TokensPerBlock int

	NPrimaryBlocks   int
	NSecondaryBlocks int

	// ElementSize is the byte width of one stored KV element (e.g. 2 for
	// fp16/bf16, 4 for fp32). Late-bound, matching allocate_pools(dtype)
	// being deferred from construction.
	ElementSize int

	EnableBlockReuse bool
	OnboardBlocks    bool
}

// Validate checks the structural bounds a constructor must enforce
// before any pool is allocated.
func (c Config) Validate() error {
	if c.TokensPerBlock <= 0 {
		return newInvalidArgument("tokens_per_block must be positive, got %d", c.TokensPerBlock)
	}
	if c.NLayers <= 0 || c.NKVHeads <= 0 || c.SizePerHead <= 0 {
		return newInvalidArgument("n_layers, n_kv_heads and size_per_head must be positive")
	}
	if c.NPrimaryBlocks <= 0 {
		return newInvalidArgument("n_primary_blocks must be positive, got %d", c.NPrimaryBlocks)
	}
	if c.NSecondaryBlocks < 0 {
		return newInvalidArgument("n_secondary_blocks must not be negative, got %d", c.NSecondaryBlocks)
	}
	return nil
}

// PageSize returns the byte footprint of one block across all layers:
// 2 (key + value) * n_kv_heads * tokens_per_block * size_per_head *
// n_layers * element_size. This is the exact formula the original
// calculatePageSize uses, generalised from one layer's contribution to
// the full per-block volume calculate_max_num_blocks needs.
func PageSize(cfg Config) int64 {
	perLayer := cacheSizePerTokenPerLayer(cfg) * int64(cfg.TokensPerBlock)
	return perLayer * int64(cfg.NLayers)
}

// CacheSizePerToken returns the per-token byte volume across
// pipeline-parallelism-adjusted layers, the exact formula
// calculateCacheSizePerToken uses:
// numAttentionLayers(pp) * 2 * n_kv_heads * size_per_head * element_size.
func CacheSizePerToken(cfg Config, pipelineParallelism int) int64 {
	if pipelineParallelism <= 0 {
		pipelineParallelism = 1
	}
	layers := cfg.NLayers / pipelineParallelism
	if layers == 0 {
		layers = 1
	}
	return int64(layers) * cacheSizePerTokenPerLayer(cfg)
}

func cacheSizePerTokenPerLayer(cfg Config) int64 {
	return 2 * int64(cfg.NKVHeads) * int64(cfg.SizePerHead) * int64(cfg.ElementSize)
}

// CalculateMaxNumBlocks sizes a pool from a memory budget: given a byte
// budget (e.g. free device memory reported by the caller's buffer
// manager) it returns how many primary blocks fit. The caller is
// responsible for reserving headroom; this function performs no
// reservation of its own.
func CalculateMaxNumBlocks(cfg Config, availableBytes int64) int {
	ps := PageSize(cfg)
	if ps <= 0 {
		return 0
	}
	n := availableBytes / ps
	if n < 0 {
		return 0
	}
	return int(n)
}
