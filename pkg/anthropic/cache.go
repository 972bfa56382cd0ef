package anthropic

// BuildCachedSystemBlocks wraps a fixed system prompt in a single block with
// an ephemeral cache breakpoint, so the repeated extraction instructions are
// billed at the cache-read rate after the first call in a lane.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: "5m"},
		},
	}
}
