package anthropic

// BuildCachedSystemBlocks returns text as a single system block with a cache
// breakpoint. Prompts below the model's minimum cacheable length are sent
// uncached by the API without error.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
