package ingest

// ParsedChunk is one chunk produced by SplitText. Positions and
// TokenCount are in runes: the token estimator is rune length, stable
// for CJK-heavy text.
type ParsedChunk struct {
	Idx        int
	Text       string
	StartPos   int
	EndPos     int
	TokenCount int
}

func estimateTokens(runes []rune) int {
	return len(runes)
}

// SplitText is the sliding-window chunker: windows of
// chunkSizeTokens with chunkOverlapTokens overlap, merging any trailing
// segment shorter than minChunkTokens into the previous chunk.
func SplitText(text string, chunkSizeTokens, chunkOverlapTokens, minChunkTokens int) []ParsedChunk {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	length := len(runes)
	if length <= chunkSizeTokens {
		return []ParsedChunk{{Idx: 1, Text: text, StartPos: 0, EndPos: length, TokenCount: estimateTokens(runes)}}
	}

	var chunks []ParsedChunk
	start := 0
	idx := 1
	for start < length {
		end := start + chunkSizeTokens
		if end > length {
			end = length
		}
		segment := runes[start:end]
		tokenCount := estimateTokens(segment)

		if tokenCount < minChunkTokens && len(chunks) > 0 {
			prev := chunks[len(chunks)-1]
			mergedRunes := append([]rune(prev.Text), segment...)
			chunks[len(chunks)-1] = ParsedChunk{
				Idx: prev.Idx, Text: string(mergedRunes), StartPos: prev.StartPos, EndPos: end,
				TokenCount: estimateTokens(mergedRunes),
			}
			break
		}

		chunks = append(chunks, ParsedChunk{
			Idx: idx, Text: string(segment), StartPos: start, EndPos: end, TokenCount: tokenCount,
		})
		idx++

		if end == length {
			break
		}
		start = end - chunkOverlapTokens
		if start < 0 {
			start = 0
		}
		if start == end {
			start = end + 1
		}
	}

	return chunks
}
