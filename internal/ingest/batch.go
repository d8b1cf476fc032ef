package ingest

import (
	"math"
	"strings"
)

// CharsPerToken is R in est(t) = ceil(len(t)/R) * 1.1 (§4.6).
const CharsPerToken = 3.0

// JSONLikeUplift is applied when text looks structural (braces/brackets),
// since tokenizers split those sequences less efficiently per character.
const JSONLikeUplift = 1.3

// DefaultMaxTokensPerBatch sits safely under a provider's hard limit
// (e.g. 120,000) per §4.6.
const DefaultMaxTokensPerBatch = 100_000

// EstimateTokens implements est(t) = ceil(len(t)/R) * 1.1, with a further
// 30% uplift when the text is JSON-like.
func EstimateTokens(text string) float64 {
	base := math.Ceil(float64(len([]rune(text))) / CharsPerToken) * 1.1
	if looksJSONLike(text) {
		base *= JSONLikeUplift
	}
	return base
}

// looksJSONLike detects structural characters dense enough to suggest
// serialized data rather than prose.
func looksJSONLike(text string) bool {
	if len(text) == 0 {
		return false
	}
	var structural int
	for _, r := range text {
		switch r {
		case '{', '}', '[', ']', '"', ':':
			structural++
		}
	}
	return float64(structural)/float64(len([]rune(text))) > 0.05
}

// textItem pairs a batchable unit of text with the indices it was built
// from, so the resulting embeddings can be mapped back to points.
type textItem struct {
	text string
	// chunkIndex identifies the parent chunk; subIndex distinguishes the
	// sub-chunks a too-large chunk was split into (§4.6 step 4).
	chunkIndex int
	subIndex   int
}

// batch is a token-bounded group of textItems to embed together.
type batch struct {
	items  []textItem
	tokens float64
}

// buildBatches groups items into token-bounded batches (§4.6 step 4): start
// a new batch when adding the next item would exceed maxTokens. An item
// whose own estimate exceeds maxTokens is assumed pre-split by the caller
// (splitOversized) and is placed alone in its own batch.
func buildBatches(items []textItem, maxTokens float64) []batch {
	var batches []batch
	var cur batch
	for _, it := range items {
		est := EstimateTokens(it.text)
		if est > maxTokens {
			if len(cur.items) > 0 {
				batches = append(batches, cur)
				cur = batch{}
			}
			batches = append(batches, batch{items: []textItem{it}, tokens: est})
			continue
		}
		if len(cur.items) > 0 && cur.tokens+est > maxTokens {
			batches = append(batches, cur)
			cur = batch{}
		}
		cur.items = append(cur.items, it)
		cur.tokens += est
	}
	if len(cur.items) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// splitOversized splits a chunk's text along message boundaries (the
// "ROLE: content\n\n" separators emitted by the chunker) into sub-chunks
// that individually fit under maxTokens, when the whole chunk estimate
// exceeds it (§4.6 step 4).
func splitOversized(chunkIndex int, text string, maxTokens float64) []textItem {
	if EstimateTokens(text) <= maxTokens {
		return []textItem{{text: text, chunkIndex: chunkIndex}}
	}

	segments := strings.Split(text, "\n\n")
	var out []textItem
	var cur strings.Builder
	var curTokens float64
	sub := 0

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		out = append(out, textItem{text: cur.String(), chunkIndex: chunkIndex, subIndex: sub})
		sub++
		cur.Reset()
		curTokens = 0
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		segText := seg + "\n\n"
		est := EstimateTokens(segText)
		if curTokens > 0 && curTokens+est > maxTokens {
			flush()
		}
		cur.WriteString(segText)
		curTokens += est
	}
	flush()

	if len(out) == 0 {
		// No non-empty segment: keep the text whole. (A single message that
		// alone exceeds the budget is not handled here: it becomes its own
		// over-budget sub-chunk above, left to the provider-level splitter.)
		return []textItem{{text: text, chunkIndex: chunkIndex}}
	}
	return out
}
