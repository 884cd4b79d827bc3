package openai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gcsruntime/gcs/internal/llm"
)

// tokenCounter estimates token counts when the provider response omits usage
// fields. It prefers the model's tiktoken encoding and falls back to a
// character heuristic when the encoding is unavailable (e.g. offline).
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (tc *tokenCounter) encoding(model string) *tiktoken.Tiktoken {
	tc.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err == nil {
			tc.enc = enc
		}
	})
	return tc.enc
}

// count returns the token count of text.
func (tc *tokenCounter) count(model, text string) int {
	if enc := tc.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// countMessages approximates the prompt size of a message list, including a
// small per-message framing overhead.
func (tc *tokenCounter) countMessages(model string, messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += tc.count(model, m.Content) + 4
		for _, call := range m.ToolCalls {
			total += tc.count(model, call.Name)
			total += tc.count(model, string(call.Arguments))
		}
	}
	return total
}

// estimateTokens estimates token count using character-based heuristics.
// CJK Unified Ideographs (U+4E00–U+9FFF): ~2 chars/token.
// ASCII and other characters: ~4 chars/token.
// Precision ±20–30%, sufficient for accounting fallback.
func estimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	return cjk/2 + other/4 + 1
}
