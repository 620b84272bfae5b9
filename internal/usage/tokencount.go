package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// FallbackCounter estimates token counts with a real BPE tokenizer rather
// than a character heuristic. The context builder's own CJK-aware estimate
// governs the token-budget check (§4.5.6) and must not be replaced, but a
// provider adapter that doesn't report usage on a given call (some
// streaming transports omit it) needs something better than "zero tokens
// billed" for the usage log. Grounded on the teacher's pkg/utils/tokens.go.
type FallbackCounter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewFallbackCounter builds an empty, ready-to-use counter.
func NewFallbackCounter() *FallbackCounter {
	return &FallbackCounter{cache: map[string]*tiktoken.Tiktoken{}}
}

func (f *FallbackCounter) encodingFor(modelID string) *tiktoken.Tiktoken {
	f.mu.RLock()
	enc, ok := f.cache[modelID]
	f.mu.RUnlock()
	if ok {
		return enc
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if enc, ok := f.cache[modelID]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(modelID)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	f.cache[modelID] = enc
	return enc
}

// Count returns text's token length under modelID's encoding, falling back
// to a 4-chars-per-token estimate when no encoding can be loaded at all
// (e.g. an offline test run with no bundled BPE ranks).
func (f *FallbackCounter) Count(modelID, text string) int {
	if text == "" {
		return 0
	}
	enc := f.encodingFor(modelID)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage builds a Usage-shaped estimate for a call whose client
// didn't report real accounting, from the raw prompt and completion text.
func (f *FallbackCounter) EstimateUsage(modelID, promptText, completionText string) (inputTokens, outputTokens int) {
	return f.Count(modelID, promptText), f.Count(modelID, completionText)
}
