package llm

import "sync"

// consumeOnce holds the state backing the Consume* accessors shared by
// every provider adapter: each field is cleared by its own getter so a
// second call after the generation that produced it returns nothing.
type consumeOnce struct {
	mu sync.Mutex

	usage       Usage
	hasUsage    bool
	reasoning       string
	hasReasoning    bool
	reasoningDetail map[string]any
	hasDetail       bool
	toolCall        *ToolCall
	hasToolCall     bool
}

func (c *consumeOnce) setUsage(u Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage, c.hasUsage = u, true
}

func (c *consumeOnce) ConsumeUsage() (Usage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasUsage {
		return Usage{}, false
	}
	u := c.usage
	c.hasUsage = false
	return u, true
}

func (c *consumeOnce) setReasoning(text string, detail map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasoning, c.hasReasoning = text, text != ""
	c.reasoningDetail, c.hasDetail = detail, detail != nil
}

func (c *consumeOnce) ConsumeReasoning() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasReasoning {
		return "", false
	}
	s := c.reasoning
	c.hasReasoning = false
	return s, true
}

func (c *consumeOnce) ConsumeReasoningDetails() (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasDetail {
		return nil, false
	}
	d := c.reasoningDetail
	c.hasDetail = false
	return d, true
}

func (c *consumeOnce) setToolDetection(tc *ToolCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolCall, c.hasToolCall = tc, tc != nil
}

func (c *consumeOnce) ConsumeToolDetection() (*ToolCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasToolCall {
		return nil, false
	}
	tc := c.toolCall
	c.hasToolCall = false
	return tc, true
}

// Pricing carries the per-1M-token rates used by CostOf. Fields left at
// zero price that portion of usage at 0, per the "unknown pricing ⇒ 0"
// rule.
type Pricing struct {
	InputPer1M      float64
	OutputPer1M     float64
	CachedPer1M     float64
	CacheWritePer1M float64
}

// CostOf computes the USD cost of one call's usage under a pricing table.
// Non-cached input tokens are total input minus cached minus cache-write,
// matching the accounting rule: cost = non_cached*input + cached*cached +
// cache_write*cache_write + output*output, all per-1M-token rates.
func CostOf(p Pricing, totalInput, cached, cacheWrite, output int) float64 {
	nonCached := totalInput - cached - cacheWrite
	if nonCached < 0 {
		nonCached = 0
	}
	cost := float64(nonCached)*p.InputPer1M/1_000_000 +
		float64(cached)*p.CachedPer1M/1_000_000 +
		float64(cacheWrite)*p.CacheWritePer1M/1_000_000 +
		float64(output)*p.OutputPer1M/1_000_000
	return cost
}
