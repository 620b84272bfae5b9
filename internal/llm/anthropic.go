package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/maha0525/saiverse/internal/config"
	"github.com/maha0525/saiverse/internal/errs"
)

// anthropicClient is a minimal REST client for the Anthropic messages API.
// The provider has no idiomatic Go SDK in the reference stack, so (matching
// the reference repo's own llms.AnthropicProvider) this talks to the HTTP
// API directly instead of adding a third-party dependency for one endpoint.
type anthropicClient struct {
	consumeOnce
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	pricing Pricing
}

func NewAnthropic(cfg *config.ModelConfig) Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	return &anthropicClient{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: base,
		http:    &http.Client{Timeout: 120 * time.Second},
		pricing: Pricing{InputPer1M: cfg.InputCostPer1M, OutputPer1M: cfg.OutputCostPer1M},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string              `json:"model"`
	Messages    []anthropicMessage  `json:"messages"`
	System      string              `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   anthropicUsage          `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func splitSystem(msgs []Message) (system string, rest []anthropicMessage) {
	for _, m := range msgs {
		if m.Role == "system" {
			system += m.Content + "\n"
			continue
		}
		rest = append(rest, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return system, rest
}

func (c *anthropicClient) do(ctx context.Context, req *Request) (*anthropicResponse, error) {
	system, msgs := splitSystem(req.Messages)
	maxTokens := 4096

	body, err := json.Marshal(anthropicRequest{
		Model:       c.model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &errs.LLMError{Cause: err, UserMessage: "Anthropicへの接続に失敗しました"}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.LLMError{Cause: err, UserMessage: "応答の読み取りに失敗しました"}
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &errs.LLMError{Cause: err, UserMessage: "応答の解析に失敗しました"}
	}
	if out.Error != nil {
		return nil, &errs.LLMError{Cause: fmt.Errorf("%s", out.Error.Message), UserMessage: "Anthropicがエラーを返しました"}
	}
	return &out, nil
}

func (c *anthropicClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	u := Usage{
		ModelID:      c.model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CachedTokens: resp.Usage.CacheReadInputTokens,
	}
	u.CostUSD = CostOf(c.pricing, u.InputTokens, u.CachedTokens, resp.Usage.CacheCreationInputTokens, u.OutputTokens)
	c.setUsage(u)

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Response{Kind: ResponseText, Content: text}, nil
}

func (c *anthropicClient) GenerateStream(ctx context.Context, req *Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		resp, err := c.Generate(ctx, req)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		yield(StreamChunk{Content: resp.Content}, nil)
	}
}

func (c *anthropicClient) Close() error { return nil }
