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

// openAIClient is a minimal REST client for the chat completions API,
// mirroring anthropicClient: no SDK dependency in the reference stack for
// this provider, so the call goes over net/http directly.
type openAIClient struct {
	consumeOnce
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	pricing Pricing
}

func NewOpenAI(cfg *config.ModelConfig) Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &openAIClient{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: base,
		http:    &http.Client{Timeout: 120 * time.Second},
		pricing: Pricing{InputPer1M: cfg.InputCostPer1M, OutputPer1M: cfg.OutputCostPer1M},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(openAIRequest{Model: c.model, Messages: msgs, Temperature: req.Temperature})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &errs.LLMError{Cause: err, UserMessage: "OpenAIへの接続に失敗しました"}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.LLMError{Cause: err, UserMessage: "応答の読み取りに失敗しました"}
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &errs.LLMError{Cause: err, UserMessage: "応答の解析に失敗しました"}
	}
	if out.Error != nil {
		return nil, &errs.LLMError{Cause: fmt.Errorf("%s", out.Error.Message), UserMessage: "OpenAIがエラーを返しました"}
	}

	u := Usage{
		ModelID:      c.model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		CachedTokens: out.Usage.PromptTokensDetails.CachedTokens,
	}
	u.CostUSD = CostOf(c.pricing, u.InputTokens, u.CachedTokens, 0, u.OutputTokens)
	c.setUsage(u)

	var text string
	if len(out.Choices) > 0 {
		text = out.Choices[0].Message.Content
	}
	return &Response{Kind: ResponseText, Content: text}, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, req *Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		resp, err := c.Generate(ctx, req)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		yield(StreamChunk{Content: resp.Content}, nil)
	}
}

func (c *openAIClient) Close() error { return nil }
