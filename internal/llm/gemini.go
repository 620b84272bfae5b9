package llm

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/maha0525/saiverse/internal/config"
)

// geminiClient implements Client against the official genai SDK.
type geminiClient struct {
	consumeOnce
	client  *genai.Client
	model   string
	pricing Pricing
}

// NewGemini builds a Client for a Gemini model config.
func NewGemini(ctx context.Context, cfg *config.ModelConfig) (Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &geminiClient{
		client: c,
		model:  cfg.Model,
		pricing: Pricing{
			InputPer1M:  cfg.InputCostPer1M,
			OutputPer1M: cfg.OutputCostPer1M,
		},
	}, nil
}

func toGeminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return out
}

func (c *geminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, toGeminiContents(req.Messages), &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	})
	if err != nil {
		return nil, err
	}

	if resp.UsageMetadata != nil {
		u := Usage{
			ModelID:      c.model,
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
		u.CostUSD = CostOf(c.pricing, u.InputTokens, 0, 0, u.OutputTokens)
		c.setUsage(u)
	}

	text := resp.Text()
	return &Response{Kind: ResponseText, Content: text}, nil
}

func (c *geminiClient) GenerateStream(ctx context.Context, req *Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, toGeminiContents(req.Messages), &genai.GenerateContentConfig{
			Temperature: genai.Ptr(float32(req.Temperature)),
		}) {
			if err != nil {
				yield(StreamChunk{}, err)
				return
			}
			if resp.UsageMetadata != nil {
				u := Usage{
					ModelID:      c.model,
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
				u.CostUSD = CostOf(c.pricing, u.InputTokens, 0, 0, u.OutputTokens)
				c.setUsage(u)
			}
			if !yield(StreamChunk{Content: resp.Text()}, nil) {
				return
			}
		}
	}
}

func (c *geminiClient) Close() error { return nil }
