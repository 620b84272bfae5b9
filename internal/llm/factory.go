package llm

import (
	"context"
	"fmt"

	"github.com/maha0525/saiverse/internal/config"
	"github.com/maha0525/saiverse/internal/errs"
)

// New builds the provider-specific Client for a model configuration.
func New(ctx context.Context, cfg *config.ModelConfig) (Client, error) {
	if cfg == nil {
		return nil, &errs.Configuration{Key: "model", Reason: "nil model config"}
	}
	switch cfg.Provider {
	case config.ModelProviderAnthropic:
		return NewAnthropic(cfg), nil
	case config.ModelProviderOpenAI:
		return NewOpenAI(cfg), nil
	case config.ModelProviderGemini:
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}
