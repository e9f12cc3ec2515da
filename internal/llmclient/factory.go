// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// ProviderGemini is the only provider with a computer use tool wired in.
const ProviderGemini = "gemini"

// NewClient creates the model collaborator named by cfg.Provider.
func NewClient(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (schemas.ModelClient, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		client, err := NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown or unsupported model provider configured: '%s'. Supported: [%s]", cfg.Provider, ProviderGemini)
	}
}
