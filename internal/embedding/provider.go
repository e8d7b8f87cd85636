package embedding

import (
	"fmt"
	"net/http"

	"github.com/puo-memo/puomemo/internal/config"
	"github.com/puo-memo/puomemo/internal/domain"
)

const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
	ProviderNone   = "none"
)

// NewClient builds the configured embedder. "none" returns nil: the service
// then creates memories without embeddings and hybrid search degrades to
// keyword.
func NewClient(cfg *config.Config) (domain.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case ProviderOpenAI:
		if cfg.EmbeddingAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai embedding provider")
		}
		httpClient := &http.Client{Timeout: cfg.EmbedderTimeout}
		return NewOpenAIClient(cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim, httpClient), nil

	case ProviderMock:
		return NewMockClient(cfg.EmbeddingDim), nil

	case ProviderNone, "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (valid options: openai, mock, none)", cfg.EmbeddingProvider)
	}
}
