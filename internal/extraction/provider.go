package extraction

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

// NewClient builds the configured extractor. "none" returns nil and memories
// keep entities_extracted=false.
func NewClient(cfg *config.Config) (domain.Extractor, error) {
	switch cfg.ExtractorProvider {
	case ProviderOpenAI:
		if cfg.ExtractorAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai extractor provider")
		}
		httpClient := &http.Client{Timeout: cfg.ExtractorTimeout}
		return NewOpenAIClient(cfg.ExtractorAPIKey, cfg.ExtractorBaseURL, cfg.ExtractorModel, httpClient), nil

	case ProviderMock:
		return NewMockClient(), nil

	case ProviderNone, "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown extractor provider: %s (valid options: openai, mock, none)", cfg.ExtractorProvider)
	}
}
