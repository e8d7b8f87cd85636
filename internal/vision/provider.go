package vision

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

// NewClient builds the configured vision analyzer. "none" returns nil and
// attachment processors skip visual analysis.
func NewClient(cfg *config.Config) (domain.VisionAnalyzer, error) {
	switch cfg.VisionProvider {
	case ProviderOpenAI:
		if cfg.VisionAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai vision provider")
		}
		httpClient := &http.Client{Timeout: cfg.VisionTimeout}
		return NewOpenAIClient(cfg.VisionAPIKey, cfg.VisionBaseURL, cfg.VisionModel, httpClient), nil

	case ProviderMock:
		return NewMockClient(), nil

	case ProviderNone, "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown vision provider: %s (valid options: openai, mock, none)", cfg.VisionProvider)
	}
}
