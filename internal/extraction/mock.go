package extraction

import (
	"context"

	"github.com/puo-memo/puomemo/internal/domain"
)

// MockClient is a configurable extractor for testing. Set the response
// fields to control what Extract returns.
type MockClient struct {
	ExtractResponse *domain.ExtractionResult
	ExtractError    error

	ExtractCalls []string
}

func NewMockClient() *MockClient {
	return &MockClient{
		ExtractResponse: &domain.ExtractionResult{
			Entities:  []domain.ExtractedEntity{},
			Relations: []domain.ExtractedRelation{},
		},
	}
}

func (c *MockClient) Extract(_ context.Context, text string) (*domain.ExtractionResult, error) {
	c.ExtractCalls = append(c.ExtractCalls, text)
	if c.ExtractError != nil {
		return nil, c.ExtractError
	}
	return c.ExtractResponse, nil
}
