package vision

import (
	"context"

	"github.com/puo-memo/puomemo/internal/domain"
)

// MockClient returns configurable canned analyses for tests.
type MockClient struct {
	ImageResponse *domain.ImageAnalysis
	ImageError    error
	PDFResponse   *domain.PDFAnalysis
	PDFError      error

	ImageCalls int
	PDFCalls   int
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) AnalyzeImage(_ context.Context, _ []byte) (*domain.ImageAnalysis, error) {
	m.ImageCalls++
	if m.ImageError != nil {
		return nil, m.ImageError
	}
	if m.ImageResponse != nil {
		return m.ImageResponse, nil
	}
	return &domain.ImageAnalysis{Description: "mock image analysis"}, nil
}

func (m *MockClient) AnalyzePDF(_ context.Context, _ []byte, _ []string) (*domain.PDFAnalysis, error) {
	m.PDFCalls++
	if m.PDFError != nil {
		return nil, m.PDFError
	}
	if m.PDFResponse != nil {
		return m.PDFResponse, nil
	}
	return &domain.PDFAnalysis{FullText: "[Page 1] mock pdf text"}, nil
}
