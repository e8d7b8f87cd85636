// Package vision analyzes images and PDFs through a multimodal chat model.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/puo-memo/puomemo/internal/domain"
)

const imagePrompt = `Analyze this image and respond with ONLY a JSON object:
{
  "description": "<one-paragraph description>",
  "extracted_text": "<any visible text, verbatim, or empty>",
  "image_type": "<screenshot|diagram|photo|chart|document|other>",
  "entities": ["<names of people, products, or technologies visible>"],
  "technical_details": {}
}
No prose outside the JSON.`

const pdfPrompt = `Extract the content of this PDF page by page. Respond with ONLY a JSON object:
{
  "page_analyses": [
    {"page": 1, "text": "<full text of the page>", "used_vision": <true when the page needed visual interpretation>, "description": "<only for visual pages>"}
  ],
  "entities": ["<names of people, products, or technologies mentioned>"]
}
%s
No prose outside the JSON.`

// OpenAIClient talks to a vision-capable chat completion endpoint.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenAIClient(apiKey, baseURL, model string, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}
}

// contentPart is one element of a multimodal message: text, an inline image,
// or an inline file.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
	File     *filePart `json:"file,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.UpstreamUnavailable("vision", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read vision response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", domain.UpstreamUnavailable("vision",
			fmt.Errorf("vision API returned status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal vision response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("vision API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("vision API returned no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func stripFences(s string) string {
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func (c *OpenAIClient) AnalyzeImage(ctx context.Context, data []byte) (*domain.ImageAnalysis, error) {
	mime := http.DetectContentType(data)
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)

	raw, err := c.complete(ctx, []chatMessage{{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: imagePrompt},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("analyze image: %w", err)
	}

	var analysis domain.ImageAnalysis
	if err := json.Unmarshal([]byte(stripFences(raw)), &analysis); err != nil {
		return nil, fmt.Errorf("parse image analysis: %w", err)
	}
	return &analysis, nil
}

func (c *OpenAIClient) AnalyzePDF(ctx context.Context, data []byte, hints []string) (*domain.PDFAnalysis, error) {
	hintText := ""
	if len(hints) > 0 {
		hintText = "Pay particular attention to: " + strings.Join(hints, "; ") + "."
	}
	dataURL := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data)

	raw, err := c.complete(ctx, []chatMessage{{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: fmt.Sprintf(pdfPrompt, hintText)},
			{Type: "file", File: &filePart{Filename: "document.pdf", FileData: dataURL}},
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("analyze pdf: %w", err)
	}

	var analysis domain.PDFAnalysis
	if err := json.Unmarshal([]byte(stripFences(raw)), &analysis); err != nil {
		return nil, fmt.Errorf("parse pdf analysis: %w", err)
	}

	var blocks []string
	for _, p := range analysis.PageAnalyses {
		blocks = append(blocks, fmt.Sprintf("[Page %d] %s", p.Page, p.Text))
	}
	analysis.FullText = strings.Join(blocks, "\n\n")
	return &analysis, nil
}
