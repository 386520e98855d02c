package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CompletionRequest is what the llm node sends to the language-model service.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// LLMClient produces a text completion for a prompt.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// AIServiceClient calls the platform AI service chat endpoint.
type AIServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAIServiceClient returns a client for the AI service at baseURL.
func NewAIServiceClient(baseURL string, timeout time.Duration) *AIServiceClient {
	return &AIServiceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Message      string  `json:"message"`
	SystemPrompt string  `json:"systemPrompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
}

// Complete posts the prompt to /api/ai/chat and returns the response text.
// The service answers with "response" or "message"; anything else is
// returned as the raw body.
func (c *AIServiceClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Message:      req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ai/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ai service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ai service response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ai service returned status %d", resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body), nil
	}
	if text, ok := decoded["response"].(string); ok && text != "" {
		return text, nil
	}
	if text, ok := decoded["message"].(string); ok && text != "" {
		return text, nil
	}
	return string(body), nil
}
