package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// KnowledgeSearcher retrieves context text from a knowledge base.
type KnowledgeSearcher interface {
	Search(ctx context.Context, knowledgeBaseID, query string, topK int) (string, error)
}

// KnowledgeServiceClient calls the knowledge-base search endpoint.
type KnowledgeServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewKnowledgeServiceClient returns a client for the knowledge service at baseURL.
func NewKnowledgeServiceClient(baseURL string, timeout time.Duration) *KnowledgeServiceClient {
	return &KnowledgeServiceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Content  string         `json:"content"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"results"`
}

// Search runs a retrieval query and joins the hits into one context block,
// each prefixed by a source marker.
func (c *KnowledgeServiceClient) Search(ctx context.Context, knowledgeBaseID, query string, topK int) (string, error) {
	payload, err := json.Marshal(searchRequest{Query: query, TopK: topK})
	if err != nil {
		return "", fmt.Errorf("encode search request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/knowledge/%s/search", c.baseURL, url.PathEscape(knowledgeBaseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("knowledge search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("knowledge search returned status %d", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode knowledge response: %w", err)
	}

	sections := make([]string, 0, len(result.Results))
	for i, r := range result.Results {
		header := fmt.Sprintf("[Source %d", i+1)
		if name, _ := r.Metadata["fileName"].(string); name != "" {
			header += " - " + name
		}
		sections = append(sections, header+"]\n"+r.Content)
	}
	return strings.Join(sections, "\n\n"), nil
}
