package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scrypster/memento/pkg/types"
)

// OpenAIProvider calls OpenAI's embeddings API. Supports
// text-embedding-3-small (1536d), text-embedding-3-large (3072d), and
// text-embedding-ada-002 (1536d).
type OpenAIProvider struct {
	apiKey     string
	model      string
	endpoint   string // defaults to https://api.openai.com/v1/embeddings
	dimensions int
	client     *http.Client
}

// OpenAIOption configures the OpenAI provider.
type OpenAIOption func(*OpenAIProvider)

// WithEndpoint sets a custom API endpoint (e.g. for proxies).
func WithEndpoint(endpoint string) OpenAIOption {
	return func(p *OpenAIProvider) { p.endpoint = endpoint }
}

// WithDimensions overrides the output dimension. Only the v3 models
// honor it server-side.
func WithDimensions(dims int) OpenAIOption {
	return func(p *OpenAIProvider) { p.dimensions = dims }
}

// WithHTTPClient swaps the HTTP client, used by tests.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = client }
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(apiKey, model string, opts ...OpenAIOption) *OpenAIProvider {
	dims := 1536
	if model == "text-embedding-3-large" {
		dims = 3072
	}
	p := &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		endpoint:   "https://api.openai.com/v1/embeddings",
		dimensions: dims,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Kind() string    { return "openai" }
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data  []openAIEmbedData `json:"data"`
	Usage openAIUsage       `json:"usage"`
	Error *openAIError      `json:"error,omitempty"`
}

type openAIEmbedData struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed generates vector embeddings for a batch of texts.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, types.EmbeddingUsage, error) {
	var usage types.EmbeddingUsage
	if len(texts) == 0 {
		return nil, usage, nil
	}

	reqBody := openAIEmbedRequest{Input: texts, Model: p.model}
	// ada-002 rejects an explicit dimensions field
	if p.model != "text-embedding-ada-002" {
		reqBody.Dimensions = p.dimensions
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, usage, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, usage, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, usage, &types.ErrProviderUnavailable{Provider: "openai", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, usage, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("openai embeddings API returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, usage, &types.ErrProviderUnavailable{Provider: "openai", Err: err}
		}
		return nil, usage, err
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, usage, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, usage, fmt.Errorf("openai error: %s (%s)", result.Error.Message, result.Error.Type)
	}

	usage.PromptTokens = result.Usage.PromptTokens
	usage.TotalTokens = result.Usage.TotalTokens

	// Reorder by index
	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(vectors) {
			vec := make([]float32, len(d.Embedding))
			for i, f := range d.Embedding {
				vec[i] = float32(f)
			}
			vectors[d.Index] = vec
		}
	}
	return vectors, usage, nil
}

// HealthCheck verifies the API key by embedding a test string.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, _, err := p.Embed(ctx, []string{"health check"})
	return err
}
