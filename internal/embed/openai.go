package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// OpenAI default configuration
const (
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultOpenAIModel      = "text-embedding-3-small"
	DefaultOpenAIDimensions = 1536
	DefaultOpenAITimeout    = 60 * time.Second
)

// OpenAIConfig holds configuration for the OpenAI embedder.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string

	// BaseURL overrides the API host, for OpenAI-compatible proxies.
	BaseURL string

	// Model is the embedding model name (default: text-embedding-3-small).
	Model string

	// Dimensions overrides the model's native output size, when the
	// model supports the "dimensions" request parameter.
	Dimensions int

	// Timeout bounds a single embedding request.
	Timeout time.Duration
}

// DefaultOpenAIConfig returns default OpenAI embedder configuration.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:    DefaultOpenAIBaseURL,
		Model:      DefaultOpenAIModel,
		Dimensions: DefaultOpenAIDimensions,
		Timeout:    DefaultOpenAITimeout,
	}
}

// OpenAIEmbedder generates embeddings via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *http.Client
	config OpenAIConfig
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(ctx context.Context, cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultOpenAIDimensions
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultOpenAITimeout
	}

	e := &OpenAIEmbedder{
		client: &http.Client{},
		config: cfg,
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if !e.Available(checkCtx) {
		return nil, fmt.Errorf("openai: embeddings endpoint unreachable or API key rejected")
	}

	return e, nil
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	results, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	reqBody := openAIEmbedRequest{
		Model: e.config.Model,
		Input: texts,
	}
	if e.config.Dimensions != DefaultOpenAIDimensions {
		reqBody.Dimensions = e.config.Dimensions
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	result, err := e.doRequest(timeoutCtx, "/embeddings", reqBody)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai: %s", result.Error.Message)
	}

	embeddings := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

func (e *OpenAIEmbedder) doRequest(ctx context.Context, path string, reqBody any) (*openAIEmbedResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK && result.Error == nil {
		return nil, fmt.Errorf("openai embeddings request failed (status %d): %s", resp.StatusCode, string(body))
	}

	return &result, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Available checks whether the API key and endpoint work, by requesting
// a single tiny embedding.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	result, err := e.doRequest(ctx, "/embeddings", openAIEmbedRequest{
		Model: e.config.Model,
		Input: []string{"ping"},
	})
	return err == nil && result.Error == nil
}

// Close releases resources.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}

// SetBatchIndex is a no-op; OpenAI's API has no thermal-throttling
// behavior to schedule around.
func (e *OpenAIEmbedder) SetBatchIndex(_ int) {}

// SetFinalBatch is a no-op, see SetBatchIndex.
func (e *OpenAIEmbedder) SetFinalBatch(_ bool) {}
