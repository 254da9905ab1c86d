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

// Cohere default configuration
const (
	DefaultCohereBaseURL    = "https://api.cohere.com/v1"
	DefaultCohereModel      = "embed-english-v3.0"
	DefaultCohereDimensions = 1024
	DefaultCohereTimeout    = 60 * time.Second
	cohereInputType         = "search_document"
)

// CohereConfig holds configuration for the Cohere embedder.
type CohereConfig struct {
	// APIKey authenticates against the Cohere API. Required.
	APIKey string

	// BaseURL overrides the API host.
	BaseURL string

	// Model is the embedding model name (default: embed-english-v3.0).
	Model string

	// Dimensions is the model's known output size, used to validate
	// responses; Cohere does not accept a dimensions request parameter.
	Dimensions int

	// Timeout bounds a single embedding request.
	Timeout time.Duration
}

// DefaultCohereConfig returns default Cohere embedder configuration.
func DefaultCohereConfig() CohereConfig {
	return CohereConfig{
		BaseURL:    DefaultCohereBaseURL,
		Model:      DefaultCohereModel,
		Dimensions: DefaultCohereDimensions,
		Timeout:    DefaultCohereTimeout,
	}
}

// CohereEmbedder generates embeddings via the Cohere embed API.
type CohereEmbedder struct {
	client *http.Client
	config CohereConfig
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*CohereEmbedder)(nil)

// NewCohereEmbedder creates a new Cohere embedder.
func NewCohereEmbedder(ctx context.Context, cfg CohereConfig) (*CohereEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCohereBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultCohereModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultCohereDimensions
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultCohereTimeout
	}

	e := &CohereEmbedder{
		client: &http.Client{},
		config: cfg,
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if !e.Available(checkCtx) {
		return nil, fmt.Errorf("cohere: embed endpoint unreachable or API key rejected")
	}

	return e, nil
}

type cohereEmbedRequest struct {
	Model     string   `json:"model"`
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Message    string      `json:"message,omitempty"`
}

// Embed generates an embedding for a single text.
func (e *CohereEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	results, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *CohereEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	result, err := e.doRequest(timeoutCtx, cohereEmbedRequest{
		Model:     e.config.Model,
		Texts:     texts,
		InputType: cohereInputType,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("cohere: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	return result.Embeddings, nil
}

func (e *CohereEmbedder) doRequest(ctx context.Context, reqBody cohereEmbedRequest) (*cohereEmbedResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result cohereEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		msg := result.Message
		if msg == "" {
			msg = string(body)
		}
		return nil, fmt.Errorf("cohere embed request failed (status %d): %s", resp.StatusCode, msg)
	}

	return &result, nil
}

// Dimensions returns the embedding dimension.
func (e *CohereEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *CohereEmbedder) ModelName() string {
	return e.config.Model
}

// Available checks whether the API key and endpoint work, by requesting
// a single tiny embedding.
func (e *CohereEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	_, err := e.doRequest(ctx, cohereEmbedRequest{
		Model:     e.config.Model,
		Texts:     []string{"ping"},
		InputType: cohereInputType,
	})
	return err == nil
}

// Close releases resources.
func (e *CohereEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}

// SetBatchIndex is a no-op; Cohere's API has no thermal-throttling
// behavior to schedule around.
func (e *CohereEmbedder) SetBatchIndex(_ int) {}

// SetFinalBatch is a no-op, see SetBatchIndex.
func (e *CohereEmbedder) SetFinalBatch(_ bool) {}
