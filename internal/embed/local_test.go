package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLocalServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(localHealthResponse{Status: "healthy", ModelStatus: "loaded"})
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(localModelsResponse{
			Models: map[string]localModelInfo{"small": {Dimensions: dims}},
		})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		var req localEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec := make([]float64, dims)
		for i := range vec {
			vec[i] = float64(len(req.Text)+i) / float64(dims)
		}
		_ = json.NewEncoder(w).Encode(localEmbedResponse{Embedding: vec})
	})
	mux.HandleFunc("/embed_batch", func(w http.ResponseWriter, r *http.Request) {
		var req localEmbedBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		embeddings := make([][]float64, len(req.Texts))
		for i, text := range req.Texts {
			vec := make([]float64, dims)
			for j := range vec {
				vec[j] = float64(len(text)+j) / float64(dims)
			}
			embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(localEmbedBatchResponse{Embeddings: embeddings})
	})
	return httptest.NewServer(mux)
}

func TestNewLocalEmbedder_HealthCheckFails_ReturnsError(t *testing.T) {
	_, err := NewLocalEmbedder(context.Background(), LocalConfig{Endpoint: "http://localhost:1"})
	require.Error(t, err)
}

func TestNewLocalEmbedder_SkipHealthCheck(t *testing.T) {
	e, err := NewLocalEmbedder(context.Background(), LocalConfig{
		Endpoint:        "http://localhost:1",
		Model:           "small",
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, LocalSmallDimensions, e.Dimensions())
	assert.Equal(t, "local-small", e.ModelName())
}

func TestNewLocalEmbedder_FetchesDimensionsFromServer(t *testing.T) {
	server := fakeLocalServer(t, 8)
	defer server.Close()

	e, err := NewLocalEmbedder(context.Background(), LocalConfig{Endpoint: server.URL, Model: "small"})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 8, e.Dimensions())
}

func TestLocalEmbedder_EmbedBatch(t *testing.T) {
	server := fakeLocalServer(t, 8)
	defer server.Close()

	e, err := NewLocalEmbedder(context.Background(), LocalConfig{Endpoint: server.URL, Model: "small"})
	require.NoError(t, err)
	defer e.Close()

	results, err := e.EmbedBatch(context.Background(), []string{"hello", "world two"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0], 8)
	assert.NotEqual(t, results[0], results[1])
}

func TestLocalEmbedder_Embed_Single(t *testing.T) {
	server := fakeLocalServer(t, 8)
	defer server.Close()

	e, err := NewLocalEmbedder(context.Background(), LocalConfig{Endpoint: server.URL, Model: "small"})
	require.NoError(t, err)
	defer e.Close()

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
}

func TestLocalEmbedder_Available(t *testing.T) {
	server := fakeLocalServer(t, 8)
	defer server.Close()

	e, err := NewLocalEmbedder(context.Background(), LocalConfig{Endpoint: server.URL, Model: "small"})
	require.NoError(t, err)
	defer e.Close()

	assert.True(t, e.Available(context.Background()))
	require.NoError(t, e.Close())
	assert.False(t, e.Available(context.Background()))
}

func TestNewLocalEmbedder_ViaFactoryFallback(t *testing.T) {
	ctx := context.Background()
	embedder, err := newLocal(ctx, "")
	require.NoError(t, err)
	defer embedder.Close()
	assert.Equal(t, "static768", embedder.ModelName())
}
