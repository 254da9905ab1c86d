package embed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderOpenAI uses the OpenAI embeddings API
	ProviderOpenAI ProviderType = "openai"

	// ProviderCohere uses the Cohere embed API
	ProviderCohere ProviderType = "cohere"

	// ProviderOllama uses Ollama for embeddings (local daemon, no API key)
	ProviderOllama ProviderType = "ollama"

	// ProviderLocal uses an on-device embedding server (e.g. MLX), falling
	// back to the deterministic hash-based embedder when none is reachable
	ProviderLocal ProviderType = "local"
)

// NewEmbedder creates an embedder based on provider type.
//
// The PAMPAX_EMBEDDER environment variable, when set, selects the
// provider explicitly and fails loudly rather than falling back if that
// provider cannot be reached. Otherwise, when provider is "" (auto),
// NewEmbedder tries each provider with usable credentials/reachability
// in order OpenAI -> Cohere -> Ollama -> Local, logging which one was
// selected.
//
// Query embedding caching is enabled by default. Set
// PAMPAX_EMBED_CACHE=false to disable it.
func NewEmbedder(ctx context.Context, provider ProviderType, model string) (Embedder, error) {
	var embedder Embedder
	var err error

	envProvider := ProviderType(strings.ToLower(os.Getenv("PAMPAX_EMBEDDER")))
	explicitSelection := envProvider != ""
	selected := provider
	if explicitSelection {
		selected = envProvider
	}

	switch {
	case explicitSelection:
		embedder, err = newProvider(ctx, selected, model)
	case selected != "":
		embedder, err = newProvider(ctx, selected, model)
	default:
		embedder, err = autoSelect(ctx, model)
	}

	if err != nil {
		return nil, err
	}

	if !isCacheDisabled() {
		embedder = NewCachedEmbedderWithDefaults(embedder)
	}

	return embedder, nil
}

// newProvider constructs a single named provider with no fallback.
func newProvider(ctx context.Context, provider ProviderType, model string) (Embedder, error) {
	switch provider {
	case ProviderOpenAI:
		return newOpenAI(ctx, model)
	case ProviderCohere:
		return newCohere(ctx, model)
	case ProviderOllama:
		return newOllama(ctx, model)
	case ProviderLocal:
		return newLocal(ctx, model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}
}

// autoSelect tries each provider in the order OpenAI -> Cohere -> Ollama
// -> Local, using the first one whose credentials/endpoint check out,
// and logs the selection.
func autoSelect(ctx context.Context, model string) (Embedder, error) {
	order := []ProviderType{ProviderOpenAI, ProviderCohere, ProviderOllama, ProviderLocal}

	var lastErr error
	for _, p := range order {
		embedder, err := newProvider(ctx, p, model)
		if err != nil {
			lastErr = err
			slog.Debug("embedding_provider_unavailable",
				slog.String("provider", string(p)),
				slog.String("error", err.Error()))
			continue
		}
		slog.Info("embedding_provider_selected", slog.String("provider", string(p)))
		return embedder, nil
	}

	return nil, fmt.Errorf("no embedding provider available: %w", lastErr)
}

func newOpenAI(ctx context.Context, model string) (Embedder, error) {
	apiKey := os.Getenv("PAMPAX_OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key not set (PAMPAX_OPENAI_API_KEY)")
	}
	cfg := DefaultOpenAIConfig()
	cfg.APIKey = apiKey
	if model != "" {
		cfg.Model = model
	}
	if baseURL := os.Getenv("PAMPAX_OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAIEmbedder(ctx, cfg)
}

func newCohere(ctx context.Context, model string) (Embedder, error) {
	apiKey := os.Getenv("PAMPAX_COHERE_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("cohere: API key not set (PAMPAX_COHERE_API_KEY)")
	}
	cfg := DefaultCohereConfig()
	cfg.APIKey = apiKey
	if model != "" {
		cfg.Model = model
	}
	return NewCohereEmbedder(ctx, cfg)
}

func newOllama(ctx context.Context, model string) (Embedder, error) {
	cfg := DefaultOllamaConfig()
	if model != "" && isOllamaModelName(model) {
		cfg.Model = model
	}
	if host := os.Getenv("PAMPAX_OLLAMA_BASE_URL"); host != "" {
		cfg.Host = host
	}
	if timeoutStr := os.Getenv("PAMPAX_OLLAMA_TIMEOUT"); timeoutStr != "" {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil {
			cfg.Timeout = timeout
		}
	}

	applyThermalConfig(&cfg)

	embedder, err := NewOllamaEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ollama unavailable: %w", err)
	}
	return embedder, nil
}

// applyThermalConfig layers the configured thermal management settings
// onto an Ollama config: config file values first, then environment
// variable overrides, each clamped to its maximum.
func applyThermalConfig(cfg *OllamaConfig) {
	if globalThermalConfig.InterBatchDelay > 0 {
		delay := globalThermalConfig.InterBatchDelay
		if delay > MaxInterBatchDelay {
			delay = MaxInterBatchDelay
		}
		cfg.InterBatchDelay = delay
	}
	if globalThermalConfig.TimeoutProgression >= 1.0 {
		progression := globalThermalConfig.TimeoutProgression
		if progression > MaxTimeoutProgression {
			progression = MaxTimeoutProgression
		}
		cfg.TimeoutProgression = progression
	}
	if globalThermalConfig.RetryTimeoutMultiplier >= 1.0 {
		mult := globalThermalConfig.RetryTimeoutMultiplier
		if mult > MaxRetryTimeoutMultiplier {
			mult = MaxRetryTimeoutMultiplier
		}
		cfg.RetryTimeoutMultiplier = mult
	}

	if delayStr := os.Getenv("PAMPAX_INTER_BATCH_DELAY"); delayStr != "" {
		if delay, err := time.ParseDuration(delayStr); err == nil && delay >= 0 {
			if delay > MaxInterBatchDelay {
				delay = MaxInterBatchDelay
			}
			cfg.InterBatchDelay = delay
		}
	}
	if progressionStr := os.Getenv("PAMPAX_TIMEOUT_PROGRESSION"); progressionStr != "" {
		if progression, err := parseFloat64(progressionStr); err == nil && progression >= 1.0 {
			if progression > MaxTimeoutProgression {
				progression = MaxTimeoutProgression
			}
			cfg.TimeoutProgression = progression
		}
	}
	if retryMultStr := os.Getenv("PAMPAX_RETRY_TIMEOUT_MULTIPLIER"); retryMultStr != "" {
		if mult, err := parseFloat64(retryMultStr); err == nil && mult >= 1.0 {
			if mult > MaxRetryTimeoutMultiplier {
				mult = MaxRetryTimeoutMultiplier
			}
			cfg.RetryTimeoutMultiplier = mult
		}
	}
}

// newLocal tries the on-device embedding server, falling back to the
// deterministic hash-based embedder when none is configured or
// reachable. Local never returns an error: it is the provider of last
// resort in the auto-selection chain, and "static fallback" is itself
// a valid Local configuration for offline use.
func newLocal(ctx context.Context, _ string) (Embedder, error) {
	cfg := DefaultLocalConfig()
	if globalLocalConfig.Endpoint != "" {
		cfg.Endpoint = globalLocalConfig.Endpoint
	}
	if globalLocalConfig.Model != "" {
		cfg.Model = globalLocalConfig.Model
	}
	if endpoint := os.Getenv("PAMPAX_LOCAL_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if model := os.Getenv("PAMPAX_LOCAL_MODEL"); model != "" {
		cfg.Model = model
	}

	embedder, err := NewLocalEmbedder(ctx, cfg)
	if err != nil {
		slog.Debug("local_embedding_server_unavailable_falling_back_to_static",
			slog.String("error", err.Error()))
		return NewStaticEmbedder768(), nil
	}
	return embedder, nil
}

// isCacheDisabled checks if embedding cache is disabled via environment.
func isCacheDisabled() bool {
	v := strings.ToLower(os.Getenv("PAMPAX_EMBED_CACHE"))
	return v == "false" || v == "0" || v == "off" || v == "disabled"
}

// ThermalConfig holds thermal management settings loaded from config.yaml.
// These apply to HTTP-based providers that run under sustained load on
// a local GPU (Ollama, the local embedding server).
type ThermalConfig struct {
	InterBatchDelay        time.Duration // Pause between batches for GPU cooling
	TimeoutProgression     float64       // Timeout multiplier for later batches (1.0-3.0)
	RetryTimeoutMultiplier float64       // Timeout multiplier per retry (1.0-2.0)
}

// globalThermalConfig holds config file settings set via SetThermalConfig.
// Env vars still take precedence over these values.
var globalThermalConfig ThermalConfig

// SetThermalConfig sets thermal management config from the user's config.yaml.
// This should be called before NewEmbedder() to ensure config file settings are used.
func SetThermalConfig(cfg ThermalConfig) {
	globalThermalConfig = cfg
	if cfg.InterBatchDelay > 0 || cfg.TimeoutProgression != 0 || cfg.RetryTimeoutMultiplier != 0 {
		slog.Debug("thermal_config_set",
			slog.Duration("inter_batch_delay", cfg.InterBatchDelay),
			slog.Float64("timeout_progression", cfg.TimeoutProgression),
			slog.Float64("retry_timeout_multiplier", cfg.RetryTimeoutMultiplier))
	}
}

// LocalServerConfig holds local embedding server settings loaded from config.yaml.
type LocalServerConfig struct {
	Endpoint string // server endpoint (default: http://localhost:9659)
	Model    string // model size tier: "small", "medium", "large" (default: "small")
}

// globalLocalConfig holds config file settings set via SetLocalConfig.
// Env vars still take precedence over these values.
var globalLocalConfig LocalServerConfig

// SetLocalConfig sets local embedding server config from the user's config.yaml.
// This should be called before NewEmbedder() to ensure config file settings are used.
func SetLocalConfig(cfg LocalServerConfig) {
	globalLocalConfig = cfg
	if cfg.Endpoint != "" || cfg.Model != "" {
		slog.Debug("local_config_set",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("model", cfg.Model))
	}
}

// ParseProvider converts a string to ProviderType
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(s) {
	case "openai":
		return ProviderOpenAI
	case "cohere":
		return ProviderCohere
	case "ollama", "llama":
		return ProviderOllama
	case "local", "mlx", "static":
		return ProviderLocal
	default:
		return ""
	}
}

// String returns the string representation of ProviderType
func (p ProviderType) String() string {
	return string(p)
}

// isOllamaModelName checks if a model name looks like an Ollama model
// Ollama models have a ":" tag (e.g., "qwen3-embedding:8b")
// GGUF models have version numbers (e.g., "nomic-embed-text-v1.5")
func isOllamaModelName(model string) bool {
	if strings.Contains(model, ":") {
		return true
	}
	if strings.Contains(model, "-v") && (strings.Contains(model, ".") || strings.HasSuffix(model, "-v1") || strings.HasSuffix(model, "-v2")) {
		return false
	}
	if strings.HasSuffix(strings.ToLower(model), ".gguf") {
		return false
	}
	return false
}

// ValidProviders returns all valid provider names
func ValidProviders() []string {
	return []string{
		string(ProviderOpenAI),
		string(ProviderCohere),
		string(ProviderOllama),
		string(ProviderLocal),
	}
}

// IsValidProvider checks if a provider name is valid
func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// EmbedderInfo contains information about an embedder
type EmbedderInfo struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	Available  bool
}

// GetInfo returns information about an embedder
func GetInfo(ctx context.Context, embedder Embedder) EmbedderInfo {
	info := EmbedderInfo{
		Model:      embedder.ModelName(),
		Dimensions: embedder.Dimensions(),
		Available:  embedder.Available(ctx),
	}

	inner := embedder
	if cached, ok := embedder.(*CachedEmbedder); ok {
		inner = cached.inner
	}

	switch inner.(type) {
	case *OpenAIEmbedder:
		info.Provider = ProviderOpenAI
	case *CohereEmbedder:
		info.Provider = ProviderCohere
	case *OllamaEmbedder:
		info.Provider = ProviderOllama
	default:
		// LocalEmbedder and StaticEmbedder768 both represent the Local provider.
		info.Provider = ProviderLocal
	}

	return info
}

// MustNewEmbedder creates an embedder and panics on failure
// Use only in tests or initialization code where failure is fatal
func MustNewEmbedder(ctx context.Context, provider ProviderType, model string) Embedder {
	embedder, err := NewEmbedder(ctx, provider, model)
	if err != nil {
		panic(fmt.Sprintf("failed to create embedder: %v", err))
	}
	return embedder
}

// parseFloat64 parses a string to float64, used for thermal config parsing
func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
