// Package config loads and layers PAMPA project configuration: defaults,
// then a project config file (.pampa.yaml or .pampa.toml), then
// PAMPAX_* environment variables, then (applied by the CLI layer) flags.
// Each layer only overrides the fields it actually sets; a config file
// can set only the fields that mergeWith applies.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ProjectType is a coarse classification used only for default tuning.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeUnknown ProjectType = "unknown"
)

// Config is the complete PAMPA configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version" toml:"version"`
	Paths      PathsConfig      `yaml:"paths" json:"paths" toml:"paths"`
	Search     SearchConfig     `yaml:"search" json:"search" toml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings" toml:"embeddings"`
	Encryption EncryptionConfig `yaml:"encryption" json:"encryption" toml:"encryption"`
	Reranker   RerankerConfig   `yaml:"reranker" json:"reranker" toml:"reranker"`
	Submodules SubmoduleConfig  `yaml:"submodules" json:"submodules" toml:"submodules"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging" toml:"logging"`
}

// PathsConfig configures which paths are considered for indexing.
type PathsConfig struct {
	Include []string `yaml:"include" json:"include" toml:"include"`
	Exclude []string `yaml:"exclude" json:"exclude" toml:"exclude"`
}

// SearchConfig configures the hybrid search engine defaults.
type SearchConfig struct {
	Limit        int     `yaml:"limit" json:"limit" toml:"limit"`
	Hybrid       bool    `yaml:"hybrid" json:"hybrid" toml:"hybrid"`
	BM25         bool    `yaml:"bm25" json:"bm25" toml:"bm25"`
	SymbolBoost  bool    `yaml:"symbol_boost" json:"symbol_boost" toml:"symbol_boost"`
	BM25Weight   float64 `yaml:"bm25_weight" json:"bm25_weight" toml:"bm25_weight"`
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight" toml:"vector_weight"`
	RRFConstant  int     `yaml:"rrf_constant" json:"rrf_constant" toml:"rrf_constant"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider" toml:"provider"`
	Model      string `yaml:"model" json:"model" toml:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions" toml:"dimensions"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size" toml:"batch_size"`

	OpenAIKey     string `yaml:"openai_key" json:"-" toml:"openai_key"`
	OpenAIBaseURL string `yaml:"openai_base_url" json:"openai_base_url" toml:"openai_base_url"`

	CohereKey string `yaml:"cohere_key" json:"-" toml:"cohere_key"`

	OllamaBaseURL string `yaml:"ollama_base_url" json:"ollama_base_url" toml:"ollama_base_url"`

	LocalEndpoint string `yaml:"local_endpoint" json:"local_endpoint" toml:"local_endpoint"`
	LocalModel    string `yaml:"local_model" json:"local_model" toml:"local_model"`

	RateLimit int `yaml:"rate_limit" json:"rate_limit" toml:"rate_limit"`
	MaxTokens int `yaml:"max_tokens" json:"max_tokens" toml:"max_tokens"`
}

// EncryptionConfig configures the chunk store's optional encryption.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Key     string `yaml:"key" json:"-" toml:"key"`
}

// RerankerConfig configures the optional reranking stage.
type RerankerConfig struct {
	Mode     string `yaml:"mode" json:"mode" toml:"mode"` // off|transformers|api
	Endpoint string `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	APIKey   string `yaml:"api_key" json:"-" toml:"api_key"`
}

// SubmoduleConfig configures git submodule discovery during the walk.
type SubmoduleConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled" toml:"enabled"`
	Recursive bool     `yaml:"recursive" json:"recursive" toml:"recursive"`
	Include   []string `yaml:"include" json:"include" toml:"include"`
	Exclude   []string `yaml:"exclude" json:"exclude" toml:"exclude"`
}

// LoggingConfig configures the logging sink.
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level" toml:"level"`
	Pretty  bool   `yaml:"pretty" json:"pretty" toml:"pretty"`
	LogFile string `yaml:"log_file" json:"log_file" toml:"log_file"`
}

// NewConfig returns the built-in defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths:   PathsConfig{},
		Search: SearchConfig{
			Limit:        10,
			Hybrid:       true,
			BM25:         true,
			SymbolBoost:  true,
			BM25Weight:   0.35,
			VectorWeight: 0.65,
			RRFConstant:  60,
		},
		Embeddings: EmbeddingsConfig{
			Provider:      "auto",
			Dimensions:    768,
			BatchSize:     32,
			OpenAIBaseURL: "https://api.openai.com/v1",
			OllamaBaseURL: "http://localhost:11434",
			LocalEndpoint: "http://localhost:9659",
			LocalModel:    "small",
		},
		Encryption: EncryptionConfig{Enabled: false},
		Reranker:   RerankerConfig{Mode: "off"},
		Submodules: SubmoduleConfig{Enabled: false, Recursive: true},
		Logging:    LoggingConfig{Level: "info"},
	}
}

const (
	yamlFileName = ".pampa.yaml"
	ymlFileName  = ".pampa.yml"
	tomlFileName = ".pampa.toml"
)

// Load builds a Config for dir by layering defaults, a project config
// file, and PAMPAX_* environment variables (§6 precedence: config <
// env < flag; flag overrides are applied by the CLI layer afterward).
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	if path := filepath.Join(dir, yamlFileName); fileExists(path) {
		return c.loadYAML(path)
	}
	if path := filepath.Join(dir, ymlFileName); fileExists(path) {
		return c.loadYAML(path)
	}
	if path := filepath.Join(dir, tomlFileName); fileExists(path) {
		return c.loadTOML(path)
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

func (c *Config) loadTOML(path string) error {
	var parsed Config
	if _, err := toml.DecodeFile(path, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero fields of other onto c, for the fields
// tested below only. A config file's boolean toggles (search.hybrid,
// search.bm25, search.symbol_boost, encryption.enabled, submodules.*,
// logging.pretty), embeddings.rate_limit and max_tokens, reranker
// endpoint and api_key, submodule include/exclude lists and
// logging.log_file are not applied; encryption.enabled is turned on
// only by a non-empty encryption.key.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if len(other.Paths.Include) > 0 {
		c.Paths.Include = other.Paths.Include
	}
	if len(other.Paths.Exclude) > 0 {
		c.Paths.Exclude = other.Paths.Exclude
	}
	if other.Search.Limit != 0 {
		c.Search.Limit = other.Search.Limit
	}
	if other.Search.BM25Weight != 0 {
		c.Search.BM25Weight = other.Search.BM25Weight
	}
	if other.Search.VectorWeight != 0 {
		c.Search.VectorWeight = other.Search.VectorWeight
	}
	if other.Search.RRFConstant != 0 {
		c.Search.RRFConstant = other.Search.RRFConstant
	}
	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.OpenAIKey != "" {
		c.Embeddings.OpenAIKey = other.Embeddings.OpenAIKey
	}
	if other.Embeddings.OpenAIBaseURL != "" {
		c.Embeddings.OpenAIBaseURL = other.Embeddings.OpenAIBaseURL
	}
	if other.Embeddings.CohereKey != "" {
		c.Embeddings.CohereKey = other.Embeddings.CohereKey
	}
	if other.Embeddings.OllamaBaseURL != "" {
		c.Embeddings.OllamaBaseURL = other.Embeddings.OllamaBaseURL
	}
	if other.Embeddings.LocalEndpoint != "" {
		c.Embeddings.LocalEndpoint = other.Embeddings.LocalEndpoint
	}
	if other.Embeddings.LocalModel != "" {
		c.Embeddings.LocalModel = other.Embeddings.LocalModel
	}
	if other.Encryption.Key != "" {
		c.Encryption.Key = other.Encryption.Key
		c.Encryption.Enabled = true
	}
	if other.Reranker.Mode != "" {
		c.Reranker.Mode = other.Reranker.Mode
	}
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
}

// applyEnvOverrides applies PAMPAX_* environment variables, the second
// precedence layer (spec.md §6).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PAMPAX_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("PAMPAX_OPENAI_API_KEY"); v != "" {
		c.Embeddings.OpenAIKey = v
	}
	if v := os.Getenv("PAMPAX_OPENAI_BASE_URL"); v != "" {
		c.Embeddings.OpenAIBaseURL = v
	}
	if v := os.Getenv("PAMPAX_COHERE_API_KEY"); v != "" {
		c.Embeddings.CohereKey = v
	}
	if v := os.Getenv("PAMPAX_OLLAMA_BASE_URL"); v != "" {
		c.Embeddings.OllamaBaseURL = v
	}
	if v := os.Getenv("PAMPAX_LOCAL_ENDPOINT"); v != "" {
		c.Embeddings.LocalEndpoint = v
	}
	if v := os.Getenv("PAMPAX_LOCAL_MODEL"); v != "" {
		c.Embeddings.LocalModel = v
	}
	if v := os.Getenv("PAMPAX_DIMENSIONS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embeddings.Dimensions = d
		}
	}
	if v := os.Getenv("PAMPAX_MAX_TOKENS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embeddings.MaxTokens = d
		}
	}
	if v := os.Getenv("PAMPAX_RATE_LIMIT"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embeddings.RateLimit = d
		}
	}
	if v := os.Getenv("PAMPAX_ENCRYPTION_KEY"); v != "" {
		c.Encryption.Key = v
		c.Encryption.Enabled = true
	}
	if v := os.Getenv("PAMPAX_RERANKER_MODE"); v != "" {
		c.Reranker.Mode = v
	}
	if v := os.Getenv("PAMPAX_RERANKER_ENDPOINT"); v != "" {
		c.Reranker.Endpoint = v
	}
	if v := os.Getenv("PAMPAX_RERANKER_API_KEY"); v != "" {
		c.Reranker.APIKey = v
	}
	if v := os.Getenv("PAMPAX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configuration states that would make downstream
// behavior ambiguous rather than failing late inside the indexer.
func (c *Config) Validate() error {
	if c.Search.RRFConstant < 0 {
		return fmt.Errorf("search.rrf_constant must be >= 0")
	}
	if c.Embeddings.Dimensions < 0 {
		return fmt.Errorf("embeddings.dimensions must be >= 0")
	}
	switch c.Reranker.Mode {
	case "", "off", "transformers", "api":
	default:
		return fmt.Errorf("reranker.mode must be one of off|transformers|api, got %q", c.Reranker.Mode)
	}
	return nil
}

// FindProjectRoot walks up from startDir looking for a `.pampa`
// directory, a project config file or a `.git` directory, falling back
// to startDir itself when none is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("config: absolute path: %w", err)
	}

	dir := absDir
	for {
		if dirExists(filepath.Join(dir, ".pampa")) {
			return dir, nil
		}
		if fileExists(filepath.Join(dir, yamlFileName)) ||
			fileExists(filepath.Join(dir, ymlFileName)) ||
			fileExists(filepath.Join(dir, tomlFileName)) {
			return dir, nil
		}
		if dirExists(filepath.Join(dir, ".git")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return absDir, nil
		}
		dir = parent
	}
}

// DetectProjectType inspects dir for well-known manifest files.
func DetectProjectType(dir string) ProjectType {
	switch {
	case fileExists(filepath.Join(dir, "go.mod")):
		return ProjectTypeGo
	case fileExists(filepath.Join(dir, "package.json")):
		return ProjectTypeNode
	case fileExists(filepath.Join(dir, "pyproject.toml")), fileExists(filepath.Join(dir, "requirements.txt")):
		return ProjectTypePython
	default:
		return ProjectTypeUnknown
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// String implements fmt.Stringer.
func (p ProjectType) String() string { return string(p) }

// ParseBoolToggle parses the CLI's "on"/"off" toggle flags consistently.
func ParseBoolToggle(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	case "off", "false", "0", "no":
		return false
	default:
		return def
	}
}
