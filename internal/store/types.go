// Package store provides the chunk metadata database (SQLite), the
// BM25 keyword index, and the HNSW vector index: the three persistence
// layers that back the search engine.
package store

import (
	"context"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the frozen v1 code_chunks schema version.
const CurrentSchemaVersion = 1

// DefaultChunkType is used when a chunker does not classify a chunk.
const DefaultChunkType = "function"

// ChunkRow is one row of the code_chunks table: a chunk's full
// metadata as persisted in the database, mirroring spec.md's frozen
// schema. Symbol is never NULL in the DB; an absent symbol is "".
type ChunkRow struct {
	ID                  string
	FilePath            string
	Symbol              string
	Sha                 string
	Lang                string
	ChunkType           string
	Embedding           []float64 // decoded from the compact-JSON BLOB; nil when absent
	EmbeddingProvider   string
	EmbeddingDimensions int

	PampaTags         []string // JSON array column; nil when absent or invalid
	PampaIntent       string
	PampaDescription  string
	DocComments       string
	VariablesUsed     []string // JSON array column; nil when absent or invalid
	ContextInfo       string   // raw JSON object text; "" when absent or invalid

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEmbedding reports whether the row carries a usable embedding.
func (c *ChunkRow) HasEmbedding() bool {
	return len(c.Embedding) > 0 && c.EmbeddingDimensions == len(c.Embedding)
}

// IntentionCacheEntry maps a normalized query to a target chunk SHA
// with a confidence score and a usage counter, per spec.md §3's
// auxiliary tables.
type IntentionCacheEntry struct {
	NormalizedQuery string
	TargetSha       string
	Confidence      float64
	UseCount        int
	LastUsedAt      time.Time
}

// QueryPattern tracks how often a normalized query pattern recurs.
type QueryPattern struct {
	Pattern   string
	Frequency int
}

// ChunkFilter narrows a chunk listing by the search engine's filter
// options: path glob, language, and tags. Empty fields are unfiltered.
type ChunkFilter struct {
	PathGlob string
	Lang     string
	Tags     []string
}

// MetadataStore persists ChunkRows and the auxiliary learning tables in
// SQLite, under the schema and pragmas frozen by spec.md §4.4.
type MetadataStore interface {
	// UpsertChunks inserts or replaces rows by ID in a single transaction.
	UpsertChunks(ctx context.Context, rows []*ChunkRow) error

	// GetChunk retrieves a single row by ID.
	GetChunk(ctx context.Context, id string) (*ChunkRow, error)

	// ListChunks returns all rows matching filter, for building search
	// candidate sets. A zero-value filter returns every row.
	ListChunks(ctx context.Context, filter ChunkFilter) ([]*ChunkRow, error)

	// AllIDs returns every chunk ID, used for orphan/consistency checks.
	AllIDs(ctx context.Context) ([]string, error)

	// AllShas returns the distinct set of SHAs currently referenced by
	// any row, used to garbage-collect orphaned chunk files.
	AllShas(ctx context.Context) (map[string]bool, error)

	// DeleteChunks removes rows by ID.
	DeleteChunks(ctx context.Context, ids []string) error

	// DeleteByFilePath removes every row for a given file path, used
	// when a file is deleted or excluded on reindex.
	DeleteByFilePath(ctx context.Context, filePath string) error

	// State is a small key-value store used for checkpoints and the
	// recorded embedder dimension/model.
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Intention cache and query-pattern learning tables.
	RecordIntention(ctx context.Context, entry *IntentionCacheEntry) error
	LookupIntention(ctx context.Context, normalizedQuery string) (*IntentionCacheEntry, error)
	RecordQueryPattern(ctx context.Context, pattern string) error
	TopQueryPatterns(ctx context.Context, limit int) ([]*QueryPattern, error)

	// Stats reports counts used by the `info` command.
	Stats(ctx context.Context) (chunkCount int, fileCount int, err error)

	Close() error
}

// State keys for the recorded embedder configuration (used to detect
// dimension/provider drift on resume or subsequent search).
const (
	StateKeyIndexDimension = "index_embedding_dimension"
	StateKeyIndexProvider  = "index_embedding_provider"
)

// Checkpoint state keys recording the progress of an indexing run.
const (
	StateKeyCheckpointStage     = "checkpoint_stage"
	StateKeyCheckpointTotal     = "checkpoint_total"
	StateKeyCheckpointEmbedded  = "checkpoint_embedded"
	StateKeyCheckpointTimestamp = "checkpoint_timestamp"
	StateKeyCheckpointProvider  = "checkpoint_provider"
)

// IndexCheckpoint is the saved progress state of an indexing run. A
// rerun does not resume from it.
type IndexCheckpoint struct {
	Stage     string // "scanning"|"chunking"|"embedding"|"persisting"|"complete"
	Total     int
	Embedded  int
	Timestamp time.Time
	Provider  string
}

// IndexInfo reports an index's configuration and statistics for the
// `pampax info` command.
type IndexInfo struct {
	Location    string
	ProjectRoot string

	IndexProvider   string
	IndexDimensions int

	ChunkCount      int
	FileCount       int
	DBSizeBytes     int64
	ChunkStoreBytes int64

	CreatedAt time.Time
	UpdatedAt time.Time

	CurrentProvider   string
	CurrentDimensions int
	Compatible        bool
}

// Document represents a document to be indexed in BM25.
type Document struct {
	ID      string // Chunk ID
	Content string // Text content
}

// BM25Result represents a single BM25 search result.
type BM25Result struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about the BM25 index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Index provides keyword search using BM25 algorithm.
type BM25Index interface {
	// Index adds documents to the index
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching query, scored by BM25
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)

	// Delete removes documents from index
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns all document IDs in the index (for consistency checks)
	AllIDs() ([]string, error)

	// Stats returns index statistics
	Stats() *IndexStats

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2)
	K1 float64

	// B is the length normalization parameter (default: 0.75)
	B float64

	// StopWords is a list of words to filter out during tokenization
	StopWords []string

	// MinTokenLength is minimum token length to index (default: 2)
	MinTokenLength int
}

// DefaultBM25Config returns default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultCodeStopWords,
		MinTokenLength: 2,
	}
}

// DefaultCodeStopWords contains programming keywords to filter out.
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       string  // Chunk ID
	Distance float32 // Lower is more similar (0-2 for cosine)
	Score    float32 // Normalized similarity (0-1)
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension.
	Dimensions int

	// Quantization is the vector precision: "f32", "f16", "i8" (default: "f16")
	Quantization string

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 32)
	M int

	// EfConstruction is HNSW build-time search width (default: 128)
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Quantization:   "f16",
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides approximate nearest-neighbor candidate
// generation using the HNSW algorithm. The search engine treats it as
// an optional accelerator over large corpora; it fuses the IDs and
// similarity scores returned by Search as they are, without recomputing
// them (see internal/search).
type VectorStore interface {
	// Add inserts vectors with their IDs. If an ID exists, it is replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds k nearest neighbors to query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns all vector IDs in the store (for consistency checks)
	AllIDs() []string

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns number of vectors.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'pampax update --force')", e.Expected, e.Got)
}
