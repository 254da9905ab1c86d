package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetadataStore(t *testing.T) *SQLiteMetadataStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLiteMetadataStore(filepath.Join(dir, "pampax.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TM01: Upsert and retrieve a single chunk row.
func TestSQLiteMetadataStore_UpsertAndGetChunk(t *testing.T) {
	s := newTestMetadataStore(t)

	row := &ChunkRow{
		ID:                  "chunk-1",
		FilePath:            "pkg/foo.go",
		Symbol:              "DoThing",
		Sha:                 "abc123",
		Lang:                "go",
		Embedding:           []float64{0.1, 0.2, 0.3},
		EmbeddingProvider:   "openai",
		EmbeddingDimensions: 3,
		PampaTags:           []string{"http", "handler"},
		PampaIntent:         "route a request",
		VariablesUsed:       []string{"req", "ctx"},
	}
	err := s.UpsertChunks(context.Background(), []*ChunkRow{row})
	require.NoError(t, err)

	got, err := s.GetChunk(context.Background(), "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, "pkg/foo.go", got.FilePath)
	assert.Equal(t, "DoThing", got.Symbol)
	assert.Equal(t, DefaultChunkType, got.ChunkType)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, "openai", got.EmbeddingProvider)
	assert.Equal(t, 3, got.EmbeddingDimensions)
	assert.ElementsMatch(t, []string{"http", "handler"}, got.PampaTags)
	assert.True(t, got.HasEmbedding())
}

// TM02: Upsert with an existing ID replaces the row, not duplicates it.
func TestSQLiteMetadataStore_UpsertReplacesExistingID(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	err := s.UpsertChunks(ctx, []*ChunkRow{{ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "s1", Lang: "go"}})
	require.NoError(t, err)
	err = s.UpsertChunks(ctx, []*ChunkRow{{ID: "c1", FilePath: "a.go", Symbol: "ARenamed", Sha: "s2", Lang: "go"}})
	require.NoError(t, err)

	ids, err := s.AllIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ARenamed", got.Symbol)
	assert.Equal(t, "s2", got.Sha)
}

// TM03: chunk_type defaults to 'function' when unset.
func TestSQLiteMetadataStore_ChunkTypeDefaultsToFunction(t *testing.T) {
	s := newTestMetadataStore(t)
	err := s.UpsertChunks(context.Background(), []*ChunkRow{{ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "s1", Lang: "go"}})
	require.NoError(t, err)

	got, err := s.GetChunk(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "function", got.ChunkType)
}

// TM04: rows without an embedding report HasEmbedding() false.
func TestSQLiteMetadataStore_RowWithoutEmbedding(t *testing.T) {
	s := newTestMetadataStore(t)
	err := s.UpsertChunks(context.Background(), []*ChunkRow{{ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "s1", Lang: "go"}})
	require.NoError(t, err)

	got, err := s.GetChunk(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, got.Embedding)
	assert.False(t, got.HasEmbedding())
}

// TM05: ListChunks filters by language, path glob, and tags.
func TestSQLiteMetadataStore_ListChunksFilters(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	rows := []*ChunkRow{
		{ID: "c1", FilePath: "pkg/a.go", Symbol: "A", Sha: "s1", Lang: "go", PampaTags: []string{"http"}},
		{ID: "c2", FilePath: "pkg/b.py", Symbol: "B", Sha: "s2", Lang: "python", PampaTags: []string{"db"}},
		{ID: "c3", FilePath: "other/c.go", Symbol: "C", Sha: "s3", Lang: "go", PampaTags: []string{"db"}},
	}
	require.NoError(t, s.UpsertChunks(ctx, rows))

	got, err := s.ListChunks(ctx, ChunkFilter{Lang: "go"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListChunks(ctx, ChunkFilter{PathGlob: "pkg/*"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListChunks(ctx, ChunkFilter{Tags: []string{"db"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListChunks(ctx, ChunkFilter{Lang: "go", Tags: []string{"db"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c3", got[0].ID)
}

// TM06: DeleteChunks and DeleteByFilePath remove rows.
func TestSQLiteMetadataStore_DeleteChunksAndByFilePath(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	rows := []*ChunkRow{
		{ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "s1", Lang: "go"},
		{ID: "c2", FilePath: "a.go", Symbol: "A2", Sha: "s2", Lang: "go"},
		{ID: "c3", FilePath: "b.go", Symbol: "B", Sha: "s3", Lang: "go"},
	}
	require.NoError(t, s.UpsertChunks(ctx, rows))

	require.NoError(t, s.DeleteChunks(ctx, []string{"c1"}))
	ids, err := s.AllIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c2", "c3"}, ids)

	require.NoError(t, s.DeleteByFilePath(ctx, "a.go"))
	ids, err = s.AllIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, ids)
}

// TM07: AllShas reports the distinct set of referenced SHAs, used for
// chunk-file garbage collection.
func TestSQLiteMetadataStore_AllShas(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	rows := []*ChunkRow{
		{ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "dup", Lang: "go"},
		{ID: "c2", FilePath: "b.go", Symbol: "B", Sha: "dup", Lang: "go"},
		{ID: "c3", FilePath: "c.go", Symbol: "C", Sha: "unique", Lang: "go"},
	}
	require.NoError(t, s.UpsertChunks(ctx, rows))

	shas, err := s.AllShas(ctx)
	require.NoError(t, err)
	assert.Len(t, shas, 2)
	assert.True(t, shas["dup"])
	assert.True(t, shas["unique"])
}

// TM08: key-value state round-trips, used for checkpoints and recorded
// embedder configuration.
func TestSQLiteMetadataStore_GetSetState(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, StateKeyIndexProvider)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, StateKeyIndexProvider, "openai"))
	require.NoError(t, s.SetState(ctx, StateKeyIndexDimension, "1536"))

	v, err = s.GetState(ctx, StateKeyIndexProvider)
	require.NoError(t, err)
	assert.Equal(t, "openai", v)

	require.NoError(t, s.SetState(ctx, StateKeyIndexProvider, "cohere"))
	v, err = s.GetState(ctx, StateKeyIndexProvider)
	require.NoError(t, err)
	assert.Equal(t, "cohere", v)
}

// TM09: intention cache records and looks up entries, incrementing
// use_count on repeated recordings of the same query.
func TestSQLiteMetadataStore_IntentionCacheRecordAndLookup(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	missing, err := s.LookupIntention(ctx, "never seen")
	require.NoError(t, err)
	assert.Nil(t, missing)

	entry := &IntentionCacheEntry{
		NormalizedQuery: "find the user handler",
		TargetSha:       "abc123",
		Confidence:      0.8,
		UseCount:        1,
		LastUsedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.RecordIntention(ctx, entry))

	got, err := s.LookupIntention(ctx, "find the user handler")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.TargetSha)
	assert.Equal(t, 1, got.UseCount)

	entry.UseCount = 1
	require.NoError(t, s.RecordIntention(ctx, entry))
	got, err = s.LookupIntention(ctx, "find the user handler")
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)
}

// TM10: query patterns accumulate frequency and TopQueryPatterns orders
// by descending frequency.
func TestSQLiteMetadataStore_QueryPatternFrequencyAndTop(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordQueryPattern(ctx, "find X handler"))
	require.NoError(t, s.RecordQueryPattern(ctx, "find X handler"))
	require.NoError(t, s.RecordQueryPattern(ctx, "where is Y defined"))

	top, err := s.TopQueryPatterns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "find X handler", top[0].Pattern)
	assert.Equal(t, 2, top[0].Frequency)
}

// TM11: Stats reports distinct chunk and file counts.
func TestSQLiteMetadataStore_Stats(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	rows := []*ChunkRow{
		{ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "s1", Lang: "go"},
		{ID: "c2", FilePath: "a.go", Symbol: "A2", Sha: "s2", Lang: "go"},
		{ID: "c3", FilePath: "b.go", Symbol: "B", Sha: "s3", Lang: "go"},
	}
	require.NoError(t, s.UpsertChunks(ctx, rows))

	chunks, files, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, chunks)
	assert.Equal(t, 2, files)
}

// TM12: a malformed context_info payload is dropped with a warning
// rather than failing the whole upsert.
func TestSQLiteMetadataStore_InvalidContextInfoStoredAsNull(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	row := &ChunkRow{
		ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "s1", Lang: "go",
		ContextInfo: `not valid json`,
	}
	require.NoError(t, s.UpsertChunks(ctx, []*ChunkRow{row}))

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got.ContextInfo)
}

// TM13: the database is reopenable and durable across Close/Open cycles.
func TestSQLiteMetadataStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pampax.db")

	s1, err := OpenSQLiteMetadataStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.UpsertChunks(context.Background(), []*ChunkRow{
		{ID: "c1", FilePath: "a.go", Symbol: "A", Sha: "s1", Lang: "go"},
	}))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLiteMetadataStore(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.GetChunk(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "a.go", got.FilePath)
}
