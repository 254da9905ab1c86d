package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/pampax/internal/chunkstore"
	"github.com/Aman-CERP/pampax/internal/embed"
	"github.com/Aman-CERP/pampax/internal/store"
)

// Engine implements hybrid search combining BM25 and semantic search.
type Engine struct {
	bm25     store.BM25Index
	vector   store.VectorStore
	embedder embed.Embedder
	metadata store.MetadataStore
	chunks   *chunkstore.Store
	config   EngineConfig
	fusion   *RRFFusion
	reranker Reranker
	mu       sync.RWMutex
}

// Ensure Engine implements SearchEngine interface.
var _ SearchEngine = (*Engine)(nil)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ErrDimensionMismatch is returned when query embedding dimension doesn't match index dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithReranker sets an optional cross-encoder reranker for result refinement.
// When set, results are reranked after RRF fusion but before enrichment.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

// NewEngine creates a new hybrid search engine with the given dependencies.
// Returns an error if any required dependency is nil.
func NewEngine(
	bm25 store.BM25Index,
	vector store.VectorStore,
	embedder embed.Embedder,
	metadata store.MetadataStore,
	chunks *chunkstore.Store,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrNilDependency)
	}
	if chunks == nil {
		return nil, fmt.Errorf("%w: chunk store is required", ErrNilDependency)
	}
	e := &Engine{
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		metadata: metadata,
		chunks:   chunks,
		config:   config,
		fusion:   NewRRFFusionWithK(config.RRFConstant),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search executes a hybrid search combining BM25 and semantic search.
// It runs both searches in parallel and fuses results using Reciprocal Rank Fusion (RRF).
// When opts.Hybrid is false, the BM25 candidates are dropped and the ranking
// comes from vector search alone.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	opts = e.applyDefaults(opts)

	if opts.BM25Only {
		return e.bm25OnlySearch(ctx, query, opts, &Weights{BM25: 1.0, Semantic: 0.0}, false)
	}

	if err := e.validateDimensions(ctx); err != nil {
		slog.Warn("dimension mismatch detected, semantic search disabled",
			slog.String("error", err.Error()),
			slog.String("recovery", "pampax update --force"))
		return e.bm25OnlySearch(ctx, query, opts, opts.Weights, true)
	}

	bm25Results, vecResults, searchErr := e.parallelSearch(ctx, query, opts.Limit*2)
	if searchErr != nil && bm25Results == nil && vecResults == nil {
		return nil, searchErr
	}
	if !opts.Hybrid {
		bm25Results = nil
	}

	fused := e.fuseResults(bm25Results, vecResults, opts.Weights)
	reranked := e.rerankResults(ctx, query, fused)

	enriched, err := e.enrichResults(ctx, reranked)
	if err != nil {
		return nil, err
	}
	e.enrichResultsWithAdjacent(ctx, enriched, opts.AdjacentChunks, 5)

	enriched = ApplyTestFilePenalty(enriched)
	enriched = ApplyPathBoost(enriched)

	filtered := ApplyFilters(enriched, opts)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	e.attachExplainData(filtered, query, opts, len(bm25Results), len(vecResults), false)
	e.recordQueryPattern(ctx, query)

	return filtered, nil
}

// recordQueryPattern fires off a best-effort query-pattern observation
// to the metadata store's frequency table. Failures are logged, not
// returned: an intention-cache write should never fail a search.
func (e *Engine) recordQueryPattern(ctx context.Context, query string) {
	requestID := uuid.NewString()
	if err := e.metadata.RecordQueryPattern(ctx, normalizeQueryPattern(query)); err != nil {
		slog.Debug("query_pattern_record_failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
}

// normalizeQueryPattern lowercases and collapses whitespace so near-duplicate
// queries accumulate under the same frequency-table row.
func normalizeQueryPattern(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// bm25OnlySearch runs keyword-only search, used both when the caller
// explicitly requests it and as a fallback on dimension mismatch.
func (e *Engine) bm25OnlySearch(ctx context.Context, query string, opts SearchOptions, weights *Weights, dimMismatch bool) ([]*SearchResult, error) {
	bm25Results, err := e.bm25.Search(ctx, query, opts.Limit*2)
	if err != nil {
		return nil, fmt.Errorf("BM25 search failed: %w", err)
	}

	fused := e.fuseResults(bm25Results, nil, weights)
	reranked := e.rerankResults(ctx, query, fused)

	enriched, err := e.enrichResults(ctx, reranked)
	if err != nil {
		return nil, err
	}
	e.enrichResultsWithAdjacent(ctx, enriched, opts.AdjacentChunks, 5)

	enriched = ApplyTestFilePenalty(enriched)
	enriched = ApplyPathBoost(enriched)

	filtered := ApplyFilters(enriched, opts)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	e.attachExplainData(filtered, query, opts, len(bm25Results), 0, dimMismatch)
	e.recordQueryPattern(ctx, query)

	return filtered, nil
}

// attachExplainData populates ExplainData on the first result when opts.Explain is true.
func (e *Engine) attachExplainData(results []*SearchResult, query string, opts SearchOptions, bm25Count, vecCount int, dimMismatch bool) {
	if !opts.Explain || len(results) == 0 {
		return
	}

	results[0].Explain = &ExplainData{
		Query:             query,
		BM25ResultCount:   bm25Count,
		VectorResultCount: vecCount,
		Weights:           *opts.Weights,
		RRFConstant:       e.config.RRFConstant,
		BM25Only:          opts.BM25Only,
		DimensionMismatch: dimMismatch,
	}
}

// Index adds chunk rows to the BM25 index, the vector store, and the
// metadata store. contents maps each row's ID to its chunk text (read
// from or about to be written to the chunk store by the caller).
func (e *Engine) Index(ctx context.Context, rows []*store.ChunkRow, contents map[string]string) error {
	if len(rows) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	docs := make([]*store.Document, 0, len(rows))
	texts := make([]string, 0, len(rows))
	embedIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		content := contents[r.ID]
		docs = append(docs, &store.Document{ID: r.ID, Content: content})
		if !r.HasEmbedding() {
			texts = append(texts, content)
			embedIDs = append(embedIDs, r.ID)
		}
	}

	if err := e.bm25.Index(ctx, docs); err != nil {
		return fmt.Errorf("index in BM25: %w", err)
	}

	if len(texts) > 0 {
		embeddings, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("generate embeddings: %w", err)
		}
		if err := e.vector.Add(ctx, embedIDs, embeddings); err != nil {
			return fmt.Errorf("add vectors: %w", err)
		}
		byID := make(map[string][]float32, len(embedIDs))
		for i, id := range embedIDs {
			byID[id] = embeddings[i]
		}
		for _, r := range rows {
			if vec, ok := byID[r.ID]; ok {
				r.Embedding = make([]float64, len(vec))
				for i, v := range vec {
					r.Embedding[i] = float64(v)
				}
				r.EmbeddingProvider = e.embedder.ModelName()
				r.EmbeddingDimensions = len(vec)
			}
		}
	}

	if err := e.metadata.UpsertChunks(ctx, rows); err != nil {
		return fmt.Errorf("save chunk metadata: %w", err)
	}

	if err := e.storeIndexEmbeddingInfo(ctx); err != nil {
		slog.Warn("failed to store index embedding info", slog.String("error", err.Error()))
	}

	return nil
}

// storeIndexEmbeddingInfo saves the current embedder's dimension and
// provider to metadata, enabling dimension-mismatch detection later.
func (e *Engine) storeIndexEmbeddingInfo(ctx context.Context) error {
	dim := fmt.Sprintf("%d", e.embedder.Dimensions())
	if err := e.metadata.SetState(ctx, store.StateKeyIndexDimension, dim); err != nil {
		return fmt.Errorf("store index dimension: %w", err)
	}
	if err := e.metadata.SetState(ctx, store.StateKeyIndexProvider, e.embedder.ModelName()); err != nil {
		return fmt.Errorf("store index provider: %w", err)
	}
	return nil
}

// validateDimensions checks if the current embedder dimension matches
// the indexed dimension. Returns nil when no dimension is stored yet
// (first-time indexing) or dimensions match.
func (e *Engine) validateDimensions(ctx context.Context) error {
	storedDim, err := e.metadata.GetState(ctx, store.StateKeyIndexDimension)
	if err != nil || storedDim == "" {
		return nil
	}

	var indexDim int
	if _, err := fmt.Sscanf(storedDim, "%d", &indexDim); err != nil {
		slog.Warn("invalid stored index dimension", slog.String("value", storedDim))
		return nil
	}

	currentDim := e.embedder.Dimensions()
	if indexDim != currentDim {
		storedProvider, _ := e.metadata.GetState(ctx, store.StateKeyIndexProvider)
		return fmt.Errorf("%w: index has %d dimensions (%s), current embedder has %d dimensions (%s)",
			ErrDimensionMismatch, indexDim, storedProvider, currentDim, e.embedder.ModelName())
	}

	return nil
}

// Delete removes chunks from all indices and metadata.
func (e *Engine) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var hasOrphans bool

	if err := e.bm25.Delete(ctx, chunkIDs); err != nil {
		slog.Warn("BM25 delete failed, orphans will remain until compaction",
			slog.String("error", err.Error()), slog.Int("count", len(chunkIDs)))
		hasOrphans = true
	}

	if err := e.vector.Delete(ctx, chunkIDs); err != nil {
		slog.Warn("vector delete failed, orphans will remain until compaction",
			slog.String("error", err.Error()), slog.Int("count", len(chunkIDs)))
		hasOrphans = true
	}

	if err := e.metadata.DeleteChunks(ctx, chunkIDs); err != nil {
		return fmt.Errorf("delete chunks metadata: %w", err)
	}

	if hasOrphans {
		slog.Debug("delete completed with orphan remnants", slog.Int("chunks", len(chunkIDs)))
	}

	return nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() *EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &EngineStats{
		BM25Stats:   e.bm25.Stats(),
		VectorCount: e.vector.Count(),
	}
}

// Close releases all resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.bm25.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.vector.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.metadata.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// applyDefaults fills in default values for search options.
func (e *Engine) applyDefaults(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = e.config.DefaultLimit
	}
	if opts.Limit > e.config.MaxLimit {
		opts.Limit = e.config.MaxLimit
	}
	if opts.Filter == "" {
		opts.Filter = "all"
	}
	if opts.Weights == nil {
		w := e.config.DefaultWeights
		opts.Weights = &w
	}
	return opts
}

// parallelSearch executes BM25 and vector searches concurrently.
// Returns partial results on single-search failure (graceful degradation).
func (e *Engine) parallelSearch(ctx context.Context, query string, limit int) (
	bm25Results []*store.BM25Result,
	vecResults []*store.VectorResult,
	err error,
) {
	g, gctx := errgroup.WithContext(ctx)

	var bm25Err, vecErr error

	g.Go(func() error {
		var searchErr error
		bm25Results, searchErr = e.bm25.Search(gctx, query, limit)
		if searchErr != nil {
			bm25Err = searchErr
		}
		return nil
	})

	g.Go(func() error {
		embedding, embedErr := e.embedder.Embed(gctx, query)
		if embedErr != nil {
			vecErr = embedErr
			return nil
		}

		var searchErr error
		vecResults, searchErr = e.vector.Search(gctx, embedding, limit)
		if searchErr != nil {
			vecErr = searchErr
		}
		return nil
	})

	if waitErr := g.Wait(); waitErr != nil {
		return nil, nil, waitErr
	}

	if bm25Err != nil && vecErr != nil {
		return nil, nil, errors.Join(bm25Err, vecErr)
	}

	if bm25Err != nil {
		err = bm25Err
	} else if vecErr != nil {
		err = vecErr
	}

	return bm25Results, vecResults, err
}

// fusedResult holds intermediate fusion state.
type fusedResult struct {
	chunkID      string
	rrfScore     float64
	bm25Score    float64
	vecScore     float64
	bm25Rank     int
	vecRank      int
	inBothLists  bool
	matchedTerms []string
}

// fuseResults combines BM25 and vector results using Reciprocal Rank Fusion (RRF).
func (e *Engine) fuseResults(
	bm25Results []*store.BM25Result,
	vecResults []*store.VectorResult,
	weights *Weights,
) []*fusedResult {
	rrfResults := e.fusion.Fuse(bm25Results, vecResults, *weights)

	results := make([]*fusedResult, len(rrfResults))
	for i, r := range rrfResults {
		results[i] = &fusedResult{
			chunkID:      r.ChunkID,
			rrfScore:     r.RRFScore,
			bm25Score:    r.BM25Score,
			vecScore:     r.VecScore,
			bm25Rank:     r.BM25Rank,
			vecRank:      r.VecRank,
			inBothLists:  r.InBothLists,
			matchedTerms: r.MatchedTerms,
		}
	}

	return results
}

// enrichResults fetches full chunk metadata and content for each fused result.
func (e *Engine) enrichResults(ctx context.Context, fused []*fusedResult) ([]*SearchResult, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	results := make([]*SearchResult, 0, len(fused))
	for _, f := range fused {
		chunk, err := e.metadata.GetChunk(ctx, f.chunkID)
		if err != nil {
			slog.Debug("skipping fused result with missing metadata",
				slog.String("chunk_id", f.chunkID), slog.String("error", err.Error()))
			continue
		}

		content, err := e.chunks.ReadChunk(chunk.Sha)
		if err != nil {
			slog.Debug("skipping fused result with missing chunk content",
				slog.String("chunk_id", f.chunkID), slog.String("error", err.Error()))
			continue
		}

		results = append(results, &SearchResult{
			Chunk:        chunk,
			Content:      content,
			Score:        f.rrfScore,
			BM25Score:    f.bm25Score,
			VecScore:     f.vecScore,
			BM25Rank:     f.bm25Rank,
			VecRank:      f.vecRank,
			InBothLists:  f.inBothLists,
			Highlights:   e.calculateHighlights(content, f.matchedTerms),
			MatchedTerms: f.matchedTerms,
		})
	}

	return results, nil
}

// enrichResultsWithAdjacent fetches adjacent chunks for context continuity.
// For each top-N result, retrieves chunks before/after from the same file.
func (e *Engine) enrichResultsWithAdjacent(ctx context.Context, results []*SearchResult, adjacentCount int, topN int) {
	if adjacentCount <= 0 || len(results) == 0 {
		return
	}

	enrichCount := len(results)
	if topN > 0 && enrichCount > topN {
		enrichCount = topN
	}

	pathToResults := make(map[string][]*SearchResult)
	for i := 0; i < enrichCount; i++ {
		result := results[i]
		if result.Chunk == nil || result.Chunk.FilePath == "" {
			continue
		}
		pathToResults[result.Chunk.FilePath] = append(pathToResults[result.Chunk.FilePath], result)
	}

	for filePath, fileResults := range pathToResults {
		allChunks, err := e.metadata.ListChunks(ctx, store.ChunkFilter{PathGlob: filePath})
		if err != nil {
			slog.Debug("failed to fetch chunks for adjacent context",
				slog.String("file_path", filePath), slog.String("error", err.Error()))
			continue
		}

		for _, result := range fileResults {
			targetChunk := result.Chunk

			var before, after []*store.ChunkRow
			targetIdx := indexOfChunk(allChunks, targetChunk.ID)
			for i, c := range allChunks {
				if c.ID == targetChunk.ID {
					continue
				}
				if i < targetIdx {
					before = append(before, c)
				} else if i > targetIdx {
					after = append(after, c)
				}
			}

			// allChunks preserves insertion order; reverse `before` so the
			// chunk closest to the target comes first.
			for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
				before[i], before[j] = before[j], before[i]
			}
			if len(before) > adjacentCount {
				before = before[:adjacentCount]
			}
			if len(after) > adjacentCount {
				after = after[:adjacentCount]
			}

			result.AdjacentContext.Before = before
			result.AdjacentContext.After = after
		}
	}
}

// indexOfChunk returns the position of id within chunks, or len(chunks) if absent.
func indexOfChunk(chunks []*store.ChunkRow, id string) int {
	for i, c := range chunks {
		if c.ID == id {
			return i
		}
	}
	return len(chunks)
}

// rerankResults applies cross-encoder reranking to improve result relevance.
// Returns the original results unchanged if no reranker is configured,
// it is unavailable, or there are too few results to benefit.
func (e *Engine) rerankResults(ctx context.Context, query string, fused []*fusedResult) []*fusedResult {
	if e.reranker == nil || len(fused) < 2 {
		return fused
	}

	if !e.reranker.Available(ctx) {
		slog.Debug("reranker unavailable, skipping reranking")
		return fused
	}

	documents := make([]string, 0, len(fused))
	validFused := make([]*fusedResult, 0, len(fused))
	for _, f := range fused {
		chunk, err := e.metadata.GetChunk(ctx, f.chunkID)
		if err != nil {
			continue
		}
		content, err := e.chunks.ReadChunk(chunk.Sha)
		if err != nil || content == "" {
			continue
		}
		documents = append(documents, content)
		validFused = append(validFused, f)
	}

	if len(documents) == 0 {
		return fused
	}

	reranked, err := e.reranker.Rerank(ctx, query, documents, 0)
	if err != nil {
		slog.Warn("reranking failed, using original order", slog.String("error", err.Error()))
		return fused
	}

	results := make([]*fusedResult, 0, len(reranked))
	for _, rr := range reranked {
		if rr.Index < 0 || rr.Index >= len(validFused) {
			slog.Warn("invalid reranker index, skipping",
				slog.Int("index", rr.Index), slog.Int("valid_count", len(validFused)))
			continue
		}
		f := validFused[rr.Index]
		f.rrfScore = rr.Score
		results = append(results, f)
	}

	return results
}

// calculateHighlights finds text ranges for matched terms.
func (e *Engine) calculateHighlights(content string, matchedTerms []string) []Range {
	if len(matchedTerms) == 0 || len(content) == 0 {
		return []Range{}
	}

	const maxMatchesPerTerm = 10
	highlights := make([]Range, 0, len(matchedTerms)*3)

	lowerContent := strings.ToLower(content)

	for _, term := range matchedTerms {
		if len(term) == 0 {
			continue
		}

		lowerTerm := strings.ToLower(term)
		start := 0
		matchCount := 0

		for matchCount < maxMatchesPerTerm {
			idx := strings.Index(lowerContent[start:], lowerTerm)
			if idx == -1 {
				break
			}

			absStart := start + idx
			highlights = append(highlights, Range{
				Start: absStart,
				End:   absStart + len(term),
			})

			start = absStart + len(term)
			matchCount++
		}
	}

	if len(highlights) > 1 {
		sort.Slice(highlights, func(i, j int) bool {
			return highlights[i].Start < highlights[j].Start
		})
	}

	return highlights
}
