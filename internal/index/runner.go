// Package index provides indexing operations including the Runner for reusable indexing logic.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	chunk "github.com/Aman-CERP/pampax/internal/chunker"
	"github.com/Aman-CERP/pampax/internal/chunkstore"
	"github.com/Aman-CERP/pampax/internal/codemap"
	"github.com/Aman-CERP/pampax/internal/config"
	"github.com/Aman-CERP/pampax/internal/embed"
	"github.com/Aman-CERP/pampax/internal/ignore"
	"github.com/Aman-CERP/pampax/internal/output"
	"github.com/Aman-CERP/pampax/internal/store"
	"github.com/Aman-CERP/pampax/internal/walker"
)

// RunnerConfig configures an indexing run.
type RunnerConfig struct {
	// RootDir is the project root directory to index.
	RootDir string

	// DataDir is the .pampa data directory (defaults to RootDir/.pampa).
	DataDir string

	// Incremental re-chunks only files whose content changed and drops
	// chunks for files no longer present, instead of rebuilding every
	// store from scratch. Used by the `update` command.
	Incremental bool

	// Force rebuilds the index from scratch even in incremental mode,
	// discarding any recorded embedder dimension/provider.
	Force bool

	// InterBatchDelay is the cooling delay between embedding batches.
	InterBatchDelay time.Duration
}

// RunnerResult contains the outcome of an indexing operation.
type RunnerResult struct {
	// Files is the number of files walked.
	Files int

	// ChangedFiles is the number of files chunked this run (all files
	// in full-index mode, only new/modified ones in incremental mode).
	ChangedFiles int

	// Chunks is the number of chunks upserted.
	Chunks int

	// RemovedFiles is the number of files whose chunks were dropped
	// because the file is gone or now excluded (incremental mode only).
	RemovedFiles int

	// Duration is the total indexing time.
	Duration time.Duration

	// Warnings is the count of non-fatal warnings (unreadable files,
	// chunker fallbacks, broken symlinks from the walk).
	Warnings int
}

// RunnerDependencies contains the injected dependencies for Runner.
type RunnerDependencies struct {
	// Output for progress display (required).
	Output *output.Writer

	// Config is the loaded project configuration (required).
	Config *config.Config

	// Metadata store for chunk rows.
	Metadata store.MetadataStore

	// BM25 index for keyword search.
	BM25 store.BM25Index

	// Vector store for semantic search.
	Vector store.VectorStore

	// Embedder for generating embeddings.
	Embedder embed.Embedder

	// Chunks is the content-addressed chunk text store.
	Chunks *chunkstore.Store

	// CodeChunker for chunking code files (defaults to chunk.NewCodeChunker()).
	CodeChunker chunk.Chunker

	// MarkdownChunker for chunking markdown files (defaults to chunk.NewMarkdownChunker()).
	MarkdownChunker chunk.Chunker
}

// Runner executes indexing operations with progress reporting.
// It accepts injected dependencies for testability and reusability.
type Runner struct {
	out             *output.Writer
	config          *config.Config
	metadata        store.MetadataStore
	bm25            store.BM25Index
	vector          store.VectorStore
	embedder        embed.Embedder
	chunks          *chunkstore.Store
	codeChunker     chunk.Chunker
	markdownChunker chunk.Chunker
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner(deps RunnerDependencies) (*Runner, error) {
	if deps.Output == nil {
		return nil, fmt.Errorf("output writer is required")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if deps.BM25 == nil {
		return nil, fmt.Errorf("BM25 index is required")
	}
	if deps.Vector == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if deps.Chunks == nil {
		return nil, fmt.Errorf("chunk store is required")
	}

	codeChunker := deps.CodeChunker
	if codeChunker == nil {
		codeChunker = chunk.NewCodeChunker()
	}
	markdownChunker := deps.MarkdownChunker
	if markdownChunker == nil {
		markdownChunker = chunk.NewMarkdownChunker()
	}

	return &Runner{
		out:             deps.Output,
		config:          deps.Config,
		metadata:        deps.Metadata,
		bm25:            deps.BM25,
		vector:          deps.Vector,
		embedder:        deps.Embedder,
		chunks:          deps.Chunks,
		codeChunker:     codeChunker,
		markdownChunker: markdownChunker,
	}, nil
}

// Closer is an optional interface for chunkers that need cleanup.
type Closer interface {
	Close()
}

// Close releases resources held by the Runner.
func (r *Runner) Close() error {
	if c, ok := r.codeChunker.(Closer); ok {
		c.Close()
	}
	if c, ok := r.markdownChunker.(Closer); ok {
		c.Close()
	}
	return nil
}

// stageTiming tracks duration for each indexing stage.
type stageTiming struct {
	walk   time.Duration
	chunk  time.Duration
	embed  time.Duration
	index  time.Duration
}

const embeddingBatchSize = 32

// Run executes the indexing pipeline: walk, chunk, embed, and build the
// BM25/vector/codemap artifacts. In incremental mode (cfg.Incremental),
// only changed files are re-chunked and chunks for vanished files are
// dropped; in full mode every matched file is processed.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	startTime := time.Now()
	var timing stageTiming
	var warnCount int

	root := cfg.RootDir
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(root, ".pampa")
	}

	if err := r.checkDimensionCompat(ctx, cfg.Force); err != nil {
		return nil, err
	}

	// Stage 1: discover files.
	walkStart := time.Now()
	paths, err := r.walkFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	timing.walk = time.Since(walkStart)

	pathSet := make(map[string]bool, len(paths))
	for _, p := range paths {
		pathSet[p] = true
	}

	var removedFiles int
	if cfg.Incremental {
		removedFiles, err = r.pruneRemovedFiles(ctx, pathSet)
		if err != nil {
			return nil, fmt.Errorf("failed to prune removed files: %w", err)
		}
	}

	toProcess := paths
	if cfg.Incremental && !cfg.Force {
		toProcess, err = r.filterChangedFiles(ctx, root, paths)
		if err != nil {
			return nil, fmt.Errorf("failed to diff changed files: %w", err)
		}
	}

	if len(toProcess) == 0 {
		if err := r.writeCodemap(ctx, dataDir); err != nil {
			slog.Warn("failed to write codemap", slog.String("error", err.Error()))
		}
		return &RunnerResult{
			Files:        len(paths),
			RemovedFiles: removedFiles,
			Duration:     time.Since(startTime),
		}, nil
	}

	// Stage 2: chunk files.
	chunkStart := time.Now()
	rows, contents, chunkWarns := r.chunkFiles(ctx, root, toProcess)
	timing.chunk = time.Since(chunkStart)
	warnCount += chunkWarns

	if cfg.Incremental {
		for _, p := range toProcess {
			if err := r.metadata.DeleteByFilePath(ctx, p); err != nil {
				slog.Warn("failed to clear stale chunks for file",
					slog.String("path", p), slog.String("error", err.Error()))
			}
		}
	}

	if len(rows) == 0 {
		return &RunnerResult{
			Files:        len(paths),
			ChangedFiles: len(toProcess),
			RemovedFiles: removedFiles,
			Duration:     time.Since(startTime),
			Warnings:     warnCount,
		}, nil
	}

	// Stage 3: embed.
	embedStart := time.Now()
	if err := r.embedRows(ctx, rows, contents, cfg); err != nil {
		return nil, err
	}
	timing.embed = time.Since(embedStart)

	// Stage 4: persist chunk text, metadata rows, and rebuild indices.
	indexStart := time.Now()
	if err := r.persistChunkText(rows, contents); err != nil {
		return nil, fmt.Errorf("failed to write chunk store: %w", err)
	}
	if err := r.metadata.UpsertChunks(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to upsert chunk metadata: %w", err)
	}
	if err := r.rebuildIndices(ctx, dataDir); err != nil {
		return nil, err
	}
	if err := r.writeCodemap(ctx, dataDir); err != nil {
		slog.Warn("failed to write codemap", slog.String("error", err.Error()))
	}
	timing.index = time.Since(indexStart)

	if err := r.storeIndexEmbeddingInfo(ctx); err != nil {
		slog.Warn("failed to store index embedding info", slog.String("error", err.Error()))
	}
	r.clearCheckpoint(ctx)

	duration := time.Since(startTime)
	embedderInfo := embed.GetInfo(ctx, r.embedder)

	r.out.Successf("indexed %s files, %s chunks in %s",
		output.Count(len(toProcess)), output.Count(len(rows)), duration.Round(time.Millisecond))

	slog.Info("index_complete",
		slog.Int("files_total", len(paths)),
		slog.Int("files_changed", len(toProcess)),
		slog.Int("files_removed", removedFiles),
		slog.Int("chunks", len(rows)),
		slog.Int64("duration_walk_ms", timing.walk.Milliseconds()),
		slog.Int64("duration_chunk_ms", timing.chunk.Milliseconds()),
		slog.Int64("duration_embed_ms", timing.embed.Milliseconds()),
		slog.Int64("duration_index_ms", timing.index.Milliseconds()),
		slog.String("embedder_provider", string(embedderInfo.Provider)),
		slog.String("embedder_model", embedderInfo.Model),
		slog.Int("embedder_dimensions", embedderInfo.Dimensions),
		slog.String("path", root))

	return &RunnerResult{
		Files:        len(paths),
		ChangedFiles: len(toProcess),
		Chunks:       len(rows),
		RemovedFiles: removedFiles,
		Duration:     duration,
		Warnings:     warnCount,
	}, nil
}

// checkDimensionCompat refuses to continue if the current embedder's
// dimensions differ from what the index was built with, unless force
// is set (store.ErrDimensionMismatch names the fix: `update --force`).
func (r *Runner) checkDimensionCompat(ctx context.Context, force bool) error {
	if force {
		return nil
	}
	recorded, err := r.metadata.GetState(ctx, store.StateKeyIndexDimension)
	if err != nil || recorded == "" {
		return nil
	}
	var expected int
	if _, err := fmt.Sscanf(recorded, "%d", &expected); err != nil || expected == 0 {
		return nil
	}
	got := r.embedder.Dimensions()
	if got != expected {
		return store.ErrDimensionMismatch{Expected: expected, Got: got}
	}
	return nil
}

// walkFiles discovers indexable files under root using the layered
// ignore engine and the chunkers' combined extension set.
func (r *Runner) walkFiles(ctx context.Context, root string) ([]string, error) {
	r.out.Status("🔍", fmt.Sprintf("scanning %s...", root))
	slog.Info("index_walk_started", slog.String("path", root))

	ignoreEngine := ignore.New()
	if err := ignoreEngine.Walk(root); err != nil {
		slog.Warn("failed to load project ignore files", slog.String("error", err.Error()))
	}

	extensions := make(map[string]bool)
	for _, ext := range r.codeChunker.SupportedExtensions() {
		extensions[ext] = true
	}
	for _, ext := range r.markdownChunker.SupportedExtensions() {
		extensions[ext] = true
	}
	for _, ext := range r.config.Paths.Include {
		extensions[ext] = true
	}

	result, err := walker.Walk(ctx, root, walker.Options{
		Extensions: extensions,
		Ignore:     ignoreEngine,
		Workers:    runtime.GOMAXPROCS(0),
		Submodules: &r.config.Submodules,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	for _, w := range result.Warnings {
		slog.Debug("index_walk_warning",
			slog.String("path", w.Path), slog.String("code", w.Code), slog.String("message", w.Message))
	}

	slog.Info("index_walk_complete", slog.Int("files", len(result.Paths)), slog.Int("warnings", len(result.Warnings)))
	return result.Paths, nil
}

// pruneRemovedFiles deletes chunks for files no longer present in the
// current walk (deleted or newly excluded), returning how many files
// were affected.
func (r *Runner) pruneRemovedFiles(ctx context.Context, current map[string]bool) (int, error) {
	rows, err := r.metadata.ListChunks(ctx, store.ChunkFilter{})
	if err != nil {
		return 0, err
	}

	stale := make(map[string]bool)
	for _, row := range rows {
		if !current[row.FilePath] {
			stale[row.FilePath] = true
		}
	}

	for path := range stale {
		if err := r.metadata.DeleteByFilePath(ctx, path); err != nil {
			return 0, fmt.Errorf("failed to delete chunks for %s: %w", path, err)
		}
	}
	return len(stale), nil
}

// fileHashKey namespaces the per-file content hash recorded in the
// MetadataStore's generic state table, used to detect unmodified files
// on an incremental update without re-chunking them.
func fileHashKey(path string) string {
	return "file_sha:" + path
}

// filterChangedFiles keeps only files whose content hash differs from
// the one recorded on the previous run (or that have never been
// indexed at all).
func (r *Runner) filterChangedFiles(ctx context.Context, root string, paths []string) ([]string, error) {
	var changed []string
	for _, p := range paths {
		content, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			changed = append(changed, p)
			continue
		}

		recorded, err := r.metadata.GetState(ctx, fileHashKey(p))
		if err != nil || recorded != hashBytes(content) {
			changed = append(changed, p)
		}
	}
	return changed, nil
}

// chunkFiles reads and chunks the given paths, returning the resulting
// ChunkRows plus a map of chunk ID to full text content (for the chunk
// store and BM25 index).
func (r *Runner) chunkFiles(ctx context.Context, root string, paths []string) ([]*store.ChunkRow, map[string]string, int) {
	var rows []*store.ChunkRow
	contents := make(map[string]string)
	var warnCount int

	markdownExtSet := make(map[string]bool)
	for _, ext := range r.markdownChunker.SupportedExtensions() {
		markdownExtSet[strings.ToLower(ext)] = true
	}

	bar := r.out.NewIndexBar(len(paths), "chunking")
	for _, relPath := range paths {
		select {
		case <-ctx.Done():
			return rows, contents, warnCount
		default:
		}
		_ = bar.Add(1)

		absPath := filepath.Join(root, relPath)
		raw, err := os.ReadFile(absPath)
		if err != nil {
			slog.Debug("index_read_failed", slog.String("path", relPath), slog.String("error", err.Error()))
			warnCount++
			continue
		}

		lang := languageForExt(filepath.Ext(relPath))
		input := &chunk.FileInput{Path: relPath, Content: raw, Language: lang}

		var fileChunks []*chunk.Chunk
		if markdownExtSet[strings.ToLower(filepath.Ext(relPath))] {
			fileChunks, err = r.markdownChunker.Chunk(ctx, input)
		} else {
			fileChunks, err = r.codeChunker.Chunk(ctx, input)
		}
		if err != nil {
			slog.Debug("index_chunk_failed", slog.String("path", relPath), slog.String("error", err.Error()))
			warnCount++
			continue
		}

		for _, c := range fileChunks {
			row := chunkToRow(c)
			rows = append(rows, row)
			contents[row.ID] = c.Content
		}

		if err := r.metadata.SetState(ctx, fileHashKey(relPath), hashBytes(raw)); err != nil {
			slog.Debug("index_filehash_save_failed", slog.String("path", relPath), slog.String("error", err.Error()))
		}
	}

	slog.Info("index_chunking_complete", slog.Int("chunks", len(rows)), slog.Int("files", len(paths)))
	return rows, contents, warnCount
}

// embedRows generates embeddings for every row lacking one, checkpointing
// progress through MetadataStore state so a later run can tell how far
// an interrupted run got.
func (r *Runner) embedRows(ctx context.Context, rows []*store.ChunkRow, contents map[string]string, cfg RunnerConfig) error {
	var pending []*store.ChunkRow
	for _, row := range rows {
		if !row.HasEmbedding() {
			pending = append(pending, row)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	provider := r.embedder.ModelName()
	r.saveCheckpoint(ctx, "embedding", len(pending), 0, provider)

	bar := r.out.NewIndexBar(len(pending), "embedding")
	embedded := 0

	for start := 0; start < len(pending); start += embeddingBatchSize {
		select {
		case <-ctx.Done():
			return fmt.Errorf("indexing interrupted at %d/%d chunks: %w", embedded, len(pending), ctx.Err())
		default:
		}

		end := start + embeddingBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, row := range batch {
			texts[i] = contents[row.ID]
		}
		if end >= len(pending) {
			r.embedder.SetFinalBatch(true)
		}

		vectors, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed batch %d-%d: %w", start, end, err)
		}

		for i, row := range batch {
			row.Embedding = toFloat64(vectors[i])
			row.EmbeddingProvider = provider
			row.EmbeddingDimensions = len(vectors[i])
		}

		embedded += len(batch)
		_ = bar.Add(len(batch))
		r.saveCheckpoint(ctx, "embedding", len(pending), embedded, provider)

		if cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.InterBatchDelay):
			}
		}
	}

	return nil
}

// persistChunkText writes every row's content to the content-addressed
// chunk store, keyed by the row's Sha.
func (r *Runner) persistChunkText(rows []*store.ChunkRow, contents map[string]string) error {
	for _, row := range rows {
		if err := r.chunks.WriteChunk(row.Sha, contents[row.ID]); err != nil {
			return fmt.Errorf("failed to write chunk %s: %w", row.ID, err)
		}
	}
	return nil
}

// rebuildIndices re-derives the BM25 and vector indices from the full
// current metadata set and persists them under dataDir.
func (r *Runner) rebuildIndices(ctx context.Context, dataDir string) error {
	all, err := r.metadata.ListChunks(ctx, store.ChunkFilter{})
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}

	docs := make([]*store.Document, 0, len(all))
	ids := make([]string, 0, len(all))
	vectors := make([][]float32, 0, len(all))

	for _, row := range all {
		content, err := r.chunks.ReadChunk(row.Sha)
		if err != nil {
			slog.Debug("index_reread_failed", slog.String("id", row.ID), slog.String("error", err.Error()))
			continue
		}
		docs = append(docs, &store.Document{ID: row.ID, Content: content})

		if row.HasEmbedding() {
			ids = append(ids, row.ID)
			vectors = append(vectors, toFloat32(row.Embedding))
		}
	}

	if err := r.bm25.Index(ctx, docs); err != nil {
		return fmt.Errorf("failed to index BM25: %w", err)
	}
	if err := r.vector.Add(ctx, ids, vectors); err != nil {
		return fmt.Errorf("failed to add to vector store: %w", err)
	}

	bm25Path := filepath.Join(dataDir, "bm25")
	if err := r.bm25.Save(bm25Path); err != nil {
		return fmt.Errorf("failed to save BM25 index: %w", err)
	}
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if err := r.vector.Save(vectorPath); err != nil {
		return fmt.Errorf("failed to save vector store: %w", err)
	}
	return nil
}

// writeCodemap serializes the full current chunk set to
// pampa.codemap.json alongside dataDir's project root.
func (r *Runner) writeCodemap(ctx context.Context, dataDir string) error {
	all, err := r.metadata.ListChunks(ctx, store.ChunkFilter{})
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	m := codemap.New()
	for _, row := range all {
		var symbol *string
		if row.Symbol != "" {
			s := row.Symbol
			symbol = &s
		}
		m.Set(row.ID, &codemap.ChunkMeta{
			ChunkType:     row.ChunkType,
			Description:   row.PampaDescription,
			DocComments:   row.DocComments,
			File:          row.FilePath,
			Intent:        row.PampaIntent,
			Lang:          row.Lang,
			PathWeight:    1,
			Provider:      row.EmbeddingProvider,
			Sha:           row.Sha,
			SuccessRate:   0,
			Symbol:        symbol,
			Tags:          row.PampaTags,
			VariablesUsed: row.VariablesUsed,
		})
	}

	path := filepath.Join(filepath.Dir(dataDir), "pampa.codemap.json")
	return codemap.WriteFile(m, path)
}

func (r *Runner) storeIndexEmbeddingInfo(ctx context.Context) error {
	dim := fmt.Sprintf("%d", r.embedder.Dimensions())
	provider := r.embedder.ModelName()

	if err := r.metadata.SetState(ctx, store.StateKeyIndexDimension, dim); err != nil {
		return fmt.Errorf("failed to store index dimension: %w", err)
	}
	if err := r.metadata.SetState(ctx, store.StateKeyIndexProvider, provider); err != nil {
		return fmt.Errorf("failed to store index provider: %w", err)
	}
	return nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, stage string, total, embedded int, provider string) {
	_ = r.metadata.SetState(ctx, store.StateKeyCheckpointStage, stage)
	_ = r.metadata.SetState(ctx, store.StateKeyCheckpointTotal, fmt.Sprintf("%d", total))
	_ = r.metadata.SetState(ctx, store.StateKeyCheckpointEmbedded, fmt.Sprintf("%d", embedded))
	_ = r.metadata.SetState(ctx, store.StateKeyCheckpointTimestamp, time.Now().UTC().Format(time.RFC3339))
	_ = r.metadata.SetState(ctx, store.StateKeyCheckpointProvider, provider)
}

func (r *Runner) clearCheckpoint(ctx context.Context) {
	_ = r.metadata.SetState(ctx, store.StateKeyCheckpointStage, "complete")
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var languageByExt = map[string]string{
	".go":    "go",
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".py":    "python",
}

func languageForExt(ext string) string {
	return languageByExt[strings.ToLower(ext)]
}
