package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pampax/internal/chunkstore"
	"github.com/Aman-CERP/pampax/internal/config"
	"github.com/Aman-CERP/pampax/internal/embed"
	"github.com/Aman-CERP/pampax/internal/output"
	"github.com/Aman-CERP/pampax/internal/search"
	"github.com/Aman-CERP/pampax/internal/store"
)

func newSearchCmd() *cobra.Command {
	var (
		limit    int
		lang     string
		pathGlob string
		tags     string
		hybrid   string
		bm25Only string
		filter   string
		reranker string
		explain  bool
		pretty   bool
	)

	cmd := &cobra.Command{
		Use:   "search <query> [path]",
		Short: "Search an index with hybrid BM25 + semantic ranking",
		Long: `Search a previously built index.

Results combine BM25 keyword search and vector semantic search, fused
with Reciprocal Rank Fusion. Use --bm25=on to force keyword-only search
(no embedding call), and --hybrid=off to run vector-only search.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 1 {
				path = args[1]
			}

			return runSearch(cmd.Context(), cmd, searchOptions{
				query:    args[0],
				path:     path,
				limit:    limit,
				lang:     lang,
				pathGlob: pathGlob,
				tags:     tags,
				hybrid:   hybrid,
				bm25Only: bm25Only,
				filter:   filter,
				reranker: reranker,
				explain:  explain,
				pretty:   pretty,
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	cmd.Flags().IntVar(&limit, "top", 10, "Alias for --limit")
	cmd.Flags().StringVar(&lang, "lang", "", "Filter by programming language (e.g. go, typescript)")
	cmd.Flags().StringVar(&pathGlob, "path_glob", "", "Restrict results to files under this path prefix")
	cmd.Flags().StringVar(&tags, "tags", "", "Comma-separated pampa_tags filter, all must match")
	cmd.Flags().StringVar(&hybrid, "hybrid", "on", "Enable RRF fusion of BM25 and vector candidates: on|off")
	cmd.Flags().StringVar(&bm25Only, "bm25", "off", "Force keyword-only search, skipping embeddings: on|off")
	cmd.Flags().StringVar(&filter, "filter", "all", "Content type filter: all|code|docs")
	cmd.Flags().StringVar(&reranker, "reranker", "", "Cross-encoder reranking: off|transformers|api (default: project config)")
	cmd.Flags().BoolVar(&explain, "explain", false, "Attach ranking explanation to the top result")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console output instead of JSON")

	return cmd
}

type searchOptions struct {
	query    string
	path     string
	limit    int
	lang     string
	pathGlob string
	tags     string
	hybrid   string
	bm25Only string
	filter   string
	reranker string
	explain  bool
	pretty   bool
}

func runSearch(ctx context.Context, cmd *cobra.Command, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())

	absPath, err := filepath.Abs(opts.path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	dataDir := filepath.Join(root, ".pampa")
	metadataPath := filepath.Join(dataDir, "pampa.db")
	if _, statErr := os.Stat(metadataPath); statErr != nil {
		return fmt.Errorf("no index found at %s, run 'pampax index' first", dataDir)
	}

	metadata, err := store.OpenSQLiteMetadataStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), string(store.DetectBM25Backend(bm25BasePath)))
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	embed.SetLocalConfig(embed.LocalServerConfig{
		Endpoint: cfg.Embeddings.LocalEndpoint,
		Model:    cfg.Embeddings.LocalModel,
	})
	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, embed.ParseProvider(cfg.Embeddings.Provider), cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		return fmt.Errorf("embedder initialization failed: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			out.Warningf("failed to load vector store, falling back to keyword-only results: %v", loadErr)
		}
	}

	var masterKey []byte
	if cfg.Encryption.Enabled {
		masterKey, err = chunkstore.ParseMasterKey(cfg.Encryption.Key)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
	}
	chunks, err := chunkstore.New(filepath.Join(dataDir, "chunks"), masterKey)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}

	engineCfg := search.DefaultConfig()
	engineCfg.DefaultLimit = cfg.Search.Limit
	engineCfg.DefaultWeights = search.Weights{BM25: cfg.Search.BM25Weight, Semantic: cfg.Search.VectorWeight}
	engineCfg.RRFConstant = cfg.Search.RRFConstant

	var engineOpts []search.EngineOption
	reranker, rerankerErr := buildReranker(opts.reranker, cfg)
	if rerankerErr != nil {
		out.Warningf("reranker disabled: %v", rerankerErr)
	} else if reranker != nil {
		defer func() { _ = reranker.Close() }()
		engineOpts = append(engineOpts, search.WithReranker(reranker))
	}

	engine, err := search.NewEngine(bm25, vector, embedder, metadata, chunks, engineCfg, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create search engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	searchOpts := search.SearchOptions{
		Limit:    opts.limit,
		Filter:   opts.filter,
		Language: opts.lang,
		Hybrid:   parseOnOff(opts.hybrid, true),
		BM25Only: parseOnOff(opts.bm25Only, false),
		Explain:  opts.explain,
	}
	if opts.pathGlob != "" {
		searchOpts.Scopes = []string{search.NormalizeScope(opts.pathGlob)}
	}

	if err := search.ValidateOptions(searchOpts); err != nil {
		return fmt.Errorf("invalid search options: %w", err)
	}

	results, err := engine.Search(ctx, opts.query, searchOpts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	results = filterByTags(results, opts.tags)

	if opts.pretty {
		return writeSearchText(out, opts.query, results)
	}
	return writeSearchJSON(cmd, opts.query, searchOpts, results)
}

// filterByTags keeps only results whose ChunkRow.PampaTags contains every
// comma-separated tag in csv. Empty csv is a no-op. This is a CLI-layer
// filter: the engine's SearchOptions has no tags field of its own, since
// pampa_tags are a chunk annotation, not a ranking-time query criterion.
func filterByTags(results []*search.SearchResult, csv string) []*search.SearchResult {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return results
	}
	want := strings.Split(csv, ",")
	for i := range want {
		want[i] = strings.TrimSpace(want[i])
	}

	filtered := make([]*search.SearchResult, 0, len(results))
	for _, r := range results {
		if hasAllTags(r.Chunk.PampaTags, want) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if w == "" {
			continue
		}
		if !set[w] {
			return false
		}
	}
	return true
}

// buildReranker resolves the effective reranker mode (--reranker flag
// overrides the project config) and constructs the matching
// search.Reranker. Returns (nil, nil) when reranking is off.
func buildReranker(flagMode string, cfg *config.Config) (search.Reranker, error) {
	mode := cfg.Reranker.Mode
	if flagMode != "" {
		mode = flagMode
	}

	switch mode {
	case "", search.RerankerModeOff:
		return nil, nil
	case search.RerankerModeTransformers, search.RerankerModeAPI:
		return search.NewHTTPReranker(mode, cfg.Reranker.Endpoint, cfg.Reranker.APIKey)
	default:
		return nil, fmt.Errorf("unknown reranker mode %q", mode)
	}
}

func parseOnOff(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes":
		return true
	case "off", "false", "no":
		return false
	default:
		return def
	}
}

type searchResultJSON struct {
	ID          string   `json:"id"`
	FilePath    string   `json:"file_path"`
	Symbol      string   `json:"symbol,omitempty"`
	Lang        string   `json:"lang,omitempty"`
	ChunkType   string   `json:"chunk_type,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Score       float64  `json:"score"`
	BM25Score   float64  `json:"bm25_score"`
	VecScore    float64  `json:"vec_score"`
	Content     string   `json:"content"`
}

func writeSearchJSON(cmd *cobra.Command, query string, opts search.SearchOptions, results []*search.SearchResult) error {
	out := make([]searchResultJSON, 0, len(results))
	for _, r := range results {
		out = append(out, searchResultJSON{
			ID:          r.Chunk.ID,
			FilePath:    r.Chunk.FilePath,
			Symbol:      r.Chunk.Symbol,
			Lang:        r.Chunk.Lang,
			ChunkType:   r.Chunk.ChunkType,
			Description: r.Chunk.PampaDescription,
			Tags:        r.Chunk.PampaTags,
			Score:       r.Score,
			BM25Score:   r.BM25Score,
			VecScore:    r.VecScore,
			Content:     r.Content,
		})
	}

	envelope := map[string]any{
		"query":   query,
		"results": out,
		"total":   len(out),
		"filters": map[string]any{
			"filter":      opts.Filter,
			"lang":        opts.Language,
			"symbol_type": opts.SymbolType,
			"scopes":      opts.Scopes,
			"bm25_only":   opts.BM25Only,
			"hybrid":      opts.Hybrid,
		},
	}
	if len(results) > 0 && results[0].Explain != nil {
		envelope["explain"] = results[0].Explain
	}

	return writeJSONResult(cmd, envelope)
}

func writeSearchText(out *output.Writer, query string, results []*search.SearchResult) error {
	out.Statusf("🔍", "Results for %q (%d)", query, len(results))
	for i, r := range results {
		out.Newline()
		out.Statusf("", "%d. %s  symbol=%s  score=%.3f", i+1, r.Chunk.FilePath, r.Chunk.Symbol, r.Score)
		if r.Chunk.PampaDescription != "" {
			out.Statusf("", "   %s", r.Chunk.PampaDescription)
		}
	}
	return nil
}
