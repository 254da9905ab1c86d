package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pampax/internal/chunkstore"
	"github.com/Aman-CERP/pampax/internal/config"
	"github.com/Aman-CERP/pampax/internal/embed"
	"github.com/Aman-CERP/pampax/internal/index"
	"github.com/Aman-CERP/pampax/internal/output"
	"github.com/Aman-CERP/pampax/internal/store"
)

func newIndexCmd() *cobra.Command {
	var (
		provider      string
		force         bool
		pretty        bool
		encrypt       string
		encryptionKey string
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build a semantic index for a directory",
		Long: `Index a directory to enable hybrid search over its contents.

This scans files, chunks code and documents with tree-sitter, generates
embeddings, and builds the BM25 and vector indices plus the codemap used
by 'pampax search'.

Provider selection (--provider) defaults to auto-detection: OpenAI, then
Cohere, then Ollama, then a local embedding server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			return runIndex(ctx, cmd, indexOptions{
				path:          path,
				provider:      provider,
				force:         force,
				pretty:        pretty,
				encrypt:       encrypt,
				encryptionKey: encryptionKey,
				incremental:   false,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Embedding provider: auto-detect (default), openai, cohere, ollama, or local")
	cmd.Flags().BoolVar(&force, "force", false, "Clear existing index data and rebuild from scratch")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console output instead of JSON")
	cmd.Flags().StringVar(&encrypt, "encrypt", "", "Enable or disable chunk store encryption: on|off")
	cmd.Flags().StringVar(&encryptionKey, "encryption-key", "", "Master key for chunk store encryption (base64 or hex)")

	return cmd
}

// indexOptions carries the flag values shared by `index` and `update`.
type indexOptions struct {
	path          string
	provider      string
	force         bool
	pretty        bool
	encrypt       string
	encryptionKey string
	incremental   bool
}

func runIndex(ctx context.Context, cmd *cobra.Command, opts indexOptions) error {
	out := output.New(cmd.OutOrStdout())

	absPath, err := filepath.Abs(opts.path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("failed to access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	if opts.provider != "" {
		os.Setenv("PAMPAX_EMBEDDINGS_PROVIDER", opts.provider)
	}
	if opts.encryptionKey != "" {
		os.Setenv("PAMPAX_ENCRYPTION_KEY", opts.encryptionKey)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	switch opts.encrypt {
	case "on":
		cfg.Encryption.Enabled = true
	case "off":
		cfg.Encryption.Enabled = false
	}

	dataDir := filepath.Join(root, ".pampa")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := embed.NewNamedFileLock(filepath.Join(dataDir, "index.lock"))
	acquired, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire index lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("another index/update is already running against %s", dataDir)
	}
	defer func() { _ = lock.Unlock() }()

	if opts.force {
		if err := clearIndexData(dataDir); err != nil {
			return fmt.Errorf("failed to clear index data: %w", err)
		}
		if opts.pretty {
			out.Status("🧹", "Cleared existing index data, starting fresh...")
		}
	}

	metadataPath := filepath.Join(dataDir, "pampa.db")
	metadata, err := store.OpenSQLiteMetadataStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), "")
	if err != nil {
		return fmt.Errorf("failed to create BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	embed.SetLocalConfig(embed.LocalServerConfig{
		Endpoint: cfg.Embeddings.LocalEndpoint,
		Model:    cfg.Embeddings.LocalModel,
	})

	providerType := embed.ParseProvider(cfg.Embeddings.Provider)
	if opts.pretty {
		out.Statusf("🔌", "Connecting to %s embedder...", providerType)
	}

	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, providerType, cfg.Embeddings.Model)
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

	var masterKey []byte
	if cfg.Encryption.Enabled {
		masterKey, err = chunkstore.ParseMasterKey(cfg.Encryption.Key)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
	}
	chunksDir := filepath.Join(dataDir, "chunks")
	chunks, err := chunkstore.New(chunksDir, masterKey)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}

	runner, err := index.NewRunner(index.RunnerDependencies{
		Output:   out,
		Config:   cfg,
		Metadata: metadata,
		BM25:     bm25,
		Vector:   vector,
		Embedder: embedder,
		Chunks:   chunks,
	})
	if err != nil {
		return fmt.Errorf("failed to create index runner: %w", err)
	}
	defer func() { _ = runner.Close() }()

	result, err := runner.Run(ctx, index.RunnerConfig{
		RootDir:     root,
		DataDir:     dataDir,
		Incremental: opts.incremental,
		Force:       opts.force,
	})
	if err != nil {
		return err
	}

	return writeIndexResult(cmd, out, opts.pretty, result)
}

func writeIndexResult(cmd *cobra.Command, out *output.Writer, pretty bool, result *index.RunnerResult) error {
	if pretty {
		out.Successf("Indexed %s files (%s chunks) in %s", output.Count(result.Files), output.Count(result.Chunks), result.Duration.Round(time.Millisecond))
		if result.RemovedFiles > 0 {
			out.Statusf("🗑️ ", "Removed %d stale files", result.RemovedFiles)
		}
		if result.Warnings > 0 {
			out.Warningf("%d warnings during indexing", result.Warnings)
		}
		return nil
	}

	return writeJSONResult(cmd, map[string]any{
		"files":         result.Files,
		"changed_files": result.ChangedFiles,
		"chunks":        result.Chunks,
		"removed_files": result.RemovedFiles,
		"duration_ms":   result.Duration.Milliseconds(),
		"warnings":      result.Warnings,
	})
}

// clearIndexData removes all index-related files from the data directory.
// This preserves any .pampa.yaml config file, which lives at project
// root, not inside dataDir.
func clearIndexData(dataDir string) error {
	indexFiles := []string{
		filepath.Join(dataDir, "pampa.db"),
		filepath.Join(dataDir, "pampa.db-shm"),
		filepath.Join(dataDir, "pampa.db-wal"),
		filepath.Join(dataDir, "bm25.bleve"),
		filepath.Join(dataDir, "bm25.db"),
		filepath.Join(dataDir, "bm25.db-wal"),
		filepath.Join(dataDir, "bm25.db-shm"),
		filepath.Join(dataDir, "vectors.hnsw"),
		filepath.Join(dataDir, "chunks"),
	}

	for _, path := range indexFiles {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}

	return nil
}
