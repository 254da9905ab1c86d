package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pampax/internal/config"
	"github.com/Aman-CERP/pampax/internal/embed"
	"github.com/Aman-CERP/pampax/internal/output"
	"github.com/Aman-CERP/pampax/internal/store"
)

func newInfoCmd() *cobra.Command {
	var (
		pretty       bool
		serveMetrics bool
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "info [path]",
		Short: "Show index configuration and statistics",
		Long: `Display detailed information about the search index: the embedding
model and dimensions it was built with, chunk/file counts, on-disk
sizes, and whether the currently configured embedder is still
dimension-compatible with the stored index.

With --serve-metrics, instead of printing once, blocks and serves the
same counts as a Prometheus /metrics endpoint.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			if serveMetrics {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return serveInfoMetrics(ctx, cmd, path, metricsAddr)
			}
			return runInfo(cmd.Context(), cmd, path, pretty)
		},
	}

	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console output instead of JSON")
	cmd.Flags().BoolVar(&serveMetrics, "serve-metrics", false, "Serve index stats as a Prometheus /metrics endpoint instead of printing once")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address to bind the --serve-metrics HTTP server")

	return cmd
}

// indexStats is the {project,stats} envelope's stats payload, assembled
// by hand from MetadataStore.Stats, GetState, and file sizes - there is
// no single GetIndexInfo call, the data lives across three stores.
type indexStats struct {
	ChunkCount      int    `json:"chunk_count"`
	FileCount       int    `json:"file_count"`
	IndexDimensions int    `json:"index_dimensions,omitempty"`
	IndexProvider   string `json:"index_provider,omitempty"`
	CurrentProvider string `json:"current_provider,omitempty"`
	CurrentDims     int    `json:"current_dimensions,omitempty"`
	Compatible      bool   `json:"compatible"`
	MetadataBytes   int64  `json:"metadata_bytes"`
	BM25Bytes       int64  `json:"bm25_bytes"`
	VectorBytes     int64  `json:"vector_bytes"`
	ChunksBytes     int64  `json:"chunks_bytes"`
}

func runInfo(ctx context.Context, cmd *cobra.Command, path string, pretty bool) error {
	root, dataDir, stats, err := gatherInfoStats(ctx, path)
	if err != nil {
		return err
	}

	if pretty {
		return writeInfoText(cmd, root, dataDir, stats)
	}
	return writeJSONResult(cmd, map[string]any{
		"project": map[string]any{
			"root":     root,
			"data_dir": dataDir,
		},
		"stats": stats,
	})
}

// gatherInfoStats assembles the stats payload shared by the plain `info`
// output and the --serve-metrics exposition. There is no single
// GetIndexInfo call: the data lives across the metadata store, the
// on-disk index files, and the currently configured embedder.
func gatherInfoStats(ctx context.Context, path string) (root, dataDir string, stats indexStats, err error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", "", stats, fmt.Errorf("failed to resolve path: %w", err)
	}
	root, err = config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir = filepath.Join(root, ".pampa")
	metadataPath := filepath.Join(dataDir, "pampa.db")
	if _, statErr := os.Stat(metadataPath); os.IsNotExist(statErr) {
		return "", "", stats, fmt.Errorf("no index found at %s, run 'pampax index %s' to create one", dataDir, path)
	}

	metadata, err := store.OpenSQLiteMetadataStore(metadataPath)
	if err != nil {
		return "", "", stats, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	chunkCount, fileCount, err := metadata.Stats(ctx)
	if err != nil {
		return "", "", stats, fmt.Errorf("failed to read index stats: %w", err)
	}

	stats = indexStats{
		ChunkCount:    chunkCount,
		FileCount:     fileCount,
		MetadataBytes: fileSize(metadataPath),
		BM25Bytes:     fileSize(filepath.Join(dataDir, "bm25.db")) + fileSize(filepath.Join(dataDir, "bm25.bleve")),
		VectorBytes:   fileSize(filepath.Join(dataDir, "vectors.hnsw")),
		ChunksBytes:   dirSize(filepath.Join(dataDir, "chunks")),
	}

	if dimStr, stateErr := metadata.GetState(ctx, store.StateKeyIndexDimension); stateErr == nil && dimStr != "" {
		if dim, convErr := strconv.Atoi(dimStr); convErr == nil {
			stats.IndexDimensions = dim
		}
	}
	if provider, stateErr := metadata.GetState(ctx, store.StateKeyIndexProvider); stateErr == nil {
		stats.IndexProvider = provider
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	embed.SetLocalConfig(embed.LocalServerConfig{
		Endpoint: cfg.Embeddings.LocalEndpoint,
		Model:    cfg.Embeddings.LocalModel,
	})
	embedCtx, embedCancel := context.WithTimeout(ctx, 5*time.Second)
	if embedder, embedErr := embed.NewEmbedder(embedCtx, embed.ParseProvider(cfg.Embeddings.Provider), cfg.Embeddings.Model); embedErr == nil {
		embedInfo := embed.GetInfo(ctx, embedder)
		stats.CurrentProvider = string(embedInfo.Provider)
		stats.CurrentDims = embedInfo.Dimensions
		_ = embedder.Close()
	}
	embedCancel()

	stats.Compatible = stats.IndexDimensions == 0 || stats.CurrentDims == 0 || stats.IndexDimensions == stats.CurrentDims
	return root, dataDir, stats, nil
}

// infoMetrics holds the gauges served by `info --serve-metrics`, refreshed
// on every scrape so the exposition always reflects the current on-disk
// index rather than a snapshot taken at server startup.
type infoMetrics struct {
	path       string
	registry   *prometheus.Registry
	chunks     prometheus.Gauge
	files      prometheus.Gauge
	compatible prometheus.Gauge
	scrapeErrs prometheus.Counter
}

func newInfoMetrics(path string) *infoMetrics {
	m := &infoMetrics{
		path:     path,
		registry: prometheus.NewRegistry(),
		chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pampax",
			Name:      "index_chunks_total",
			Help:      "Number of chunks currently stored in the index.",
		}),
		files: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pampax",
			Name:      "index_files_total",
			Help:      "Number of files currently represented in the index.",
		}),
		compatible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pampax",
			Name:      "index_embedder_compatible",
			Help:      "1 if the configured embedder's dimensions match the stored index, 0 otherwise.",
		}),
		scrapeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pampax",
			Name:      "index_scrape_errors_total",
			Help:      "Number of failed attempts to refresh index stats for a /metrics scrape.",
		}),
	}
	m.registry.MustRegister(m.chunks, m.files, m.compatible, m.scrapeErrs)
	return m
}

// refresh re-reads the index stats right before each scrape. Errors are
// counted, not surfaced to the scraper: a transient read failure shouldn't
// turn a working /metrics endpoint into a 500.
func (m *infoMetrics) refresh(ctx context.Context) {
	_, _, stats, err := gatherInfoStats(ctx, m.path)
	if err != nil {
		m.scrapeErrs.Inc()
		return
	}
	m.chunks.Set(float64(stats.ChunkCount))
	m.files.Set(float64(stats.FileCount))
	if stats.Compatible {
		m.compatible.Set(1)
	} else {
		m.compatible.Set(0)
	}
}

// serveInfoMetrics blocks, serving index stats as a Prometheus text
// exposition at /metrics until the command context is cancelled.
func serveInfoMetrics(ctx context.Context, cmd *cobra.Command, path, addr string) error {
	out := output.New(cmd.OutOrStdout())

	metrics := newInfoMetrics(path)
	metrics.refresh(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		metrics.refresh(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	out.Statusf("📡", "Serving index metrics on %s/metrics", addr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func writeInfoText(cmd *cobra.Command, root, dataDir string, stats indexStats) error {
	out := output.New(cmd.OutOrStdout())

	out.Statusf("📁", "Project: %s", root)
	out.Statusf("📦", "Index:   %s", dataDir)
	out.Newline()
	out.Statusf("", "Chunks:      %s", output.Count(stats.ChunkCount))
	out.Statusf("", "Files:       %s", output.Count(stats.FileCount))
	out.Statusf("", "Metadata DB: %s", output.Bytes(stats.MetadataBytes))
	out.Statusf("", "BM25 index:  %s", output.Bytes(stats.BM25Bytes))
	out.Statusf("", "Vector idx:  %s", output.Bytes(stats.VectorBytes))
	out.Statusf("", "Chunk store: %s", output.Bytes(stats.ChunksBytes))
	out.Newline()

	if stats.IndexProvider != "" {
		out.Statusf("", "Built with:  %s (%d dims)", stats.IndexProvider, stats.IndexDimensions)
	}
	if stats.CurrentProvider != "" {
		out.Statusf("", "Configured:  %s (%d dims)", stats.CurrentProvider, stats.CurrentDims)
		if stats.Compatible {
			out.Success("Compatible with the stored index")
		} else {
			out.Warning("Dimension mismatch: semantic search is disabled, run 'pampax update --force'")
		}
	}

	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
