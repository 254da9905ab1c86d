package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGO SQLite driver, the primary read/write connection
)

// SQLiteMetadataStore implements MetadataStore against the frozen v1
// code_chunks schema, plus the intention_cache and query_patterns
// auxiliary tables.
type SQLiteMetadataStore struct {
	db   *sql.DB
	path string
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// requiredPragmas are applied at creation time. Existing databases
// created with a different page_size remain readable; page_size only
// takes effect on a fresh file.
var requiredPragmas = []string{
	"PRAGMA journal_mode = delete",
	"PRAGMA foreign_keys = OFF",
	"PRAGMA encoding = 'UTF-8'",
}

// OpenSQLiteMetadataStore opens (creating if absent) the chunk metadata
// database at path.
func OpenSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	isNew := true
	if _, err := os.Stat(path); err == nil {
		isNew = false
	}

	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	dsn := path
	if isNew && path != "" && path != ":memory:" {
		dsn = path + "?_page_size=4096"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range requiredPragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS code_chunks (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		symbol TEXT NOT NULL,
		sha TEXT NOT NULL,
		lang TEXT NOT NULL,
		chunk_type TEXT NOT NULL DEFAULT 'function',
		embedding BLOB,
		embedding_provider TEXT,
		embedding_dimensions INTEGER,
		pampa_tags TEXT,
		pampa_intent TEXT,
		pampa_description TEXT,
		doc_comments TEXT,
		variables_used TEXT,
		context_info TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_file_path ON code_chunks(file_path);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_symbol ON code_chunks(symbol);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_lang ON code_chunks(lang);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_embedding_provider ON code_chunks(embedding_provider);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_chunk_type ON code_chunks(chunk_type);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_pampa_tags ON code_chunks(pampa_tags);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_pampa_intent ON code_chunks(pampa_intent);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_provider_dims ON code_chunks(lang, embedding_provider, embedding_dimensions);

	CREATE TABLE IF NOT EXISTS intention_cache (
		normalized_query TEXT PRIMARY KEY,
		target_sha TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		use_count INTEGER NOT NULL DEFAULT 0,
		last_used_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_intention_cache_target_sha ON intention_cache(target_sha);

	CREATE TABLE IF NOT EXISTS query_patterns (
		pattern TEXT PRIMARY KEY,
		frequency INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_query_patterns_frequency ON query_patterns(frequency);

	CREATE TABLE IF NOT EXISTS kv_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// encodeEmbedding renders a float64 vector as the compact-JSON BLOB
// format: no whitespace, minimal numeric representation.
func encodeEmbedding(vec []float64) ([]byte, error) {
	if vec == nil {
		return nil, nil
	}
	for _, v := range vec {
		if v != v || v > 1.7976931348623157e+308 || v < -1.7976931348623157e+308 {
			return nil, fmt.Errorf("store: embedding contains NaN or infinite value")
		}
	}
	return json.Marshal(vec)
}

func decodeEmbedding(blob []byte) ([]float64, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var vec []float64
	if err := json.Unmarshal(blob, &vec); err != nil {
		return nil, fmt.Errorf("store: decode embedding blob: %w", err)
	}
	return vec, nil
}

// encodeJSONColumn validates that value, once marshaled, is a JSON
// value of the expected shape ('[' for array, '{' for object). On
// violation it warns and returns nil (the caller stores NULL) instead
// of failing the insert.
func encodeJSONColumn(value any, expectArray bool, column string) any {
	if value == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		slog.Warn("store_json_column_invalid", slog.String("column", column), slog.String("error", err.Error()))
		return nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" || text == "null" {
		return nil
	}
	if expectArray && !strings.HasPrefix(text, "[") {
		slog.Warn("store_json_column_wrong_shape", slog.String("column", column), slog.String("expected", "array"))
		return nil
	}
	if !expectArray && !strings.HasPrefix(text, "{") {
		slog.Warn("store_json_column_wrong_shape", slog.String("column", column), slog.String("expected", "object"))
		return nil
	}
	return text
}

func decodeStringArrayColumn(text sql.NullString) []string {
	if !text.Valid || text.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(text.String), &out); err != nil {
		slog.Warn("store_json_column_corrupt", slog.String("error", err.Error()))
		return nil
	}
	return out
}

// UpsertChunks inserts or replaces rows by ID in a single transaction.
func (s *SQLiteMetadataStore) UpsertChunks(ctx context.Context, rows []*ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO code_chunks (
			id, file_path, symbol, sha, lang, chunk_type,
			embedding, embedding_provider, embedding_dimensions,
			pampa_tags, pampa_intent, pampa_description, doc_comments,
			variables_used, context_info, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			symbol = excluded.symbol,
			sha = excluded.sha,
			lang = excluded.lang,
			chunk_type = excluded.chunk_type,
			embedding = excluded.embedding,
			embedding_provider = excluded.embedding_provider,
			embedding_dimensions = excluded.embedding_dimensions,
			pampa_tags = excluded.pampa_tags,
			pampa_intent = excluded.pampa_intent,
			pampa_description = excluded.pampa_description,
			doc_comments = excluded.doc_comments,
			variables_used = excluded.variables_used,
			context_info = excluded.context_info,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		chunkType := row.ChunkType
		if chunkType == "" {
			chunkType = DefaultChunkType
		}

		embBlob, err := encodeEmbedding(row.Embedding)
		if err != nil {
			return fmt.Errorf("store: chunk %s: %w", row.ID, err)
		}

		tags := encodeJSONColumn(row.PampaTags, true, "pampa_tags")
		vars := encodeJSONColumn(row.VariablesUsed, true, "variables_used")
		var ctxInfo any
		if row.ContextInfo != "" {
			var obj map[string]any
			if err := json.Unmarshal([]byte(row.ContextInfo), &obj); err == nil {
				ctxInfo = encodeJSONColumn(obj, false, "context_info")
			} else {
				slog.Warn("store_json_column_invalid", slog.String("column", "context_info"), slog.String("error", err.Error()))
			}
		}

		var embeddingDims any
		if row.EmbeddingDimensions > 0 {
			embeddingDims = row.EmbeddingDimensions
		}
		var provider any
		if row.EmbeddingProvider != "" {
			provider = row.EmbeddingProvider
		}

		_, err = stmt.ExecContext(ctx,
			row.ID, row.FilePath, row.Symbol, row.Sha, row.Lang, chunkType,
			embBlob, provider, embeddingDims,
			tags, nullIfEmpty(row.PampaIntent), nullIfEmpty(row.PampaDescription), nullIfEmpty(row.DocComments),
			vars, ctxInfo,
		)
		if err != nil {
			return fmt.Errorf("store: upsert chunk %s: %w", row.ID, err)
		}
	}

	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const chunkSelectColumns = `
	id, file_path, symbol, sha, lang, chunk_type,
	embedding, embedding_provider, embedding_dimensions,
	pampa_tags, pampa_intent, pampa_description, doc_comments,
	variables_used, context_info, created_at, updated_at
`

func scanChunkRow(scanner interface{ Scan(...any) error }) (*ChunkRow, error) {
	var (
		row                                  ChunkRow
		embBlob                              []byte
		provider, intent, description, docs  sql.NullString
		dims                                 sql.NullInt64
		tags, vars, ctxInfo                  sql.NullString
		createdAt, updatedAt                 string
	)
	if err := scanner.Scan(
		&row.ID, &row.FilePath, &row.Symbol, &row.Sha, &row.Lang, &row.ChunkType,
		&embBlob, &provider, &dims,
		&tags, &intent, &description, &docs,
		&vars, &ctxInfo, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	vec, err := decodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}
	row.Embedding = vec
	row.EmbeddingProvider = provider.String
	row.EmbeddingDimensions = int(dims.Int64)
	row.PampaTags = decodeStringArrayColumn(tags)
	row.PampaIntent = intent.String
	row.PampaDescription = description.String
	row.DocComments = docs.String
	row.VariablesUsed = decodeStringArrayColumn(vars)
	row.ContextInfo = ctxInfo.String

	row.CreatedAt = parseDBTimestamp(createdAt)
	row.UpdatedAt = parseDBTimestamp(updatedAt)

	return &row, nil
}

const dbTimestampLayout = "2006-01-02 15:04:05"

func parseDBTimestamp(s string) time.Time {
	t, err := time.Parse(dbTimestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GetChunk retrieves a single row by ID.
func (s *SQLiteMetadataStore) GetChunk(ctx context.Context, id string) (*ChunkRow, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+chunkSelectColumns+" FROM code_chunks WHERE id = ?", id)
	chunk, err := scanChunkRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: chunk %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("store: get chunk %s: %w", id, err)
	}
	return chunk, nil
}

// ListChunks returns all rows matching filter.
func (s *SQLiteMetadataStore) ListChunks(ctx context.Context, filter ChunkFilter) ([]*ChunkRow, error) {
	query := "SELECT " + chunkSelectColumns + " FROM code_chunks WHERE 1=1"
	var args []any

	if filter.Lang != "" {
		query += " AND lang = ?"
		args = append(args, filter.Lang)
	}
	if filter.PathGlob != "" {
		query += " AND file_path GLOB ?"
		args = append(args, filter.PathGlob)
	}
	query += " ORDER BY file_path, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks: %w", err)
	}
	defer rows.Close()

	var out []*ChunkRow
	for rows.Next() {
		chunk, err := scanChunkRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		if len(filter.Tags) > 0 && !chunkHasAnyTag(chunk.PampaTags, filter.Tags) {
			continue
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

func chunkHasAnyTag(chunkTags, want []string) bool {
	set := make(map[string]bool, len(chunkTags))
	for _, t := range chunkTags {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

// AllIDs returns every chunk ID.
func (s *SQLiteMetadataStore) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM code_chunks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllShas returns the distinct set of SHAs currently referenced.
func (s *SQLiteMetadataStore) AllShas(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT sha FROM code_chunks")
	if err != nil {
		return nil, fmt.Errorf("store: list SHAs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, err
		}
		out[sha] = true
	}
	return out, rows.Err()
}

// DeleteChunks removes rows by ID.
func (s *SQLiteMetadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := "DELETE FROM code_chunks WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: delete chunks: %w", err)
	}
	return nil
}

// DeleteByFilePath removes every row for a given file path.
func (s *SQLiteMetadataStore) DeleteByFilePath(ctx context.Context, filePath string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM code_chunks WHERE file_path = ?", filePath)
	if err != nil {
		return fmt.Errorf("store: delete by file path: %w", err)
	}
	return nil
}

// GetState retrieves a key-value state entry.
func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get state %s: %w", key, err)
	}
	return value, nil
}

// SetState sets a key-value state entry.
func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set state %s: %w", key, err)
	}
	return nil
}

// RecordIntention upserts an intention cache entry.
func (s *SQLiteMetadataStore) RecordIntention(ctx context.Context, entry *IntentionCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intention_cache (normalized_query, target_sha, confidence, use_count, last_used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(normalized_query) DO UPDATE SET
			target_sha = excluded.target_sha,
			confidence = excluded.confidence,
			use_count = intention_cache.use_count + 1,
			last_used_at = excluded.last_used_at
	`, entry.NormalizedQuery, entry.TargetSha, entry.Confidence, entry.UseCount, entry.LastUsedAt.UTC().Format(dbTimestampLayout))
	if err != nil {
		return fmt.Errorf("store: record intention: %w", err)
	}
	return nil
}

// LookupIntention retrieves a cached intention, if any.
func (s *SQLiteMetadataStore) LookupIntention(ctx context.Context, normalizedQuery string) (*IntentionCacheEntry, error) {
	var entry IntentionCacheEntry
	var lastUsed sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT normalized_query, target_sha, confidence, use_count, last_used_at
		FROM intention_cache WHERE normalized_query = ?
	`, normalizedQuery).Scan(&entry.NormalizedQuery, &entry.TargetSha, &entry.Confidence, &entry.UseCount, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup intention: %w", err)
	}
	if lastUsed.Valid {
		entry.LastUsedAt = parseDBTimestamp(lastUsed.String)
	}
	return &entry, nil
}

// RecordQueryPattern increments a pattern's frequency counter.
func (s *SQLiteMetadataStore) RecordQueryPattern(ctx context.Context, pattern string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_patterns (pattern, frequency) VALUES (?, 1)
		ON CONFLICT(pattern) DO UPDATE SET frequency = query_patterns.frequency + 1
	`, pattern)
	if err != nil {
		return fmt.Errorf("store: record query pattern: %w", err)
	}
	return nil
}

// TopQueryPatterns returns the most frequent query patterns.
func (s *SQLiteMetadataStore) TopQueryPatterns(ctx context.Context, limit int) ([]*QueryPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern, frequency FROM query_patterns ORDER BY frequency DESC, pattern ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: top query patterns: %w", err)
	}
	defer rows.Close()

	var out []*QueryPattern
	for rows.Next() {
		var p QueryPattern
		if err := rows.Scan(&p.Pattern, &p.Frequency); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Stats reports chunk and file counts.
func (s *SQLiteMetadataStore) Stats(ctx context.Context) (int, int, error) {
	var chunkCount, fileCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM code_chunks").Scan(&chunkCount); err != nil {
		return 0, 0, fmt.Errorf("store: count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT file_path) FROM code_chunks").Scan(&fileCount); err != nil {
		return 0, 0, fmt.Errorf("store: count files: %w", err)
	}
	return chunkCount, fileCount, nil
}

// Close closes the underlying database connection.
func (s *SQLiteMetadataStore) Close() error {
	return s.db.Close()
}
