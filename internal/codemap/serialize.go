package codemap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Aman-CERP/pampax/internal/pathutil"
)

// Serialize renders m as the codemap's external JSON text: two-space
// indent, LF-only newlines, trailing newline, top-level insertion order
// preserved, value-object keys in ascending lexicographic order.
func Serialize(m *Map) ([]byte, error) {
	normalized := New()
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		normalized.Set(pair.Key, normalizeEntry(pair.Value))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("codemap: encode: %w", err)
	}

	// json.Encoder.Encode already appends a trailing "\n"; guard against
	// platform-specific CRLF injection by normalizing explicitly.
	out := bytes.ReplaceAll(buf.Bytes(), []byte("\r\n"), []byte("\n"))
	return out, nil
}

// WriteFile atomically writes the serialized codemap to path.
func WriteFile(m *Map, path string) error {
	data, err := Serialize(m)
	if err != nil {
		return err
	}
	return pathutil.WriteFileAtomic(path, data, 0o644)
}

// Parse decodes codemap JSON text, preserving top-level key order.
func Parse(data []byte) (*Map, error) {
	m := New()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("codemap: decode: %w", err)
	}
	return m, nil
}

// ParseFile reads and parses the codemap at path.
func ParseFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("codemap: read %s: %w", path, err)
	}
	return Parse(data)
}

// normalizeEntry applies the serializer's normalization rules: trimmed
// strings, deduplicated arrays with first-occurrence order preserved,
// path fields forward-slashed, numeric defaults/clamps, and the
// always-present-vs-omit-when-empty rules for array/optional fields.
func normalizeEntry(c *ChunkMeta) *ChunkMeta {
	out := &ChunkMeta{
		ChunkType:   strings.TrimSpace(c.ChunkType),
		ContextInfo: c.ContextInfo,
		Description: strings.TrimSpace(c.Description),
		DocComments: strings.TrimSpace(c.DocComments),
		File:        pathutil.Normalize(c.File),
		Intent:      strings.TrimSpace(c.Intent),
		Lang:        strings.TrimSpace(c.Lang),
		LastUsedAt:  strings.TrimSpace(c.LastUsedAt),
		Provider:    strings.TrimSpace(c.Provider),
		Sha:         strings.TrimSpace(c.Sha),

		SymbolReturn:    strings.TrimSpace(c.SymbolReturn),
		SymbolSignature: strings.TrimSpace(c.SymbolSignature),
	}

	out.PathWeight = c.PathWeight
	if out.PathWeight == 0 {
		out.PathWeight = 1
	}

	out.SuccessRate = c.SuccessRate
	if out.SuccessRate < 0 {
		out.SuccessRate = 0
	}
	if out.SuccessRate > 1 {
		out.SuccessRate = 1
	}

	if c.Symbol != nil {
		trimmed := strings.TrimSpace(*c.Symbol)
		if trimmed != "" {
			out.Symbol = &trimmed
		}
	}

	out.Synonyms = dedupeTrimmed(c.Synonyms)
	out.SymbolCalls = dedupeTrimmed(c.SymbolCalls)
	out.SymbolCallTargets = dedupeTrimmed(c.SymbolCallTargets)
	out.SymbolCallers = dedupeTrimmed(c.SymbolCallers)
	out.SymbolNeighbors = dedupeTrimmed(c.SymbolNeighbors)

	out.SymbolParameters = dedupeTrimmedOrNil(c.SymbolParameters)
	out.Tags = dedupeTrimmedOrNil(c.Tags)
	out.VariablesUsed = dedupeTrimmedOrNil(c.VariablesUsed)

	return out
}

// dedupeTrimmed trims and deduplicates entries, preserving first
// occurrence order, and always returns a non-nil slice (possibly
// empty) so the field serializes as [] rather than null.
func dedupeTrimmed(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}

// dedupeTrimmedOrNil behaves like dedupeTrimmed but returns nil for an
// empty result so the omitempty tag elides the field entirely.
func dedupeTrimmedOrNil(items []string) []string {
	out := dedupeTrimmed(items)
	if len(out) == 0 {
		return nil
	}
	return out
}
