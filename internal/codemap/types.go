// Package codemap serializes and parses the human-readable JSON manifest
// mapping chunk IDs to chunk metadata. Top-level key order mirrors
// insertion order; each value object's keys are emitted in ascending
// lexicographic order by relying on Go's struct field declaration order,
// which encoding/json preserves on Marshal.
package codemap

import (
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Map is the top-level insertion-ordered mapping from chunk ID to
// ChunkMeta. Its JSON encoding preserves insertion order for keys.
type Map = orderedmap.OrderedMap[string, *ChunkMeta]

// New returns an empty, ready-to-use codemap.
func New() *Map {
	return orderedmap.New[string, *ChunkMeta]()
}

// ChunkMeta is one chunk's metadata entry in the codemap. Field order
// below is alphabetical by JSON tag: encoding/json marshals struct
// fields in declaration order, so this ordering is what satisfies the
// "ascending lexicographic key order" contract without extra sorting
// logic at serialize time.
type ChunkMeta struct {
	ChunkType        string          `json:"chunkType,omitempty"`
	ContextInfo      json.RawMessage `json:"context_info,omitempty"`
	Description      string          `json:"description,omitempty"`
	DocComments      string          `json:"doc_comments,omitempty"`
	File             string          `json:"file"`
	Intent           string          `json:"intent,omitempty"`
	Lang             string          `json:"lang"`
	LastUsedAt       string          `json:"last_used_at,omitempty"`
	PathWeight       float64         `json:"path_weight"`
	Provider         string          `json:"provider,omitempty"`
	Sha              string          `json:"sha"`
	SuccessRate      float64         `json:"success_rate"`
	Symbol           *string         `json:"symbol"`
	SymbolCallTargets []string       `json:"symbol_call_targets"`
	SymbolCallers     []string       `json:"symbol_callers"`
	SymbolCalls       []string       `json:"symbol_calls"`
	SymbolNeighbors   []string       `json:"symbol_neighbors"`
	SymbolParameters  []string       `json:"symbol_parameters,omitempty"`
	SymbolReturn      string         `json:"symbol_return,omitempty"`
	SymbolSignature   string         `json:"symbol_signature,omitempty"`
	Synonyms          []string       `json:"synonyms"`
	Tags              []string       `json:"tags,omitempty"`
	VariablesUsed     []string       `json:"variables_used,omitempty"`
}
