package index

import (
	"encoding/json"
	"strings"

	chunk "github.com/Aman-CERP/pampax/internal/chunker"
	"github.com/Aman-CERP/pampax/internal/chunkstore"
	"github.com/Aman-CERP/pampax/internal/store"
)

// intentVerbs maps common symbol-name prefixes to a short pampa_intent
// label. This is a best-effort heuristic, not a classifier: it only
// fires on the common Go/JS/Python naming conventions the corpus uses.
var intentVerbs = []struct {
	prefix string
	intent string
}{
	{"new", "construct"},
	{"get", "accessor"},
	{"set", "mutator"},
	{"is", "predicate"},
	{"has", "predicate"},
	{"validate", "validation"},
	{"parse", "parsing"},
	{"render", "presentation"},
	{"handle", "event-handling"},
	{"test", "test"},
}

// chunkToRow converts a chunker Chunk into the frozen ChunkRow schema,
// deriving the pampa_* enrichment columns from the symbol data
// tree-sitter already extracted rather than an LLM call.
func chunkToRow(c *chunk.Chunk) *store.ChunkRow {
	row := &store.ChunkRow{
		ID:        c.ID,
		FilePath:  c.FilePath,
		Sha:       chunkstore.SHA1Hex(c.Content),
		Lang:      c.Language,
		ChunkType: chunkType(c),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}

	var sym *chunk.Symbol
	if len(c.Symbols) > 0 {
		sym = c.Symbols[0]
	}

	if sym != nil {
		row.Symbol = sym.Name
		row.DocComments = sym.DocComment
		row.VariablesUsed = dedupeNonEmpty(sym.Parameters)
		row.PampaIntent = inferIntent(sym.Name)
		row.ContextInfo = contextInfoJSON(sym)
	}

	row.PampaDescription = description(sym, c.Content)
	row.PampaTags = tagsFor(c)

	return row
}

func chunkType(c *chunk.Chunk) string {
	if c.ContentType != chunk.ContentTypeCode {
		return string(c.ContentType)
	}
	if len(c.Symbols) > 0 && c.Symbols[0].Type != "" {
		return string(c.Symbols[0].Type)
	}
	return store.DefaultChunkType
}

func inferIntent(name string) string {
	lower := strings.ToLower(name)
	for _, v := range intentVerbs {
		if strings.HasPrefix(lower, v.prefix) {
			return v.intent
		}
	}
	return ""
}

func description(sym *chunk.Symbol, content string) string {
	if sym != nil && sym.DocComment != "" {
		return firstLine(sym.DocComment)
	}
	return firstLine(content)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "//"))
}

func tagsFor(c *chunk.Chunk) []string {
	var tags []string
	if c.Language != "" {
		tags = append(tags, c.Language)
	}
	for _, seg := range strings.Split(filepathDir(c.FilePath), "/") {
		seg = strings.TrimSpace(seg)
		if seg != "" && seg != "." {
			tags = append(tags, seg)
		}
	}
	return dedupeNonEmpty(tags)
}

func filepathDir(p string) string {
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		return p[:idx]
	}
	return ""
}

func dedupeNonEmpty(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func contextInfoJSON(sym *chunk.Symbol) string {
	if sym.Signature == "" && sym.Return == "" && len(sym.Calls) == 0 {
		return ""
	}
	info := struct {
		Signature string   `json:"signature,omitempty"`
		Return    string   `json:"return,omitempty"`
		Calls     []string `json:"calls,omitempty"`
	}{
		Signature: sym.Signature,
		Return:    sym.Return,
		Calls:     sym.Calls,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return ""
	}
	return string(data)
}
