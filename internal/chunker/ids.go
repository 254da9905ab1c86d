package chunk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

const shaPrefixLen = 8

// sha1Hex returns the lowercase hex SHA-1 digest of text. This is the
// same digest that is later used to name the chunk's file in the chunk
// store and populate the DB row's sha column, so a chunk's ID prefix
// and its stored SHA always agree.
func sha1Hex(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// buildChunkID composes a chunk's stable identifier
// "{relPath}:{symbolID}:{shaPrefix}" and returns it alongside the full
// SHA-1 hex digest of rawContent.
func buildChunkID(filePath, symbolID, rawContent string) (id string, sha string) {
	sha = sha1Hex(rawContent)
	prefix := sha
	if len(prefix) > shaPrefixLen {
		prefix = prefix[:shaPrefixLen]
	}
	return fmt.Sprintf("%s:%s:%s", filePath, symbolID, prefix), sha
}

// assignmentID names a chunk produced from a variable/constant
// declaration whose name could not be determined (e.g. tuple
// unpacking). n distinguishes multiple such chunks within one file.
func assignmentID(n int) string {
	if n == 0 {
		return "assignment"
	}
	return fmt.Sprintf("assignment_%d", n+1)
}

// groupID names a generated chunk covering a run of ungrouped lines,
// used by the unsupported-language line fallback.
func groupID(n int) string {
	return fmt.Sprintf("group_%d", n+1)
}

// partID names one fragment of a symbol too large to fit in a single
// chunk.
func partID(symbolName string, n int) string {
	return fmt.Sprintf("%s_part%d", symbolName, n+1)
}

// sectionID names a Markdown section chunk from its header title,
// falling back to a positional name when the title has no ASCII letters
// or digits to slugify. Content preceding the first header is part of
// the first section, so it never gets a section of its own.
func sectionID(title string, n int) string {
	slug := slugify(title)
	if slug == "" {
		return fmt.Sprintf("section_%d", n+1)
	}
	return "section_" + slug
}

// slugify lowercases s and replaces runs of non-alphanumeric characters
// with a single underscore, trimming leading/trailing underscores.
func slugify(s string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
