package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPatternsExcludeRootJSONAndSh(t *testing.T) {
	e := New()
	assert.True(t, e.Excluded("config.json", false))
	assert.True(t, e.Excluded("script.sh", false))
	assert.False(t, e.Excluded("main.go", false))
}

func TestLayerPrecedencePampignoreOverridesGitignoreNegation(t *testing.T) {
	// .gitignore: "!data.json" (re-include)
	// .pampignore: "data.json" (exclude)
	// Expected: excluded, source .pampignore (spec.md §8 scenario 4).
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("!data.json\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pampignore"), []byte("data.json\n"), 0o644))

	e := New()
	require.NoError(t, e.Walk(dir))

	d := e.Decide("data.json", false)
	assert.True(t, d.Excluded)
	assert.Equal(t, LayerPampignore, d.Layer)
}

func TestNestedIgnoreFileScopedToItsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", ".gitignore"), []byte("local.txt\n"), 0o644))

	e := New()
	require.NoError(t, e.Walk(dir))

	assert.True(t, e.Excluded("sub/local.txt", false))
	assert.False(t, e.Excluded("local.txt", false))
}

func TestDirOnlyPatternMatchesDescendants(t *testing.T) {
	e := New()
	e.gitignore.add("build/", "")
	assert.True(t, e.Excluded("build", true))
	assert.True(t, e.Excluded("build/output.bin", false))
	assert.False(t, e.Excluded("buildx", true))
}

func TestAnchoredPatternOnlyMatchesDeclaringDirectory(t *testing.T) {
	e := New()
	e.gitignore.add("/foo", "")
	assert.True(t, e.Excluded("foo", false))
	assert.False(t, e.Excluded("nested/foo", false))
}

func TestLastMatchWinsWithinALayer(t *testing.T) {
	e := New()
	e.gitignore.add("*.log", "")
	e.gitignore.add("!keep.log", "")
	assert.True(t, e.Excluded("debug.log", false))
	assert.False(t, e.Excluded("keep.log", false))
}

func TestEscapedSpecialCharacters(t *testing.T) {
	e := New()
	e.gitignore.add(`\#literal.txt`, "")
	assert.True(t, e.Excluded("#literal.txt", false))
}

func TestVerifyAgreesWithSabhiram(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.tmp\n"), 0o644))
	e := New()
	require.NoError(t, e.Walk(dir))

	agree, checked := e.Verify("scratch.tmp")
	assert.True(t, checked)
	assert.True(t, agree)
}
