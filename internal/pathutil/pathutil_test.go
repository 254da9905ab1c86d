package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"./foo/bar":     "foo/bar",
		"/foo/bar":      "foo/bar",
		`foo\bar`:       "foo/bar",
		"foo/bar":       "foo/bar",
		"///a/b":        "a/b",
		"./a/./b":       "a/./b",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestToRel(t *testing.T) {
	rel, err := ToRel("/repo", "/repo/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", rel)
}

func TestWriteFileAtomicNoPartialState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	require.NoError(t, WriteFileAtomic(path, []byte("hello"), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// Overwrite must also be atomic and leave no temp files behind.
	require.NoError(t, WriteFileAtomic(path, []byte("world"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIsSubPath(t *testing.T) {
	assert.True(t, IsSubPath("services/api", "services/api"))
	assert.True(t, IsSubPath("services/api", "services/api/handler.go"))
	assert.False(t, IsSubPath("services/api", "services/apiextra"))
	assert.True(t, IsSubPath("", "anything"))
	assert.True(t, IsSubPath(".", "anything"))
}
