// Package pathutil normalizes repository-relative paths and provides
// atomic file writes shared by the chunk store, the database writer and
// the codemap serializer.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ToRel normalizes an absolute or root-relative path into the
// repository-relative, forward-slashed form used throughout the index:
// no leading "./", no leading "/", backslashes converted to "/".
func ToRel(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("pathutil: relative path: %w", err)
	}
	return Normalize(rel), nil
}

// Normalize converts a path to the canonical forward-slash, no-leading-
// slash, no-leading-dot-slash form. It preserves the UTF-8 bytes of path
// components verbatim; it only rewrites separators and strips the
// redundant prefixes.
func Normalize(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "./")
	for strings.HasPrefix(p, "/") {
		p = p[1:]
	}
	return p
}

// Join joins repository-relative path segments and normalizes the result.
func Join(parts ...string) string {
	return Normalize(filepath.ToSlash(filepath.Join(parts...)))
}

// WriteFileAtomic writes data to path by first writing a temp file in the
// same directory and renaming it into place, so readers never observe a
// partially written file. The temp file is created with perm and removed
// on any failure before the rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("pathutil: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("pathutil: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("pathutil: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pathutil: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("pathutil: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("pathutil: rename temp file: %w", err)
	}
	return nil
}

// IsSubPath reports whether child is root or a path below root, after
// normalization. Used by the walker and search engine to enforce that
// scope filters and submodule paths never escape the project root.
func IsSubPath(root, child string) bool {
	root = Normalize(root)
	child = Normalize(child)
	if root == "" || root == "." {
		return true
	}
	return child == root || strings.HasPrefix(child, root+"/")
}
