// Package chunkstore implements the content-addressed chunk file store:
// chunk text is gzip-compressed and written under .pampa/chunks/{sha}.gz,
// optionally wrapped in an AES-256-GCM envelope keyed by HKDF-SHA256 over
// a master key, under the .gz.enc extension.
package chunkstore

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"

	"github.com/Aman-CERP/pampax/internal/pathutil"
)

// Magic is the header identifying an encrypted chunk payload.
const Magic = "PAMPAE1"

const (
	saltSize   = 16
	ivSize     = 12
	tagSize    = 16
	keySize    = 32
	hkdfInfo   = "pampa-chunk-v1"
	plainExt   = ".gz"
	encExt     = ".gz.enc"
)

// ErrNoKey is returned when reading an encrypted chunk without a
// configured master key.
var ErrNoKey = errors.New("chunkstore: encrypted chunk requires a master key")

// ErrAuthFailed is returned when GCM authentication fails: tampering or
// a wrong key, never silently truncated data.
var ErrAuthFailed = errors.New("chunkstore: authentication failed, tampered data or wrong key")

// ErrNotFound is returned when no chunk file exists for a SHA.
var ErrNotFound = errors.New("chunkstore: chunk not found")

// Store reads and writes content-addressed chunk files under a single
// flat directory.
type Store struct {
	dir       string
	masterKey []byte // nil when encryption is disabled
}

// New creates a Store rooted at dir. masterKey may be nil to disable
// encryption for writes.
func New(dir string, masterKey []byte) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create dir: %w", err)
	}
	return &Store{dir: dir, masterKey: masterKey}, nil
}

// ParseMasterKey decodes a master key from its base64 (44 chars) or hex
// (64 chars) external representation. Any other length is rejected.
func ParseMasterKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) == 44 {
		key, err := base64.StdEncoding.DecodeString(s)
		if err == nil && len(key) == keySize {
			return key, nil
		}
	}
	if len(s) == 64 {
		key, err := hex.DecodeString(s)
		if err == nil && len(key) == keySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("chunkstore: master key must be 32 bytes, base64 (44 chars) or hex (64 chars)")
}

// SHA1Hex returns the 40-hex-char SHA-1 of the exact UTF-8 bytes of text.
func SHA1Hex(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (s *Store) plainPath(sha string) string { return filepath.Join(s.dir, sha+plainExt) }
func (s *Store) encPath(sha string) string   { return filepath.Join(s.dir, sha+encExt) }

// WriteChunk compresses text and writes it under sha, encrypting when
// the store has a master key configured. Writing in one mode deletes any
// residual file of the other mode for the same sha.
func (s *Store) WriteChunk(sha string, text string) error {
	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write([]byte(text)); err != nil {
		return fmt.Errorf("chunkstore: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("chunkstore: gzip close: %w", err)
	}

	if s.masterKey != nil {
		payload, err := s.encrypt(compressed.Bytes())
		if err != nil {
			return err
		}
		if err := pathutil.WriteFileAtomic(s.encPath(sha), payload, 0o644); err != nil {
			return err
		}
		_ = os.Remove(s.plainPath(sha))
		return nil
	}

	if err := pathutil.WriteFileAtomic(s.plainPath(sha), compressed.Bytes(), 0o644); err != nil {
		return err
	}
	_ = os.Remove(s.encPath(sha))
	return nil
}

// ReadChunk returns the original chunk text for sha.
func (s *Store) ReadChunk(sha string) (string, error) {
	if _, err := os.Stat(s.encPath(sha)); err == nil {
		return s.readEncrypted(sha)
	}

	data, err := os.ReadFile(s.plainPath(sha))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("chunkstore: read %s: %w", sha, err)
	}
	return s.decompress(data)
}

// RemoveChunk deletes both the plain and encrypted files for sha, if
// present. Missing files are not an error.
func (s *Store) RemoveChunk(sha string) error {
	var errs []error
	if err := os.Remove(s.plainPath(sha)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.Remove(s.encPath(sha)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) decompress(data []byte) (string, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("chunkstore: gzip reader: %w", err)
	}
	defer func() { _ = gr.Close() }()

	out, err := io.ReadAll(gr)
	if err != nil {
		return "", fmt.Errorf("chunkstore: gzip read: %w", err)
	}
	return string(out), nil
}

func (s *Store) readEncrypted(sha string) (string, error) {
	if s.masterKey == nil {
		return "", ErrNoKey
	}
	data, err := os.ReadFile(s.encPath(sha))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("chunkstore: read %s: %w", sha, err)
	}

	plaintext, err := s.decrypt(data)
	if err != nil {
		return "", err
	}
	return s.decompress(plaintext)
}

// encrypt wraps gzipped plaintext in the PAMPAE1 envelope:
// magic || salt(16) || iv(12) || ciphertext || tag(16).
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("chunkstore: generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("chunkstore: generate iv: %w", err)
	}

	key, err := deriveKey(s.masterKey, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: new gcm: %w", err)
	}

	// Seal appends the tag to the ciphertext, matching the layout's
	// trailing tag(16).
	sealed := gcm.Seal(nil, iv, plaintext, nil)

	out := make([]byte, 0, len(Magic)+saltSize+ivSize+len(sealed))
	out = append(out, []byte(Magic)...)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, sealed...)
	return out, nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	minLen := len(Magic) + saltSize + ivSize + tagSize
	if len(data) < minLen || string(data[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("chunkstore: malformed encrypted payload")
	}

	offset := len(Magic)
	salt := data[offset : offset+saltSize]
	offset += saltSize
	iv := data[offset : offset+ivSize]
	offset += ivSize
	sealed := data[offset:]

	key, err := deriveKey(s.masterKey, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// deriveKey runs HKDF-SHA256 over masterKey with the given salt and the
// frozen info string, producing a 32-byte AES-256 key.
func deriveKey(masterKey, salt []byte) ([]byte, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("chunkstore: master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	reader := hkdf.New(sha256.New, masterKey, salt, []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("chunkstore: hkdf expand: %w", err)
	}
	return key, nil
}
