package chunkstore

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSHA1Hex_KnownVector(t *testing.T) {
	got := SHA1Hex("hello\r\nworld")
	assert.Equal(t, "d07cff009c449bfdf131d865e1dc4413256e5f52", got)
}

func TestDeriveKey_DeterministicAndCorrectLength(t *testing.T) {
	masterKey, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	salt, err := hex.DecodeString("f0e0d0c0b0a090807060504030201000")
	require.NoError(t, err)

	key1, err := deriveKey(masterKey, salt)
	require.NoError(t, err)
	assert.Len(t, key1, 32)

	key2, err := deriveKey(masterKey, salt)
	require.NoError(t, err)
	assert.Equal(t, key1, key2, "same master key and salt must derive the same key")

	otherSalt := make([]byte, 16)
	key3, err := deriveKey(masterKey, otherSalt)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3, "different salts must derive different keys")
}

func TestDeriveKey_RejectsWrongLengthMasterKey(t *testing.T) {
	_, err := deriveKey([]byte("too-short"), make([]byte, 16))
	assert.Error(t, err)
}

func TestWriteReadChunk_PlainRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	text := "package main\n\nfunc main() {}\n"
	sha := SHA1Hex(text)

	require.NoError(t, store.WriteChunk(sha, text))

	_, err = os.Stat(filepath.Join(dir, sha+plainExt))
	assert.NoError(t, err)

	got, err := store.ReadChunk(sha)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestWriteReadChunk_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i * 3)
	}
	store, err := New(dir, masterKey)
	require.NoError(t, err)

	text := "def hello():\n    return 'world'\n"
	sha := SHA1Hex(text)

	require.NoError(t, store.WriteChunk(sha, text))

	_, err = os.Stat(filepath.Join(dir, sha+encExt))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, sha+plainExt))
	assert.True(t, os.IsNotExist(err))

	got, err := store.ReadChunk(sha)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestWriteChunk_TogglingModesRemovesOtherFile(t *testing.T) {
	dir := t.TempDir()
	text := "some chunk text"
	sha := SHA1Hex(text)

	plain, err := New(dir, nil)
	require.NoError(t, err)
	require.NoError(t, plain.WriteChunk(sha, text))
	_, err = os.Stat(filepath.Join(dir, sha+plainExt))
	require.NoError(t, err)

	masterKey := make([]byte, 32)
	enc, err := New(dir, masterKey)
	require.NoError(t, err)
	require.NoError(t, enc.WriteChunk(sha, text))

	_, err = os.Stat(filepath.Join(dir, sha+plainExt))
	assert.True(t, os.IsNotExist(err), "plain file should be removed after encrypted write")
	_, err = os.Stat(filepath.Join(dir, sha+encExt))
	assert.NoError(t, err)

	require.NoError(t, plain.WriteChunk(sha, text))
	_, err = os.Stat(filepath.Join(dir, sha+encExt))
	assert.True(t, os.IsNotExist(err), "encrypted file should be removed after plain write")
}

func TestReadChunk_EncryptedWithoutKeyReturnsErrNoKey(t *testing.T) {
	dir := t.TempDir()
	masterKey := make([]byte, 32)
	enc, err := New(dir, masterKey)
	require.NoError(t, err)

	text := "secret chunk"
	sha := SHA1Hex(text)
	require.NoError(t, enc.WriteChunk(sha, text))

	noKey, err := New(dir, nil)
	require.NoError(t, err)

	_, err = noKey.ReadChunk(sha)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestReadChunk_TamperedCiphertextReturnsErrAuthFailed(t *testing.T) {
	dir := t.TempDir()
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(255 - i)
	}
	store, err := New(dir, masterKey)
	require.NoError(t, err)

	text := "tamper me"
	sha := SHA1Hex(text)
	require.NoError(t, store.WriteChunk(sha, text))

	path := filepath.Join(dir, sha+encExt)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = store.ReadChunk(sha)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestReadChunk_MissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	_, err = store.ReadChunk("0000000000000000000000000000000000dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveChunk_DeletesBothExtensions(t *testing.T) {
	dir := t.TempDir()
	masterKey := make([]byte, 32)
	sha := "abc123"

	require.NoError(t, os.WriteFile(filepath.Join(dir, sha+plainExt), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sha+encExt), []byte("y"), 0o644))

	store, err := New(dir, masterKey)
	require.NoError(t, err)

	require.NoError(t, store.RemoveChunk(sha))

	_, err = os.Stat(filepath.Join(dir, sha+plainExt))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, sha+encExt))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveChunk_MissingFilesNotAnError(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	assert.NoError(t, store.RemoveChunk("nonexistent"))
}

func TestParseMasterKey_Base64(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	require.Len(t, encoded, 44)

	key, err := ParseMasterKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestParseMasterKey_Hex(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i * 2)
	}
	encoded := hex.EncodeToString(raw)
	require.Len(t, encoded, 64)

	key, err := ParseMasterKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestParseMasterKey_EmptyYieldsNilWithoutError(t *testing.T) {
	key, err := ParseMasterKey("")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestParseMasterKey_WrongLengthRejected(t *testing.T) {
	_, err := ParseMasterKey("too-short")
	assert.Error(t, err)
}
