package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/evidence/vault/internal/config"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "CASE-2024/abc.bin", Key("CASE-2024", "abc"))
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, validateKey("CASE-1/abc.bin"))
	for _, bad := range []string{"", "/abs/key", "CASE/../etc/passwd", "a//b", "./a"} {
		assert.Error(t, validateKey(bad), bad)
	}
}

func TestJoinPrefix(t *testing.T) {
	assert.Equal(t, "k", joinPrefix("", "k"))
	assert.Equal(t, "vault/k", joinPrefix("/vault/", "k"))
}

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := Key("CASE-1", "abc")

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, key, strings.NewReader("hello"), 5, "text/plain"))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	assert.Error(t, s.Put(ctx, key, strings.NewReader("hello"), 9, ""), "short write is rejected")
}

func TestFSStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFSStore(dir)
	require.NoError(t, err)
	exercise(t, s)

	_, err = os.Stat(filepath.Join(dir, "CASE-1", "abc.bin"))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "CASE-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exercise(t, s)
	assert.Equal(t, 1, s.Puts())
	s.Delete(Key("CASE-1", "abc"))
	assert.Equal(t, 0, s.Len())
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), config.Config{BlobBackend: "fs", BlobDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, s)

	s, err = Open(context.Background(), config.Config{BlobBackend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(context.Background(), config.Config{BlobBackend: "s3"})
	assert.Error(t, err, "bucket is required")
}

func TestOpenReader(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := NewFSStore(dir)
	require.NoError(t, err)
	key := Key("CASE-1", "abc")
	require.NoError(t, w.Put(ctx, key, strings.NewReader("hello"), 5, "text/plain"))

	g, err := OpenReader(ctx, config.Config{BlobBackend: "fs", BlobDir: dir})
	require.NoError(t, err)
	_, writable := g.(Putter)
	assert.False(t, writable, "reader must not expose Put")

	rc, err := g.Get(ctx, key)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(b))
	assert.NoError(t, g.(io.Closer).Close())
}

func TestOpenReaderNeedsVerifierCredentialsInProduction(t *testing.T) {
	ctx := context.Background()
	_, err := OpenReader(ctx, config.Config{NodeEnv: "production", BlobBackend: "s3", BlobBucket: "vault"})
	assert.ErrorContains(t, err, "VERIFIER_BLOB_PROFILE")

	_, err = OpenReader(ctx, config.Config{NodeEnv: "production", BlobBackend: "gcs", BlobBucket: "vault"})
	assert.ErrorContains(t, err, "VERIFIER_BLOB_CREDENTIALS_FILE")
}
