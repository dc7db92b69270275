package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/hydragate/internal/pool"
)

func u64(v uint64) *uint64 { return &v }

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	proxies := []pool.Proxy{
		{ID: "a", Protocol: pool.ProtoSOCKS5, Host: "10.0.0.1", Port: 1080, Alive: true, LatencyMS: u64(42)},
		{ID: "b", Protocol: pool.ProtoHTTP, Host: "10.0.0.2", Port: 3128, User: "alice", Pass: "s3cret"},
	}
	require.NoError(t, s.Save(proxies))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, proxies, got)
}

func TestLoad_MissingFile(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSave_EnvelopeFormat(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(nil))

	data, err := os.ReadFile(filepath.Join(dir, dataFile))
	require.NoError(t, err)
	// 12-byte nonce + ciphertext (GCM adds a 16-byte tag even for "null").
	assert.Greater(t, len(data), nonceSize+16)

	// The plaintext JSON must not appear on disk.
	assert.NotContains(t, string(data), "null")
}

func TestSave_CreatesKey(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(nil))

	key, err := os.ReadFile(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.Len(t, key, keySize)

	// A second save reuses the key.
	require.NoError(t, s.Save(nil))
	key2, err := os.ReadFile(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.Equal(t, key, key2)
}

func TestLoad_TamperedEnvelope(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save([]pool.Proxy{{ID: "a", Protocol: pool.ProtoSOCKS5, Host: "h", Port: 1}}))

	path := filepath.Join(dir, dataFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = s.Load()
	assert.Error(t, err)
}

func TestLoad_TruncatedEnvelope(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, dataFile), []byte{1, 2, 3}, 0o600))
	_, err = s.Load()
	assert.Error(t, err)
}

func TestLoad_WrongKeySize(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFile), []byte("short"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, dataFile), make([]byte, 64), 0o600))

	_, err = s.Load()
	assert.Error(t, err)
}
