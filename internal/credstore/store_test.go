package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Run("Load returns nil for never-saved tenant", func(t *testing.T) {
		dir := t.TempDir()
		s, err := New(dir, "")
		require.NoError(t, err)

		bundle, err := s.Load("tenant-1")
		require.NoError(t, err)
		assert.Nil(t, bundle)
	})

	t.Run("Save then Load round-trips the bundle", func(t *testing.T) {
		dir := t.TempDir()
		s, err := New(dir, "")
		require.NoError(t, err)

		require.NoError(t, s.Save("tenant-1", []byte("opaque-creds")))

		bundle, err := s.Load("tenant-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("opaque-creds"), bundle)
	})

	t.Run("Save writes via temp file then rename", func(t *testing.T) {
		dir := t.TempDir()
		s, err := New(dir, "")
		require.NoError(t, err)

		require.NoError(t, s.Save("tenant-1", []byte("x")))

		_, err = os.Stat(filepath.Join(dir, "tenant-1", "credentials.bin.tmp"))
		assert.True(t, os.IsNotExist(err), "temp file should not survive a successful save")
	})

	t.Run("Purge removes the tenant directory recursively", func(t *testing.T) {
		dir := t.TempDir()
		s, err := New(dir, "")
		require.NoError(t, err)
		require.NoError(t, s.Save("tenant-1", []byte("x")))

		require.NoError(t, s.Purge("tenant-1"))

		_, err = os.Stat(filepath.Join(dir, "tenant-1"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Purge on an absent tenant is idempotent", func(t *testing.T) {
		dir := t.TempDir()
		s, err := New(dir, "")
		require.NoError(t, err)

		assert.NoError(t, s.Purge("never-existed"))
	})

	t.Run("rejects tenant ids with path separators", func(t *testing.T) {
		dir := t.TempDir()
		s, err := New(dir, "")
		require.NoError(t, err)

		_, err = s.Load("../escape")
		assert.Error(t, err)
		assert.Error(t, s.Save("a/b", []byte("x")))
	})

	t.Run("round-trips through encryption when a key is configured", func(t *testing.T) {
		dir := t.TempDir()
		key := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		s, err := New(dir, key)
		require.NoError(t, err)

		require.NoError(t, s.Save("tenant-1", []byte("secret-bytes")))

		raw, err := os.ReadFile(filepath.Join(dir, "tenant-1", "credentials.bin"))
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "secret-bytes")

		bundle, err := s.Load("tenant-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("secret-bytes"), bundle)
	})
}
