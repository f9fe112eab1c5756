package engine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and3k5/wasmer/internal/artifact"
)

func TestFileStore_ReadCloser_Close(t *testing.T) {
	fs := newFileStore(t.TempDir())
	key := artifact.Hash{1, 2, 3}

	err := fs.Add(key, bytes.NewReader([]byte{1, 2, 3, 4}))
	require.NoError(t, err)

	c, ok, err := fs.Get(key)
	require.NoError(t, err)
	require.True(t, ok)

	// At this point, file is not closed, therefore TryLock should fail.
	require.False(t, fs.mux.TryLock())

	// Close, and then TryLock should succeed this time.
	require.NoError(t, c.Close())
	require.True(t, fs.mux.TryLock())
}

func TestFileStore_Add(t *testing.T) {
	fs := newFileStore(t.TempDir())

	t.Run("not exist", func(t *testing.T) {
		content := []byte{1, 2, 3, 4, 5}
		key := artifact.Hash{1, 2, 3, 4, 5, 6, 7}
		require.NoError(t, fs.Add(key, bytes.NewReader(content)))

		cached, err := os.ReadFile(fs.path(key))
		require.NoError(t, err)
		require.Equal(t, content, cached)
	})

	t.Run("already exists", func(t *testing.T) {
		key := artifact.Hash{1, 2, 3}
		require.NoError(t, os.WriteFile(fs.path(key), []byte{9, 9}, 0o600))

		content := []byte{1, 2, 3, 4, 5}
		require.NoError(t, fs.Add(key, bytes.NewReader(content)))

		cached, err := os.ReadFile(fs.path(key))
		require.NoError(t, err)
		require.Equal(t, content, cached)
	})

	t.Run("no temporary files left", func(t *testing.T) {
		entries, err := os.ReadDir(fs.dirPath)
		require.NoError(t, err)
		require.Equal(t, 2, len(entries))
	})
}

func TestFileStore_Delete(t *testing.T) {
	fs := newFileStore(t.TempDir())

	t.Run("non-exist", func(t *testing.T) {
		require.NoError(t, fs.Delete(artifact.Hash{0}))
	})

	t.Run("exist", func(t *testing.T) {
		key := artifact.Hash{1, 2, 3}
		require.NoError(t, os.WriteFile(fs.path(key), nil, 0o600))

		require.NoError(t, fs.Delete(key))
		_, err := os.Stat(fs.path(key))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestFileStore_path(t *testing.T) {
	fs := &fileStore{dirPath: "/tmp/.wasmer"}
	actual := fs.path(artifact.Hash{1, 2, 3, 4, 5})
	require.Equal(t, "/tmp/.wasmer/0102030405000000000000000000000000000000000000000000000000000000", actual)
}

func TestNewFileArtifactStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "artifacts")
	s, err := NewFileArtifactStore(dir)
	require.NoError(t, err)
	require.NotNil(t, s)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewFileArtifactStore(file)
	require.Error(t, err)
}

func TestArtifactStores(t *testing.T) {
	for _, tt := range []struct {
		name  string
		store func(t *testing.T) ArtifactStore
	}{
		{name: "memory", store: func(*testing.T) ArtifactStore { return NewMemoryArtifactStore() }},
		{name: "file", store: func(t *testing.T) ArtifactStore { return newFileStore(t.TempDir()) }},
	} {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			s := tc.store(t)
			key := artifact.Hash{0xf}

			_, ok, err := s.Get(key)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, s.Add(key, bytes.NewReader([]byte("artifact"))))
			content, ok, err := s.Get(key)
			require.NoError(t, err)
			require.True(t, ok)
			actual, err := io.ReadAll(content)
			require.NoError(t, err)
			require.NoError(t, content.Close())
			require.Equal(t, []byte("artifact"), actual)

			require.NoError(t, s.Delete(key))
			_, ok, err = s.Get(key)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}
