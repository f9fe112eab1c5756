package engine

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/and3k5/wasmer/internal/artifact"
)

// ArtifactStore keeps serialized artifacts across engines, and across processes for a file backed store. Compile
// consults it before compiling, so a hit skips the compiler entirely.
//
// An entry is only a hint: Compile deserializes and validates it like any other artifact, and deletes it when it
// does not match.
//
// Since these methods are concurrently accessed, the implementations must be Goroutine-safe.
type ArtifactStore interface {
	// Get returns the content added for key. ok is false with a nil error when there is none. The caller closes
	// content.
	Get(key artifact.Hash) (content io.ReadCloser, ok bool, err error)
	// Add stores content, which is returned as is by Get.
	Add(key artifact.Hash, content io.Reader) error
	// Delete purges the entry of key. A missing entry is not an error.
	Delete(key artifact.Hash) error
}

// NewMemoryArtifactStore returns an ArtifactStore which lives as long as the process.
func NewMemoryArtifactStore() ArtifactStore {
	return &memoryStore{entries: map[artifact.Hash][]byte{}}
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[artifact.Hash][]byte
}

func (s *memoryStore) Get(key artifact.Hash) (io.ReadCloser, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(b)), true, nil
}

func (s *memoryStore) Add(key artifact.Hash, content io.Reader) error {
	b, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = b
	return nil
}

func (s *memoryStore) Delete(key artifact.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// NewFileArtifactStore returns an ArtifactStore writing one file per artifact in dir, named by the hex encoded
// hash. dir is created when missing.
func NewFileArtifactStore(dir string) (ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if st, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !st.IsDir() {
		return nil, fmt.Errorf("fileStore: expected dir %s", dir)
	}
	return newFileStore(dir), nil
}

func newFileStore(dir string) *fileStore {
	return &fileStore{dirPath: dir}
}

// fileStore persists artifacts into the directory dirPath.
type fileStore struct {
	dirPath string
	mux     sync.RWMutex
}

type fileReadCloser struct {
	*os.File
	fs *fileStore
}

func (f *fileStore) path(key artifact.Hash) string {
	return path.Join(f.dirPath, hex.EncodeToString(key[:]))
}

func (f *fileStore) Get(key artifact.Hash) (content io.ReadCloser, ok bool, err error) {
	f.mux.RLock()
	unlock := f.mux.RUnlock
	defer func() {
		unlock()
	}()

	file, err := os.Open(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	} else {
		// Unlock is done inside the content.Close() at the call site.
		unlock = func() {}
		return &fileReadCloser{File: file, fs: f}, true, nil
	}
}

// Close wraps the os.File Close to release the read lock on fileStore.
func (f *fileReadCloser) Close() (err error) {
	defer f.fs.mux.RUnlock()
	err = f.File.Close()
	return
}

// Add writes a temporary file and renames it, so a concurrent reader in another process never sees a partial
// artifact.
func (f *fileStore) Add(key artifact.Hash, content io.Reader) (err error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	file, err := os.CreateTemp(f.dirPath, "tmp-*")
	if err != nil {
		return
	}
	tmp := file.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(file, content); err != nil {
		_ = file.Close()
		return
	}
	if err = file.Close(); err != nil {
		return
	}
	return os.Rename(tmp, f.path(key))
}

func (f *fileStore) Delete(key artifact.Hash) (err error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	err = os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return
}
