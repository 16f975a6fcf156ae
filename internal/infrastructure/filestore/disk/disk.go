// Package disk implements filestore.BlobStore on the local filesystem,
// the embedded deployment's byte-storage backend (§4.C). Unlike a
// content-addressed store needs no index: the path is derived from the
// hash itself via filestore.ShardedPath, adapting the teacher's
// internal/artifacts/local_store.go (temp-file-then-atomic-rename write,
// LocalStore shape) from an ID-indexed JSON-index store to a pure
// content-addressed one.
package disk

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"sideseat/internal/core/domain/filestore"
)

// Store is a sharded on-disk BlobStore. Writes go through a temp file
// and an atomic rename so a reader never observes a partially written
// blob; the per-hash lock is held across the existence check, the write
// and the rename.
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a disk-backed BlobStore rooted at basePath, creating it
// if necessary.
func New(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store root: %w", err)
	}
	return &Store{basePath: basePath, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(filestore.ShardedPath(hash)))
}

func (s *Store) lockFor(hash string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		s.locks[hash] = l
	}
	return l
}

// Put writes data under hash's sharded path. A concurrent Put of the
// same hash within this Store is serialized by the per-hash lock: the
// second caller finds the file already in place and returns without
// writing.
func (s *Store) Put(ctx context.Context, hash string, data []byte) error {
	if !filestore.ValidateHash(hash) {
		return fmt.Errorf("disk: invalid hash %q", hash)
	}
	dest := s.pathFor(hash)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	lock := s.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dest); err == nil {
		return nil // idempotent: already written
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename blob into place: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("disk: blob %s not found: %w", hash, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *Store) Unlink(ctx context.Context, hash string) error {
	if err := os.Remove(s.pathFor(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink blob: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(s.pathFor(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
