// Package artifact provides keyed, append-only persistence for evoloop
// records. Keys are hierarchical strings ("rollouts/rollout_state.json");
// previously written keys are never mutated or deleted outside an explicit
// compaction job.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrAbsent marks a key with no value. Callers treat absence as a neutral
// default, never as a failure, unless the key is a required dependency.
var ErrAbsent = errors.New("artifact: absent")

// IsAbsent reports whether err is (or wraps) ErrAbsent.
func IsAbsent(err error) bool {
	return errors.Is(err, ErrAbsent)
}

// Store defines the contract for keyed artifact persistence.
type Store interface {
	// Put persists data under key atomically and returns the storage path.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get retrieves data by key. Missing keys return ErrAbsent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Append appends data to the log at key, creating it if absent.
	// Intended for JSONL logs; data should end with a newline.
	Append(ctx context.Context, key string, data []byte) error
	// Exists checks whether key holds a value.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix, sorted lexicographically.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.Mutex // serializes appends; Put/Get are safe via rename/read
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// cleanKey validates a hierarchical key and maps it onto a relative path.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty artifact key")
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid artifact key: %s", key)
	}
	return cleaned, nil
}

func (s *FileStore) path(key string) (string, error) {
	rel, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, rel), nil
}

// Put writes atomically: temp file, fsync, rename.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	//nolint:gosec // G301: artifact tree is shared with operator tooling
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to ensure parent dir for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp for %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return path, nil
}

// Get is lock-free: rename guarantees readers see either the old or the new
// complete value, never a torn write.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // key validated by cleanKey
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAbsent, key)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Append(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	//nolint:gosec // G301: artifact tree is shared with operator tooling
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to ensure parent dir for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	//nolint:gosec // G302/G304: 0644 log file, key validated
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync log %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close log %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	rel, err := cleanKey(prefix)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(s.baseDir, rel)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.Walk(root, func(path string, fi os.FileInfo, werr error) error {
		if werr != nil {
			return werr
		}
		if fi.IsDir() {
			return nil
		}
		relPath, rerr := filepath.Rel(s.baseDir, path)
		if rerr != nil {
			return rerr
		}
		keys = append(keys, filepath.ToSlash(relPath))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
