//go:build gcp

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore implements Store using Google Cloud Storage. Keys map directly
// to object names under an optional prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string

	appendMu sync.Mutex
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional object name prefix
}

// NewGCSStore creates a new GCS-backed artifact store (uses ADC by default).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) objectName(key string) (string, error) {
	rel, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.prefix + rel, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	name, err := s.objectName(key)
	if err != nil {
		return "", err
	}
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed for %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed for %s: %w", key, err)
	}
	return "gs://" + s.bucket + "/" + name, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAbsent, key)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", key, err)
	}
	return data, nil
}

// Append is read-modify-write, serialized per process.
func (s *GCSStore) Append(ctx context.Context, key string, data []byte) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	existing, err := s.Get(ctx, key)
	if err != nil && !IsAbsent(err) {
		return err
	}
	if _, err := s.Put(ctx, key, append(existing, data...)); err != nil {
		return err
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	name, err := s.objectName(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error for %s: %w", key, err)
	}
	return true, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	name, err := s.objectName(prefix)
	if err != nil {
		return nil, err
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: name})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed for %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name[len(s.prefix):])
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
