package store

import (
	"context"
	"fmt"
	"path"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Compile-time interface satisfaction check.
var _ Store = (*BlobStore)(nil)

// BlobStore implements Store with one object per key in a blob bucket.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobStore stores keys as objects under prefix in bucket. The store owns
// the bucket and closes it on Close.
func NewBlobStore(bucket *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, prefix: prefix}
}

func (s *BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key + ".json"
	}
	return path.Join(s.prefix, key+".json")
}

// GetString returns the object stored under key, or def if it does not exist.
func (s *BlobStore) GetString(ctx context.Context, key, def string) (string, error) {
	data, err := s.bucket.ReadAll(ctx, s.objectKey(key))
	if isNotExist(err) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("read %q: %w", key, err)
	}
	return string(data), nil
}

// SetString replaces the object stored under key.
func (s *BlobStore) SetString(ctx context.Context, key, value string) error {
	err := s.bucket.WriteAll(ctx, s.objectKey(key), []byte(value), &blob.WriterOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Close closes the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return err != nil && gcerrors.Code(err) == gcerrors.NotFound
}
