package store

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// Store is a string key-value substrate. Values are opaque to the store;
// callers serialize their own records.
type Store interface {
	// GetString returns the value stored under key, or def if the key is absent.
	GetString(ctx context.Context, key, def string) (string, error)
	SetString(ctx context.Context, key, value string) error
	Close() error
}

// Open returns the store addressed by url. An empty url or the "sqlite"
// scheme opens the SQLite database at dbPath; any other url is opened as a
// gocloud blob bucket (mem://, file:///path, s3://..., gs://...).
func Open(ctx context.Context, url, dbPath string) (Store, error) {
	if url == "" || url == "sqlite" || strings.HasPrefix(url, "sqlite://") {
		if p, ok := strings.CutPrefix(url, "sqlite://"); ok && p != "" {
			dbPath = p
		}
		return NewSQLiteStore(dbPath)
	}

	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", url, err)
	}
	return NewBlobStore(bkt, ""), nil
}
