// Package gcs abstracts the blob store the pipeline persists its artifacts to.
// Logical paths are part of the system contract and must stay stable:
// transcripts/{call}.txt, customer_matches/{call}_customer.json,
// orders/{orderId}.json, reference_data/*.json.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
)

// Bucket is the narrow blob-store surface the stages need: full-object reads,
// overwriting writes, and an existence check for idempotent ingestion.
type Bucket interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// ErrNotFound reports a missing object regardless of backing implementation.
var ErrNotFound = errors.New("object not found")

// CloudBucket is the Google Cloud Storage backed Bucket.
type CloudBucket struct {
	bucket *storage.BucketHandle
}

func NewCloudBucket(ctx context.Context, name string) (*CloudBucket, *storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	return &CloudBucket{bucket: client.Bucket(name)}, client, nil
}

func (b *CloudBucket) Download(ctx context.Context, path string) ([]byte, error) {
	r, err := b.bucket.Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (b *CloudBucket) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	w := b.bucket.Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func (b *CloudBucket) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.bucket.Object(path).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

// DirBucket serves blobs from a local directory. The local runner and tests
// use it in place of Cloud Storage.
type DirBucket struct {
	root string
}

func NewDirBucket(root string) *DirBucket {
	return &DirBucket{root: root}
}

func (b *DirBucket) Download(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(path)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (b *DirBucket) Upload(_ context.Context, path string, data []byte, _ string) error {
	full := filepath.Join(b.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (b *DirBucket) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.Join(b.root, filepath.FromSlash(path)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
