//go:build gcp

package codestore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

// GCSStore keeps code objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("codestore: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("codestore: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(id ids.CodeID) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + objectName(id))
}

func (s *GCSStore) Put(ctx context.Context, code []byte) (ids.CodeID, error) {
	id := ids.CodeIDFromCode(code)
	// DoesNotExist makes concurrent uploads of the same code race safely.
	w := s.object(id).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/wasm"
	if _, err := w.Write(code); err != nil {
		_ = w.Close()
		return id, fmt.Errorf("codestore: gcs write %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		if ok, _ := s.Exists(ctx, id); ok {
			return id, nil
		}
		return id, fmt.Errorf("codestore: gcs close %s: %w", id, err)
	}
	return id, nil
}

func (s *GCSStore) Load(ctx context.Context, id ids.CodeID) ([]byte, error) {
	r, err := s.object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("codestore: gcs get %s: %w", id, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codestore: gcs read %s: %w", id, err)
	}
	return verify(id, data)
}

func (s *GCSStore) Exists(ctx context.Context, id ids.CodeID) (bool, error) {
	_, err := s.object(id).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("codestore: gcs attrs %s: %w", id, err)
}

func (s *GCSStore) Delete(ctx context.Context, id ids.CodeID) error {
	err := s.object(id).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("codestore: gcs delete %s: %w", id, err)
	}
	return nil
}

// Close releases the client.
func (s *GCSStore) Close() error { return s.client.Close() }
