//go:build gcp

package codestore

import "context"

func newGCSStore(ctx context.Context, cfg GCSConfig) (Store, error) {
	return NewGCSStore(ctx, cfg)
}
