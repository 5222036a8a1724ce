//go:build !gcp

package codestore

import (
	"context"
	"errors"
)

func newGCSStore(context.Context, GCSConfig) (Store, error) {
	return nil, errors.New("codestore: gcs is not enabled in this build (use -tags gcp)")
}
