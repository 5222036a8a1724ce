package codestore

import (
	"context"
	"fmt"
	"path/filepath"
)

// Type names a code store backend.
type Type string

const (
	TypeFS     Type = "fs"
	TypeMemory Type = "memory"
	TypeS3     Type = "s3"
	TypeGCS    Type = "gcs"
)

// GCSConfig configures GCSStore, available in builds with the gcp tag.
type GCSConfig struct {
	Bucket string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" toml:"prefix" json:"prefix"`
}

// Config selects and configures a backend.
type Config struct {
	Type Type `yaml:"type" toml:"type" json:"type"`
	// Dir is the root of the fs backend; code goes to Dir/codes.
	Dir string    `yaml:"dir" toml:"dir" json:"dir"`
	S3  S3Config  `yaml:"s3" toml:"s3" json:"s3"`
	GCS GCSConfig `yaml:"gcs" toml:"gcs" json:"gcs"`
	// CacheSize bounds the in-process cache of loaded code; 0 disables it.
	CacheSize int `yaml:"cache_size" toml:"cache_size" json:"cache_size"`
}

// New builds the store described by cfg.
func New(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "", TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data"
		}
		s, err = NewFileStore(filepath.Join(dir, "codes"))
	case TypeMemory:
		s = NewMemoryStore()
	case TypeS3:
		s, err = NewS3Store(ctx, cfg.S3)
	case TypeGCS:
		s, err = newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("codestore: unsupported type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return NewCached(s, cfg.CacheSize)
	}
	return s, nil
}
