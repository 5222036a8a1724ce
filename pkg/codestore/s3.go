package codestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

// S3Store keeps code objects in an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures S3Store. Endpoint selects an S3-compatible service
// such as MinIO and switches to path-style addressing.
type S3Config struct {
	Bucket   string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Region   string `yaml:"region" toml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
}

// NewS3Store loads the default AWS credential chain for cfg.Region.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("codestore: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("codestore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(id ids.CodeID) *string { return aws.String(s.prefix + objectName(id)) }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Store) Put(ctx context.Context, code []byte) (ids.CodeID, error) {
	id := ids.CodeIDFromCode(code)
	if ok, err := s.Exists(ctx, id); err != nil || ok {
		return id, err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         s.key(id),
		Body:        bytes.NewReader(code),
		ContentType: aws.String("application/wasm"),
	})
	if err != nil {
		return id, fmt.Errorf("codestore: s3 put %s: %w", id, err)
	}
	return id, nil
}

func (s *S3Store) Load(ctx context.Context, id ids.CodeID) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(id),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("codestore: s3 get %s: %w", id, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("codestore: s3 read %s: %w", id, err)
	}
	return verify(id, data)
}

func (s *S3Store) Exists(ctx context.Context, id ids.CodeID) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(id),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("codestore: s3 head %s: %w", id, err)
}

func (s *S3Store) Delete(ctx context.Context, id ids.CodeID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(id),
	})
	if err != nil {
		return fmt.Errorf("codestore: s3 delete %s: %w", id, err)
	}
	return nil
}
