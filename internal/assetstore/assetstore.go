// Package assetstore provides an optional S3-backed fallback for serving
// fonts and sprites that are not present on local disk, grounded on the
// teacher's S3 GetObject download idiom (cmd/seed-geodata's downloadFromS3).
package assetstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store fetches objects from an S3 bucket, used as a fallback when fonts or
// sprites are requested but absent from the local data directory.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New loads the default AWS config for region and constructs a Store bound
// to bucket. prefix is prepended to every key (e.g. "fonts/", "sprites/"),
// with trailing slashes normalized.
func New(ctx context.Context, region, bucket, prefix string) (*Store, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("assetstore: load aws config: %w", err)
	}

	return &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: normalizePrefix(prefix),
	}, nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimSuffix(prefix, "/") + "/"
}

// Get fetches the object at prefix+key from the bucket. Callers should
// treat a returned error as a cache miss rather than a hard failure — the
// local filesystem remains the primary source of truth.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("assetstore: get %s%s: %w", s.prefix, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("assetstore: read %s%s: %w", s.prefix, key, err)
	}
	return data, nil
}

// Put uploads data to prefix+key, used to push a locally-generated
// combined glyph PBF or a newly-seeded sprite back to shared storage.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
		Body:   strings.NewReader(string(data)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("assetstore: put %s%s: %w", s.prefix, key, err)
	}
	return nil
}
