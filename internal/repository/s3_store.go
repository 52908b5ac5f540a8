package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store writes each document as one object keyed by prefix + path
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store loads the default AWS configuration (env, shared config, IMDS)
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Store) key(p string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return "", fmt.Errorf("invalid path %q: no object name", p)
	}
	if s.prefix == "" {
		return cleaned, nil
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + cleaned, nil
}

func (s *S3Store) Write(ctx context.Context, p, content string) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(content)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload document %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context, p string) (string, error) {
	key, err := s.key(p)
	if err != nil {
		return "", err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return "", fmt.Errorf("failed to get document %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read document data: %w", err)
	}
	return string(data), nil
}
