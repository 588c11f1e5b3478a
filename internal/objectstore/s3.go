// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"storj.io/nidx/internal/nidxerr"
)

// S3Config configures the S3 adapter, covering both real AWS S3 and
// S3-compatible backends (MinIO, R2) reached through a custom endpoint.
type S3Config struct {
	Endpoint  string // non-empty to target MinIO/R2/etc instead of AWS
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3 is a Store backed by an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

// NewS3 builds an S3 store from cfg.
func NewS3(ctx context.Context, cfg S3Config, log *zap.Logger) (*S3, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nidxerr.StorageFatal.Wrap(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (s *S3) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return nidxerr.StorageTransient.Wrap(err)
	}
	s.log.Debug("uploaded segment blob", zap.String("key", key), zap.Int64("size", size))
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, nidxerr.NotFound.New("object %q", key)
		}
		return nil, nidxerr.StorageTransient.Wrap(err)
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nidxerr.StorageTransient.Wrap(err)
	}
	return nil
}

var _ Store = (*S3)(nil)
