// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package artifact

import (
	"context"
	"fmt"
	"io"
	"path"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

const (
	s3downloaderPartSize        = 8 * 1024 * 1024
	s3downloaderReadConcurrency = 4
)

// S3Backend fetches chunks from {Bucket}/{Prefix}{id}.
type S3Backend struct {
	Bucket string
	Prefix string
	Logger logrus.FieldLogger

	svc *s3.Client
}

func NewS3Backend(ctx context.Context, logger logrus.FieldLogger, cfg config.ArtifactCacheConfig) (*S3Backend, error) {
	if cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("ArtifactCache.S3.Bucket is not configured")
	}
	region := cfg.S3.Region
	if region == "" {
		region = "us-east-1"
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		func(o *awsconfig.LoadOptions) error {
			if cfg.S3.AccessKeyID == "" && cfg.S3.SecretAccessKey == "" {
				// Use default sdk behavior (IAM / IMDS)
				return nil
			}
			logger.Debug("using static credentials")
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     cfg.S3.AccessKeyID,
					SecretAccessKey: cfg.S3.SecretAccessKey,
					Source:          "execnode configuration",
				},
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	return &S3Backend{
		Bucket: cfg.S3.Bucket,
		Prefix: cfg.S3.Prefix,
		Logger: logger,
		svc: s3.NewFromConfig(awscfg, func(o *s3.Options) {
			if cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			}
			o.UsePathStyle = cfg.S3.UsePathStyle
		}),
	}, nil
}

func (b *S3Backend) key(chunk nodeapi.ChunkSpec) string {
	return path.Join(b.Prefix, chunk.ID)
}

func (b *S3Backend) ReadChunk(ctx context.Context, chunk nodeapi.ChunkSpec, opts Options, dst io.WriterAt) (int64, error) {
	downloader := manager.NewDownloader(b.svc, func(u *manager.Downloader) {
		u.PartSize = s3downloaderPartSize
		u.Concurrency = s3downloaderReadConcurrency
	})
	n, err := downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(chunk)),
	})
	if err != nil {
		return n, fmt.Errorf("s3 get %s: %w", b.key(chunk), err)
	}
	return n, nil
}
