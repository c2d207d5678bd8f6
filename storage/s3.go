package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reposter/config"
)

// S3Archive keeps a copy of every media file handed to the posting backend
// in S3-compatible storage.
type S3Archive struct {
	client *s3.Client
	cfg    config.S3Config
}

func NewS3Archive(ctx context.Context, cfg config.S3Config) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archive{client: client, cfg: cfg}, nil
}

// Archive stores data under key unless an object with that key exists.
// Keys are content hashes, so an existing object is the same file.
func (a *S3Archive) Archive(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return a.PublicURL(key), nil
	}

	if err := a.Upload(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", err
	}
	return a.PublicURL(key), nil
}

func (a *S3Archive) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// PublicURL returns the public URL for an S3 key
func (a *S3Archive) PublicURL(key string) string {
	return PublicURL(a.cfg, key)
}

func PublicURL(cfg config.S3Config, key string) string {
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, "digitaloceanspaces.com") {
		// DO Spaces: https://{bucket}.{region}.digitaloceanspaces.com/{key}
		host := strings.TrimPrefix(cfg.Endpoint, "https://")
		return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, host, key)
	}
	if cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket, key)
	}
	// AWS S3: https://{bucket}.s3.{region}.amazonaws.com/{key}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
}
