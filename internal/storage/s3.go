package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/pkg/config"
	"github.com/docfold/docfold/pkg/types"
	"github.com/docfold/docfold/pkg/utils"
)

// S3Backend stores archive content in an S3-compatible object store, one
// object per key beneath an optional prefix.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend creates an S3 backend for the configured bucket. A custom
// endpoint switches the client to path-style addressing for MinIO and
// LocalStack style stores.
func NewS3Backend(ctx context.Context, cfg *config.StorageConfig) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("s3 archive backend initialized")
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Kind returns the backend kind
func (sb *S3Backend) Kind() string { return "s3" }

func (sb *S3Backend) objectKey(key string) string {
	if sb.prefix == "" {
		return key
	}
	return sb.prefix + "/" + key
}

// classify sorts S3 failures into not-found, permanent and transient kinds.
func (sb *S3Backend) classify(err error, key string) error {
	var nf *s3types.NotFound
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %s", types.ErrNotFound, key)
		case "PreconditionFailed":
			return fmt.Errorf("%w: %s", types.ErrAlreadyExists, key)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
		}
	}

	return Transient(fmt.Errorf("s3 request failed: %w", err))
}

// Stat heads the object at key. The content hash is left empty; object
// store ETags are not a reliable sha256 source, so hashing is deferred to
// the first full read.
func (sb *S3Backend) Stat(ctx context.Context, key string) (*types.ArtifactMetadata, error) {
	out, err := sb.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(sb.objectKey(key)),
	})
	if err != nil {
		return nil, sb.classify(err, key)
	}

	meta := &types.ArtifactMetadata{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		StoragePath: key,
	}
	if meta.ContentType == "" {
		meta.ContentType = utils.ContentTypeForKey(key)
	}
	if out.LastModified != nil {
		meta.CreatedAt = *out.LastModified
	}
	return meta, nil
}

// Read opens the object at key.
func (sb *S3Backend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := sb.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(sb.objectKey(key)),
	})
	if err != nil {
		return nil, sb.classify(err, key)
	}
	return out.Body, nil
}

// List pages through all object keys under prefix.
func (sb *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	startTime := time.Now()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(sb.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(sb.bucket),
		Prefix: aws.String(sb.objectKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, sb.classify(err, prefix)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if sb.prefix != "" {
				key = strings.TrimPrefix(key, sb.prefix+"/")
			}
			keys = append(keys, key)
		}
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(keys)).
		Dur("duration", time.Since(startTime)).
		Msg("objects listed")

	return keys, nil
}

// WriteOnce stores content at key with a conditional put; an occupied key
// fails the precondition and is never overwritten.
func (sb *S3Backend) WriteOnce(ctx context.Context, key string, content io.Reader) (int64, string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read content: %w", err)
	}

	hash := sha256.Sum256(data)
	digest := hex.EncodeToString(hash[:])

	_, err = sb.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(sb.bucket),
		Key:         aws.String(sb.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(utils.ContentTypeForKey(key)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return 0, "", sb.classify(err, key)
	}

	log.Info().
		Str("key", key).
		Int("bytes_written", len(data)).
		Str("checksum", digest).
		Msg("object stored")

	return int64(len(data)), digest, nil
}
