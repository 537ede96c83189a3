package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds the bucket and endpoint of an S3-compatible backend
// (AWS S3 or MinIO). Credentials come from the default AWS chain.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// Prefix is prepended to every key.
	Prefix string
}

// S3BlobStore implements BlobStore on a single bucket.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3BlobStore builds a client from the default AWS configuration.
func NewS3BlobStore(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewS3BlobStoreFromConfig(awsCfg, cfg, optFns...), nil
}

// NewS3BlobStoreFromConfig builds a store on an already loaded aws.Config.
func NewS3BlobStoreFromConfig(awsCfg aws.Config, cfg S3Config, optFns ...func(*s3.Options)) *S3BlobStore {
	opts := append([]func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}}, optFns...)
	return &S3BlobStore{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3BlobStore) blobKey(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, s.prefix+"/")
}

// Upload buffers the content so the SDK can sign and retry it.
func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if err := ValidateKey(meta.Key); err != nil {
		return nil, err
	}
	data, hash, err := readAll(content)
	if err != nil {
		return nil, err
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}

	tags := make(map[string]string, len(meta.Tags)+1)
	for k, v := range meta.Tags {
		tags[k] = v
	}
	tags["sha256"] = hash

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(meta.Key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
		Metadata:    tags,
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", meta.Key, err)
	}

	meta.Size = int64(len(data))
	meta.Hash = hash
	meta.CreatedAt = time.Now().UTC()
	return &meta, nil
}

func (s *S3BlobStore) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, nil, notFound(err)
	}
	meta := fromObject(key, aws.ToInt64(out.ContentLength), out.ContentType, out.Metadata, out.LastModified)
	return out.Body, &meta, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.GetMetadata(ctx, key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, key string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, notFound(err)
	}
	meta := fromObject(key, aws.ToInt64(out.ContentLength), out.ContentType, out.Metadata, out.LastModified)
	return &meta, nil
}

func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]*BlobMetadata, error) {
	var out []*BlobMetadata
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.objectKey(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, &BlobMetadata{
				Key:       s.blobKey(aws.ToString(obj.Key)),
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func fromObject(key string, size int64, contentType *string, md map[string]string, lastModified *time.Time) BlobMetadata {
	meta := BlobMetadata{
		Key:         key,
		Size:        size,
		ContentType: aws.ToString(contentType),
		CreatedAt:   aws.ToTime(lastModified),
		Tags:        md,
	}
	if h, ok := md["sha256"]; ok {
		meta.Hash = h
	}
	return meta
}

// notFound maps the SDK's missing-object errors onto ErrBlobNotFound.
func notFound(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return ErrBlobNotFound
	}
	return err
}
