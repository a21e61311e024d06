package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/errors"

	"github.com/rezonia/xml-sender/internal/model"
)

// S3API is the subset of *s3.Client used by the blob store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3BlobStore keeps blobs as objects in a bucket, under an optional prefix
type S3BlobStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3BlobStore creates a blob store on bucket
func NewS3BlobStore(client S3API, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket, prefix: prefix}
}

// NewS3Client creates an s3 client. Path style addressing is forced when a
// custom endpoint is configured.
func NewS3Client(cfg aws.Config, pathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	})
}

func (b *S3BlobStore) objectKey(key string) string {
	return b.prefix + key
}

func (b *S3BlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key)),
	})
	return errors.Annotatef(err, "putting s3://%s/%s", b.bucket, b.objectKey(key))
}

func (b *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("blob %s: %w", key, model.ErrNotFound)
		}
		return nil, errors.Annotatef(err, "getting s3://%s/%s", b.bucket, b.objectKey(key))
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".xml":
		return "application/xml"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
