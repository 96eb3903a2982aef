package hosted

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNotFound is returned when a key does not exist in the blob store.
var ErrNotFound = errors.New("hosted: object not found")

// Blob is one fetched object. ContentType is the stored metadata value and
// may be empty, in which case the caller derives one from the extension.
type Blob struct {
	Body        io.ReadCloser
	ContentType string
}

// BlobStore abstracts the lander and drive buckets so tests can run against
// an in-memory fake.
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) (*Blob, error)
}

// S3Store serves landers out of S3-compatible object storage.
type S3Store struct {
	client *s3.Client
}

// InitS3 builds an S3 client from ambient AWS config. A non-empty endpoint
// points the client at an S3-compatible service such as MinIO or R2.
func InitS3(ctx context.Context, region, endpoint string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client}, nil
}

// Get fetches one object. Missing keys map onto ErrNotFound so callers can
// walk a fallback list without inspecting SDK error types.
func (s *S3Store) Get(ctx context.Context, bucket, key string) (*Blob, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return &Blob{Body: out.Body, ContentType: aws.ToString(out.ContentType)}, nil
}

func isNoSuchKey(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
