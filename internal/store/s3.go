package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nuibits/userbase/internal/ledger"
)

var (
	errMissingS3Client = errors.New("store: s3 client is required")
	errMissingBucket   = errors.New("store: bundle bucket name is required")
)

// S3API is the slice of the S3 client the blob store uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BlobConfig describes the bucket snapshot blobs live in.
type BlobConfig struct {
	Client S3API
	Bucket string
}

// BlobStore implements ledger.BlobStore against S3. Bodies stream in both
// directions; nothing is buffered whole.
type BlobStore struct {
	client S3API
	bucket string
}

// NewBlobStore validates the configuration and constructs the blob store.
func NewBlobStore(cfg BlobConfig) (*BlobStore, error) {
	if cfg.Client == nil {
		return nil, errMissingS3Client
	}
	if cfg.Bucket == "" {
		return nil, errMissingBucket
	}
	return &BlobStore{client: cfg.Client, bucket: cfg.Bucket}, nil
}

// GetObject streams a snapshot back to the caller, forwarding content length
// and type. Absent keys surface as ledger.ErrNotFound.
func (s *BlobStore) GetObject(ctx context.Context, key string) (ledger.BlobObject, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return ledger.BlobObject{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
		}
		return ledger.BlobObject{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	return ledger.BlobObject{
		Body:          out.Body,
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
	}, nil
}

// PutObject streams a snapshot upload into the bucket.
func (s *BlobStore) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentLength >= 0 {
		input.ContentLength = aws.Int64(contentLength)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	return nil
}
