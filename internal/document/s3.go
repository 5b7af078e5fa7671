package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

const s3KeyPrefix = "prescriptions/v1/"

// S3Storage keeps artifacts in an S3 bucket. URLs are rooted at baseURL when
// set (a CDN or proxy in front of the bucket), otherwise the s3:// form is
// returned.
type S3Storage struct {
	bucket   string
	s3Client S3API
	baseURL  string
}

var _ Storage = (*S3Storage)(nil)

// NewS3Storage creates an S3-backed artifact store.
func NewS3Storage(s3Client S3API, bucket, baseURL string) *S3Storage {
	if s3Client == nil {
		panic("document: s3 client cannot be nil")
	}
	if bucket == "" {
		panic("document: s3 bucket cannot be empty")
	}
	return &S3Storage{
		bucket:   bucket,
		s3Client: s3Client,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

func (s *S3Storage) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	key := s3KeyPrefix + name
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("document: s3 put %s: %w", key, err)
	}
	if s.baseURL != "" {
		return s.baseURL + publicPathPrefix + name, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Storage) Get(ctx context.Context, name string) ([]byte, error) {
	key := s3KeyPrefix + name
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		return nil, fmt.Errorf("document: s3 get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("document: s3 read %s: %w", key, err)
	}
	return data, nil
}

// isNotFoundErr checks if the error is an S3 NoSuchKey error.
func isNotFoundErr(err error) bool {
	// Simple string check since errors.As with S3 types can be tricky
	return err != nil && (strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404"))
}
