package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Scheme = "s3://"

// s3API is the subset of the S3 client used here.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Storage struct {
	api    s3API
	bucket string
	prefix string
}

func NewS3Storage(api s3API, bucket, prefix string) (*S3Storage, error) {
	if api == nil {
		return nil, errors.New("blob: s3 api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("blob: s3 bucket must not be empty")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Storage{api: api, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Storage) URI(key string) string {
	return s3Scheme + s.bucket + "/" + s.prefix + key
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("s3 put object failed: %w", err)
	}
	return s.URI(key), nil
}

func (s *S3Storage) Get(ctx context.Context, uri string) ([]byte, error) {
	bucketAndKey, ok := strings.CutPrefix(uri, s3Scheme)
	if !ok {
		return nil, ErrInvalidURI
	}
	bucket, objectKey, ok := strings.Cut(bucketAndKey, "/")
	if !ok || bucket != s.bucket || objectKey == "" {
		return nil, ErrInvalidURI
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object failed: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object failed: %w", err)
	}
	return data, nil
}
