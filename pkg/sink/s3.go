package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Options configures the S3 or S3-compatible backend.
type S3Options struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3 is an ObjectStore backed by S3.
type S3 struct {
	client *s3.Client
}

// NewS3 creates an S3 client. Static credentials are used when set, the
// default AWS chain otherwise.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		// Retries are owned by the sink's policy.
		o.RetryMaxAttempts = 1
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &S3{client: client}, nil
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Upsert(ctx context.Context, bucket, key string, obj Object) (Outcome, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	exists := err == nil
	if err != nil && !isS3NotFound(err) {
		return "", s3Error(key, err)
	}
	if exists && head.Metadata[HashMetadataKey] == obj.ContentHash {
		return Unchanged, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(obj.Payload),
		ContentType: aws.String(obj.ContentType),
		Metadata:    map[string]string{HashMetadataKey: obj.ContentHash},
	})
	if err != nil {
		return "", s3Error(key, err)
	}
	if exists {
		return Updated, nil
	}
	return Inserted, nil
}

func (s *S3) Load(ctx context.Context, bucket, key string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Object{}, s3Error(key, err)
	}
	defer func() { _ = out.Body.Close() }()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, Errorf(key, ReadFailure, err)
	}
	return Object{
		Payload:     payload,
		ContentType: aws.ToString(out.ContentType),
		ContentHash: out.Metadata[HashMetadataKey],
	}, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

func s3Error(key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return Errorf(key, AuthFailure, err)
		case "SlowDown", "RequestLimitExceeded", "TooManyRequests", "QuotaExceeded", "Throttling":
			return Errorf(key, QuotaExceeded, err)
		case "RequestTimeout":
			return Errorf(key, Timeout, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Errorf(key, AuthFailure, err)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return Errorf(key, QuotaExceeded, err)
		}
	}
	return Errorf(key, WriteFailure, err)
}
