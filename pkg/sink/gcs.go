package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/storage/v1"
)

// GCSOptions configures the Google Cloud Storage backend.
type GCSOptions struct {
	// CredentialsFile is a service account JSON path; empty uses
	// application default credentials.
	CredentialsFile string

	// Endpoint and Anonymous are used by tests.
	Endpoint  string
	Anonymous bool
}

// GCS is an ObjectStore backed by the Cloud Storage JSON API.
type GCS struct {
	service *storage.Service
}

// NewGCS creates a Cloud Storage client.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		data, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read gcs credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("parse gcs credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.Anonymous {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	}

	svc, err := storage.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}
	return &GCS{service: svc}, nil
}

func (g *GCS) Name() string { return "gcs" }

func (g *GCS) Upsert(ctx context.Context, bucket, key string, obj Object) (Outcome, error) {
	existing, err := g.service.Objects.Get(bucket, key).Fields("name", "metadata").Context(ctx).Do()
	exists := err == nil
	if err != nil && !isGCSNotFound(err) {
		return "", gcsError(key, err)
	}
	if exists && existing.Metadata[HashMetadataKey] == obj.ContentHash {
		return Unchanged, nil
	}

	meta := &storage.Object{
		Name:        key,
		ContentType: obj.ContentType,
		Metadata:    map[string]string{HashMetadataKey: obj.ContentHash},
	}
	_, err = g.service.Objects.Insert(bucket, meta).
		Media(bytes.NewReader(obj.Payload), googleapi.ContentType(obj.ContentType)).
		Context(ctx).
		Do()
	if err != nil {
		return "", gcsError(key, err)
	}
	if exists {
		return Updated, nil
	}
	return Inserted, nil
}

func (g *GCS) Load(ctx context.Context, bucket, key string) (Object, error) {
	meta, err := g.service.Objects.Get(bucket, key).Context(ctx).Do()
	if err != nil {
		if isGCSNotFound(err) {
			return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Object{}, gcsError(key, err)
	}

	resp, err := g.service.Objects.Get(bucket, key).Context(ctx).Download()
	if err != nil {
		return Object{}, gcsError(key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Object{}, Errorf(key, ReadFailure, err)
	}
	return Object{Payload: payload, ContentType: meta.ContentType, ContentHash: meta.Metadata[HashMetadataKey]}, nil
}

func isGCSNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func gcsError(key string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return Errorf(key, WriteFailure, err)
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "quotaExceeded", "userRateLimitExceeded":
			return Errorf(key, QuotaExceeded, err)
		}
	}
	switch gerr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Errorf(key, AuthFailure, err)
	case http.StatusTooManyRequests:
		return Errorf(key, QuotaExceeded, err)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Errorf(key, Timeout, err)
	}
	return Errorf(key, WriteFailure, err)
}
