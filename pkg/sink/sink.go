// Package sink persists canonical items with idempotent upserts keyed by
// (source kind, external ID).
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elonfeng/foresight/pkg/item"
	"github.com/elonfeng/foresight/pkg/retry"
	"github.com/elonfeng/foresight/pkg/source"
)

// Outcome is the effect an upsert had on the store.
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// Sink persists one item. Re-persisting identical content is a no-op;
// changed content updates the stored record.
type Sink interface {
	Persist(ctx context.Context, it item.Item) (Outcome, error)
}

// ErrorKind classifies persistence failures.
type ErrorKind string

const (
	AuthFailure   ErrorKind = "auth_failure"
	WriteFailure  ErrorKind = "write_failure"
	ReadFailure   ErrorKind = "read_failure"
	QuotaExceeded ErrorKind = "quota_exceeded"
	Timeout       ErrorKind = "timeout"
)

// PersistenceError is returned by every failed Persist or Upsert.
type PersistenceError struct {
	Key  string
	Kind ErrorKind
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Transient reports whether the write may succeed on another attempt.
func (e *PersistenceError) Transient() bool {
	return e.Kind == QuotaExceeded || e.Kind == Timeout
}

// IsTransient is the retry predicate for persistence errors.
func IsTransient(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Transient()
}

// Errorf wraps err as a PersistenceError, classifying context deadlines as
// timeouts. Existing PersistenceErrors pass through.
func Errorf(key string, kind ErrorKind, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &PersistenceError{Key: key, Kind: kind, Err: err}
}

// Object is one payload written to an object store.
type Object struct {
	Payload     []byte
	ContentType string
	ContentHash string
}

// ErrNotFound is returned by Load when no object is stored under a key.
var ErrNotFound = errors.New("object not found")

// ObjectStore is an opaque keyed object store. Upsert must compare the
// stored content hash and skip the write when it matches.
type ObjectStore interface {
	Name() string
	Upsert(ctx context.Context, bucket, key string, obj Object) (Outcome, error)
	Load(ctx context.Context, bucket, key string) (Object, error)
}

// HashMetadataKey is the object metadata entry carrying the content hash.
const HashMetadataKey = "content-hash"

// ObjectSink stores each item as a JSON object in an ObjectStore.
type ObjectSink struct {
	store  ObjectStore
	bucket string
	prefix string
	retry  retry.Policy
	logger *slog.Logger
}

// NewObjectSink creates a sink writing to bucket under prefix.
func NewObjectSink(store ObjectStore, bucket, prefix string, policy retry.Policy, logger *slog.Logger) *ObjectSink {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ObjectSink{
		store:  store,
		bucket: bucket,
		prefix: prefix,
		retry:  policy,
		logger: logger.With(slog.String("backend", store.Name())),
	}
}

// ObjectKey returns the object key for an item: <prefix><kind>/<sha256(id)>.json.
func ObjectKey(prefix string, it item.Item) string {
	return objectKey(prefix, it.Source, it.ExternalID)
}

func objectKey(prefix string, kind source.Kind, externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return prefix + string(kind) + "/" + hex.EncodeToString(sum[:]) + ".json"
}

func (s *ObjectSink) Persist(ctx context.Context, it item.Item) (Outcome, error) {
	key := ObjectKey(s.prefix, it)
	payload, err := json.Marshal(it)
	if err != nil {
		return "", &PersistenceError{Key: key, Kind: WriteFailure, Err: fmt.Errorf("marshal item: %w", err)}
	}

	obj := Object{Payload: payload, ContentType: "application/json", ContentHash: it.ContentHash}
	outcome, err := retry.Do(ctx, s.retry, IsTransient, func(ctx context.Context) (Outcome, error) {
		return s.store.Upsert(ctx, s.bucket, key, obj)
	})
	if err != nil {
		return "", Errorf(key, WriteFailure, err)
	}
	s.logger.Debug("persisted item", slog.String("key", key), slog.String("outcome", string(outcome)))
	return outcome, nil
}

// GetItem reads one stored item back. A missing item is an error wrapping
// ErrNotFound.
func (s *ObjectSink) GetItem(ctx context.Context, kind source.Kind, externalID string) (*item.Item, error) {
	key := objectKey(s.prefix, kind, externalID)
	obj, err := retry.Do(ctx, s.retry, IsTransient, func(ctx context.Context) (Object, error) {
		return s.store.Load(ctx, s.bucket, key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get item %s:%s: %w", kind, externalID, ErrNotFound)
		}
		return nil, Errorf(key, ReadFailure, err)
	}

	var it item.Item
	if err := json.Unmarshal(obj.Payload, &it); err != nil {
		return nil, &PersistenceError{Key: key, Kind: ReadFailure, Err: fmt.Errorf("decode item: %w", err)}
	}
	return &it, nil
}
