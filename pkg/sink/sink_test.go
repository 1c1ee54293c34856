package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elonfeng/foresight/pkg/item"
	"github.com/elonfeng/foresight/pkg/retry"
	"github.com/elonfeng/foresight/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func testItem(id, title string) item.Item {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return item.Item{
		Source:      source.KindYouTube,
		SourceName:  "youtube:MKBHD",
		ExternalID:  id,
		Title:       title,
		Author:      "MKBHD",
		URL:         "https://www.youtube.com/watch?v=" + id,
		PublishedAt: now,
		FetchedAt:   now,
		ContentHash: item.ContentHash(title, "", "MKBHD"),
	}
}

func TestObjectSinkIdempotent(t *testing.T) {
	store := NewMemoryStore()
	s := NewObjectSink(store, "bkt", "items", fastRetry, nil)
	ctx := context.Background()

	it := testItem("vid1", "Phone review")
	outcome, err := s.Persist(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)

	// A later fetch of identical content changes only fetched_at.
	again := it
	again.FetchedAt = it.FetchedAt.Add(time.Hour)
	outcome, err = s.Persist(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, store.Writes())

	changed := testItem("vid1", "Phone review (updated)")
	outcome, err = s.Persist(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.Equal(t, 1, store.Len())

	obj, ok := store.Get("bkt", ObjectKey("items/", changed))
	require.True(t, ok)
	var stored item.Item
	require.NoError(t, json.Unmarshal(obj.Payload, &stored))
	assert.Equal(t, "Phone review (updated)", stored.Title)
	assert.Equal(t, changed.ContentHash, obj.ContentHash)
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("raw/", testItem("vid1", "x"))
	assert.True(t, strings.HasPrefix(key, "raw/youtube/"))
	assert.True(t, strings.HasSuffix(key, ".json"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(key, "raw/youtube/"), ".json"), 64)

	// External IDs with path characters never escape the prefix.
	odd := ObjectKey("", testItem("../../etc/passwd", "x"))
	assert.NotContains(t, odd, "..")
}

type flakyStore struct {
	failures int32
	kind     ErrorKind
	calls    atomic.Int32
	inner    *MemoryStore
}

func (f *flakyStore) Name() string { return "flaky" }

func (f *flakyStore) Upsert(ctx context.Context, bucket, key string, obj Object) (Outcome, error) {
	if n := f.calls.Add(1); n <= f.failures {
		return "", &PersistenceError{Key: key, Kind: f.kind, Err: errors.New("injected")}
	}
	return f.inner.Upsert(ctx, bucket, key, obj)
}

func (f *flakyStore) Load(ctx context.Context, bucket, key string) (Object, error) {
	return f.inner.Load(ctx, bucket, key)
}

// stallingStore hangs on its first write until the attempt context ends.
type stallingStore struct {
	calls atomic.Int32
	inner *MemoryStore
}

func (s *stallingStore) Name() string { return "stalling" }

func (s *stallingStore) Upsert(ctx context.Context, bucket, key string, obj Object) (Outcome, error) {
	if s.calls.Add(1) == 1 {
		<-ctx.Done()
		return "", Errorf(key, WriteFailure, ctx.Err())
	}
	return s.inner.Upsert(ctx, bucket, key, obj)
}

func (s *stallingStore) Load(ctx context.Context, bucket, key string) (Object, error) {
	return s.inner.Load(ctx, bucket, key)
}

func TestObjectSinkRetriesTransient(t *testing.T) {
	store := &flakyStore{failures: 2, kind: QuotaExceeded, inner: NewMemoryStore()}
	s := NewObjectSink(store, "bkt", "", fastRetry, nil)

	outcome, err := s.Persist(context.Background(), testItem("vid1", "t"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestObjectSinkRetriesStalledAttempt(t *testing.T) {
	store := &stallingStore{inner: NewMemoryStore()}
	policy := fastRetry
	policy.AttemptTimeout = 50 * time.Millisecond
	s := NewObjectSink(store, "bkt", "", policy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), policy.Budget())
	defer cancel()
	outcome, err := s.Persist(ctx, testItem("vid1", "t"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestObjectSinkGetItem(t *testing.T) {
	s := NewObjectSink(NewMemoryStore(), "bkt", "items", fastRetry, nil)
	ctx := context.Background()

	it := testItem("vid1", "Phone review")
	_, err := s.Persist(ctx, it)
	require.NoError(t, err)

	got, err := s.GetItem(ctx, source.KindYouTube, "vid1")
	require.NoError(t, err)
	assert.Equal(t, it.Title, got.Title)
	assert.Equal(t, it.ContentHash, got.ContentHash)
	assert.True(t, it.PublishedAt.Equal(got.PublishedAt))

	_, err = s.GetItem(ctx, source.KindYouTube, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetItem(ctx, source.KindRSS, "vid1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObjectSinkRetryExhausted(t *testing.T) {
	store := &flakyStore{failures: 10, kind: Timeout, inner: NewMemoryStore()}
	s := NewObjectSink(store, "bkt", "", fastRetry, nil)

	_, err := s.Persist(context.Background(), testItem("vid1", "t"))
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, Timeout, pe.Kind)
	assert.Equal(t, int32(retry.MaxAttempts), store.calls.Load())
}

func TestObjectSinkAuthNotRetried(t *testing.T) {
	store := &flakyStore{failures: 10, kind: AuthFailure, inner: NewMemoryStore()}
	s := NewObjectSink(store, "bkt", "", fastRetry, nil)

	_, err := s.Persist(context.Background(), testItem("vid1", "t"))
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, AuthFailure, pe.Kind)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestErrorf(t *testing.T) {
	err := Errorf("k", WriteFailure, context.DeadlineExceeded)
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, Timeout, pe.Kind)
	assert.True(t, IsTransient(err))

	inner := &PersistenceError{Key: "k", Kind: AuthFailure, Err: errors.New("denied")}
	assert.Same(t, inner, Errorf("other", WriteFailure, inner))
	assert.Equal(t, "persist k: auth_failure: denied", inner.Error())
}

func TestRedisErrorClassification(t *testing.T) {
	tests := []struct {
		msg  string
		kind ErrorKind
	}{
		{"NOAUTH Authentication required.", AuthFailure},
		{"WRONGPASS invalid username-password pair", AuthFailure},
		{"OOM command not allowed when used memory > 'maxmemory'.", QuotaExceeded},
		{"ERR something else", WriteFailure},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			var pe *PersistenceError
			require.True(t, errors.As(redisError("k", errors.New(tt.msg)), &pe))
			assert.Equal(t, tt.kind, pe.Kind)
		})
	}
}
