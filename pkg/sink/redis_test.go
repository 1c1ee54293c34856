package sink

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisUpsert(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	obj := Object{Payload: []byte(`{"title":"a"}`), ContentType: "application/json", ContentHash: "h1"}

	outcome, err := r.Upsert(ctx, "bkt", "items/reddit/abc.json", obj)
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)

	outcome, err = r.Upsert(ctx, "bkt", "items/reddit/abc.json", obj)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)

	obj.ContentHash = "h2"
	obj.Payload = []byte(`{"title":"b"}`)
	outcome, err = r.Upsert(ctx, "bkt", "items/reddit/abc.json", obj)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	assert.Equal(t, "h2", mr.HGet("bkt:items/reddit/abc.json", HashMetadataKey))
	assert.Equal(t, `{"title":"b"}`, mr.HGet("bkt:items/reddit/abc.json", "payload"))
}

func TestRedisLoad(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := r.Load(ctx, "bkt", "items/reddit/abc.json")
	assert.ErrorIs(t, err, ErrNotFound)

	obj := Object{Payload: []byte(`{"title":"a"}`), ContentType: "application/json", ContentHash: "h1"}
	_, err = r.Upsert(ctx, "bkt", "items/reddit/abc.json", obj)
	require.NoError(t, err)

	got, err := r.Load(ctx, "bkt", "items/reddit/abc.json")
	require.NoError(t, err)
	assert.Equal(t, obj, got)
}

func TestRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}
