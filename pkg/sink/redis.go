package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis is an ObjectStore keeping one hash per object.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis client and checks connectivity.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Name() string { return "redis" }

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Upsert(ctx context.Context, bucket, key string, obj Object) (Outcome, error) {
	full := bucket + ":" + key
	current, err := r.client.HGet(ctx, full, HashMetadataKey).Result()
	exists := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", redisError(key, err)
	}
	if exists && current == obj.ContentHash {
		return Unchanged, nil
	}

	err = r.client.HSet(ctx, full,
		"payload", obj.Payload,
		"content_type", obj.ContentType,
		HashMetadataKey, obj.ContentHash,
	).Err()
	if err != nil {
		return "", redisError(key, err)
	}
	if exists {
		return Updated, nil
	}
	return Inserted, nil
}

func (r *Redis) Load(ctx context.Context, bucket, key string) (Object, error) {
	fields, err := r.client.HGetAll(ctx, bucket+":"+key).Result()
	if err != nil {
		return Object{}, redisError(key, err)
	}
	if len(fields) == 0 {
		return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return Object{
		Payload:     []byte(fields["payload"]),
		ContentType: fields["content_type"],
		ContentHash: fields[HashMetadataKey],
	}, nil
}

func redisError(key string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		return Errorf(key, AuthFailure, err)
	case strings.HasPrefix(msg, "OOM"), strings.HasPrefix(msg, "BUSY"):
		return Errorf(key, QuotaExceeded, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Errorf(key, Timeout, err)
	}
	return Errorf(key, WriteFailure, err)
}
