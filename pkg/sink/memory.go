package sink

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process ObjectStore.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
	writes  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Upsert(ctx context.Context, bucket, key string, obj Object) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", Errorf(key, WriteFailure, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	full := bucket + "/" + key
	existing, ok := m.objects[full]
	if ok && existing.ContentHash == obj.ContentHash {
		return Unchanged, nil
	}
	m.objects[full] = Object{
		Payload:     append([]byte(nil), obj.Payload...),
		ContentType: obj.ContentType,
		ContentHash: obj.ContentHash,
	}
	m.writes++
	if ok {
		return Updated, nil
	}
	return Inserted, nil
}

func (m *MemoryStore) Load(ctx context.Context, bucket, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, Errorf(key, ReadFailure, err)
	}
	obj, ok := m.Get(bucket, key)
	if !ok {
		return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	obj.Payload = append([]byte(nil), obj.Payload...)
	return obj, nil
}

// Get returns a stored object.
func (m *MemoryStore) Get(bucket, key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Writes returns how many upserts changed the store.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
