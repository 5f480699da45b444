// Package artifact stores produced media behind an opaque put/signed-get capability.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

var ErrNotFound = errors.New("artifact not found")

// Store is the blob capability used for mirrored media.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// SignedGet returns a time-limited URL for key.
	SignedGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory. Used for single-node development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *MemoryStore) SignedGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	q := url.Values{"expires": {fmt.Sprint(m.now().Add(ttl).Unix())}}
	return "memory:///" + key + "?" + q.Encode(), nil
}

// Object returns the stored bytes and content type for key.
func (m *MemoryStore) Object(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*S3Store)(nil)
)
