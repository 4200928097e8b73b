// internal/store/store.go
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Storage is the record substrate used for certificates, profiles, rights
// and the trust cache. Keys are slash separated paths such as "certs/<id>".
type Storage interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

var (
	ErrNotFound = errors.New("record not found")
	ErrBadKey   = errors.New("bad record key")
)

const maxKeyLen = 512

// ValidKey rejects empty keys, absolute paths and dot segments.
func ValidKey(key string) bool {
	if key == "" || len(key) > maxKeyLen {
		return false
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
		if strings.ContainsAny(part, "\\\x00") {
			return false
		}
	}
	return true
}

type MemStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string][]byte)}
}

func (m *MemStore) Read(_ context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrBadKey
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemStore) Write(_ context.Context, key string, value []byte) error {
	if !ValidKey(key) {
		return ErrBadKey
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.records[key] = v
	m.mu.Unlock()
	return nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.records))
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	if !ValidKey(key) {
		return ErrBadKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
