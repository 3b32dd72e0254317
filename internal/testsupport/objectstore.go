package testsupport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"

	"annihilator/internal/storage"
)

var _ storage.ObjectAPI = (*MemoryObjectStore)(nil)

// MemoryObjectStore is an in-memory storage.ObjectAPI for tests.
type MemoryObjectStore struct {
	mu      sync.Mutex
	buckets []string
	objects map[string]storedObject
	puts    []string
	// FailPutAt makes the Nth PutFile call (1-based) fail. Zero disables it.
	FailPutAt int
	// Unreachable makes every call fail with a network-style error.
	Unreachable bool
}

type storedObject struct {
	data        []byte
	contentType string
}

// NewMemoryObjectStore returns an empty store that already has buckets.
func NewMemoryObjectStore(buckets ...string) *MemoryObjectStore {
	return &MemoryObjectStore{buckets: buckets, objects: map[string]storedObject{}}
}

var errUnreachable = &refusedError{}

type refusedError struct{}

func (*refusedError) Error() string   { return "dial tcp: connection refused" }
func (*refusedError) Timeout() bool   { return false }
func (*refusedError) Temporary() bool { return true }

func (m *MemoryObjectStore) ListBuckets(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unreachable {
		return nil, errUnreachable
	}
	return append([]string(nil), m.buckets...), nil
}

func (m *MemoryObjectStore) MakeBucket(_ context.Context, bucket, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unreachable {
		return errUnreachable
	}
	if !slices.Contains(m.buckets, bucket) {
		m.buckets = append(m.buckets, bucket)
	}
	return nil
}

func (m *MemoryObjectStore) PutFile(_ context.Context, bucket, key, path, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unreachable {
		return errUnreachable
	}
	m.puts = append(m.puts, key)
	if m.FailPutAt == len(m.puts) {
		return errors.New("put rejected")
	}
	if !slices.Contains(m.buckets, bucket) {
		return minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404, Message: bucket}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.objects[key] = storedObject{data: data, contentType: contentType}
	return nil
}

func (m *MemoryObjectStore) Get(_ context.Context, _ string, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unreachable {
		return nil, storage.ObjectInfo{}, errUnreachable
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, storage.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404, Message: key}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), storage.ObjectInfo{ContentType: obj.contentType, Size: int64(len(obj.data))}, nil
}

func (m *MemoryObjectStore) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "http://objects.test/" + bucket + "/" + key, nil
}

// Put stores data directly under key.
func (m *MemoryObjectStore) Put(key string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = storedObject{data: append([]byte(nil), data...), contentType: contentType}
}

// Keys returns every stored key in sorted order.
func (m *MemoryObjectStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// PutAttempts returns the keys of every PutFile call, failed ones included.
func (m *MemoryObjectStore) PutAttempts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}

// Dialer returns a storage.Dialer that always hands out m.
func (m *MemoryObjectStore) Dialer() storage.Dialer {
	return func(storage.Settings) (storage.ObjectAPI, error) {
		return m, nil
	}
}
