package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// FakeStore is an in-process Store used by tests that exercise overflow and
// result-fetch behaviour without a running S3-compatible server.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	PutErr  error
	GetErr  error
}

// NewFakeStore constructs an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{objects: make(map[string][]byte)}
}

func (s *FakeStore) objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *FakeStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[s.objectKey(bucket, key)] = append([]byte(nil), data...)
	return nil
}

func (s *FakeStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[s.objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	return append([]byte(nil), data...), nil
}
