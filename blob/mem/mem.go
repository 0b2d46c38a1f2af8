// Package mem implements an in-memory blob store.
package mem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/blob"
)

var _ recsync.BlobStore = &Store{}

// Store is a memory-based implementation of recsync.BlobStore.
type Store struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// New produces a new Store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Put implements recsync.BlobStore.
func (s *Store) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := uuid.NewString()
	s.blobs[loc] = append([]byte(nil), data...)
	return loc, nil
}

// Get implements recsync.BlobStore.
func (s *Store) Get(_ context.Context, loc string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.blobs[loc]; ok {
		return append([]byte(nil), b...), nil
	}
	return nil, recsync.ErrNotFound
}

// Purge implements recsync.BlobStore.
func (s *Store) Purge(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs = make(map[string][]byte)
	return nil
}

// Len is the number of stored payloads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.blobs)
}

func init() {
	blob.Register("mem", func(context.Context, map[string]interface{}) (recsync.BlobStore, error) {
		return New(), nil
	})
}
