// Package memory stores objects in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

// Object is one stored blob.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore stores objects in-memory and returns pseudo URLs.
type BlobStore struct {
	mu        sync.RWMutex
	objects   map[string]Object
	publicURL string
}

// NewBlobStore creates a new in-memory blob store. When publicURL is empty
// objects are addressed as memory://key.
func NewBlobStore(publicURL string) *BlobStore {
	return &BlobStore{
		objects:   make(map[string]Object),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Put persists a copy of data and returns its URL.
func (s *BlobStore) Put(_ context.Context, key string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{ContentType: contentType, Data: append([]byte(nil), data...)}
	return s.URL(key), nil
}

// Exists reports whether key has been stored.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// URL returns the address of key.
func (s *BlobStore) URL(key string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + key
	}
	return "memory://" + key
}

// Get returns a copy of the stored object.
func (s *BlobStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Keys lists every stored key.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

var _ gallery.ObjectStore = (*BlobStore)(nil)
