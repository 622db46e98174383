// Package memory keeps artifacts and shot records in process memory, for
// development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/laoshu133/html2image-cdp/internal/storage"
)

type object struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// BlobStore stores artifacts in memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string]object
	now  func() time.Time
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string]object),
		now:  time.Now,
	}
}

// PutObject stores a copy of r's content.
func (s *BlobStore) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	s.data[path] = object{data: data, contentType: contentType, modTime: s.now()}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns a copy of the object at path.
func (s *BlobStore) Get(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.data[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// RemoveOlderThan drops objects stored before cutoff.
func (s *BlobStore) RemoveOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, obj := range s.data {
		if obj.modTime.Before(cutoff) {
			delete(s.data, path)
			n++
		}
	}
	return n, nil
}

// Handler serves stored objects by path.
func (s *BlobStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		obj, ok := s.data[strings.TrimPrefix(r.URL.Path, "/")]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if obj.contentType != "" {
			w.Header().Set("Content-Type", obj.contentType)
		}
		http.ServeContent(w, r, r.URL.Path, obj.modTime, bytes.NewReader(obj.data))
	})
}

var (
	_ storage.BlobStore = (*BlobStore)(nil)
	_ storage.Sweeper   = (*BlobStore)(nil)
)
