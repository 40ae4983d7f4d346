package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryBlobClient is a BlobClient kept in process memory.
type MemoryBlobClient struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	meta  map[string]map[string]string
}

// NewMemoryBlobClient creates an empty client.
func NewMemoryBlobClient() *MemoryBlobClient {
	return &MemoryBlobClient{
		blobs: make(map[string][]byte),
		meta:  make(map[string]map[string]string),
	}
}

// Put implements BlobClient.
func (m *MemoryBlobClient) Put(_ context.Context, path string, data []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = slices.Clone(data)
	m.meta[path] = maps.Clone(metadata)
	return nil
}

// Get implements BlobClient.
func (m *MemoryBlobClient) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

// Delete implements BlobClient.
func (m *MemoryBlobClient) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	delete(m.meta, path)
	return nil
}

// Metadata returns the metadata stored with path.
func (m *MemoryBlobClient) Metadata(path string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.meta[path])
}

// Paths lists stored paths in sorted order.
func (m *MemoryBlobClient) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.blobs))
}
