// Package checkpoint drives paginated sources through continuation tokens
// and persists a per-input checkpoint so incremental runs resume where the
// last successfully ingested page left off.
package checkpoint

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

// Mode selects where a run starts crawling.
type Mode string

const (
	// ModeFull ignores the stored checkpoint and crawls from the beginning.
	ModeFull Mode = "full"
	// ModeIncremental resumes from the stored checkpoint.
	ModeIncremental Mode = "incremental"
)

// ParseMode validates a mode string; empty means full.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeIncremental:
		return ModeIncremental, nil
	}
	return "", errors.New("mode must be full or incremental")
}

// Checkpoint is the persisted crawl state of one input node.
type Checkpoint struct {
	GraphID string `json:"graphId"`
	NodeID  string `json:"nodeId"`
	// Token continues the crawl in progress; empty once exhausted.
	Token string `json:"token,omitempty"`
	// Since is the lower bound the crawl in progress was started with.
	Since time.Time `json:"since,omitempty"`
	// Watermark is the newest modification time ingested so far.
	Watermark time.Time `json:"watermark,omitempty"`
	// Exhausted is set when the last crawl reached the end of the source.
	Exhausted bool      `json:"exhausted"`
	Pages     int       `json:"pages"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists checkpoints keyed by (graph id, node id).
type Store interface {
	// Load returns the checkpoint and whether one exists.
	Load(ctx context.Context, graphID, nodeID string) (Checkpoint, bool, error)
	// Save overwrites the checkpoint.
	Save(ctx context.Context, cp Checkpoint) error
	// Reset deletes the checkpoint. Resetting a missing checkpoint is not an error.
	Reset(ctx context.Context, graphID, nodeID string) error
}

type key struct{ graphID, nodeID string }

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[key]Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[key]Checkpoint)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, graphID, nodeID string) (Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.items[key{graphID, nodeID}]
	return cp, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key{cp.GraphID, cp.NodeID}] = cp
	return nil
}

// Reset implements Store.
func (m *MemoryStore) Reset(_ context.Context, graphID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key{graphID, nodeID})
	return nil
}

// Snapshot returns a copy of every checkpoint, for inspection.
func (m *MemoryStore) Snapshot() map[string]Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Checkpoint, len(m.items))
	for k, v := range maps.All(m.items) {
		out[k.graphID+"/"+k.nodeID] = v
	}
	return out
}
