package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// BlobStore keeps one JSON blob per checkpoint under
// "checkpoints/<graph>/<node>.json".
type BlobStore struct {
	blobs storage.BlobClient
}

// NewBlobStore creates a store writing through blobs.
func NewBlobStore(blobs storage.BlobClient) *BlobStore {
	return &BlobStore{blobs: blobs}
}

// BlobPath returns the blob path of a checkpoint.
func BlobPath(graphID, nodeID string) string {
	return "checkpoints/" + url.PathEscape(graphID) + "/" + url.PathEscape(nodeID) + ".json"
}

// Load implements Store.
func (s *BlobStore) Load(ctx context.Context, graphID, nodeID string) (Checkpoint, bool, error) {
	data, err := s.blobs.Get(ctx, BlobPath(graphID, nodeID))
	if errors.Is(err, storage.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return cp, true, nil
}

// Save implements Store.
func (s *BlobStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.blobs.Put(ctx, BlobPath(cp.GraphID, cp.NodeID), data, map[string]string{
		"graph_id": cp.GraphID,
		"node_id":  cp.NodeID,
	})
}

// Reset implements Store.
func (s *BlobStore) Reset(ctx context.Context, graphID, nodeID string) error {
	return s.blobs.Delete(ctx, BlobPath(graphID, nodeID))
}
