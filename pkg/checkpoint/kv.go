package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultBucket is the JetStream key-value bucket holding checkpoints.
const DefaultBucket = "PIPELINE_CHECKPOINTS"

// KeyValue is the subset of nats.KeyValue the KV store uses.
type KeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

// KVStore keeps checkpoints in a JetStream key-value bucket.
type KVStore struct {
	kv KeyValue
}

// NewKVStore creates a store on an opened bucket.
func NewKVStore(kv KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// OpenKVStore binds to bucket, creating it when missing.
func OpenKVStore(js nats.JetStreamContext, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "pipeline input checkpoints",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket '%s': %w", bucket, err)
	}
	return NewKVStore(kv), nil
}

// KVKey returns the bucket key of a checkpoint. Characters outside the
// key alphabet are replaced with '_'.
func KVKey(graphID, nodeID string) string {
	return sanitizeKey(graphID) + "." + sanitizeKey(nodeID)
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=', r == '/':
			return r
		}
		return '_'
	}, s)
}

// Load implements Store.
func (s *KVStore) Load(_ context.Context, graphID, nodeID string) (Checkpoint, bool, error) {
	entry, err := s.kv.Get(KVKey(graphID, nodeID))
	if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return cp, true, nil
}

// Save implements Store.
func (s *KVStore) Save(_ context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if _, err := s.kv.Put(KVKey(cp.GraphID, cp.NodeID), data); err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// Reset implements Store.
func (s *KVStore) Reset(_ context.Context, graphID, nodeID string) error {
	err := s.kv.Delete(KVKey(graphID, nodeID))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
