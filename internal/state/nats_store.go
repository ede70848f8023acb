package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSStore persists snapshots in one JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed store for multi-instance mode.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore connects NATS and opens (or creates) the snapshot bucket.
// Params: server URL list and bucket name.
// Returns: initialized NATS store or setup error.
func NewNATSStore(urls []string, bucket string) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create snapshot bucket %q: %w", bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// SaveSnapshot writes one snapshot blob under its key.
// Params: context (unused), snapshot key, and blob.
// Returns: KV put error.
func (s *NATSStore) SaveSnapshot(_ context.Context, key string, blob []byte) error {
	if _, err := s.kv.Put(key, blob); err != nil {
		return fmt.Errorf("put snapshot %q: %w", key, err)
	}
	return nil
}

// LoadSnapshot reads one snapshot blob.
// Params: context (unused) and snapshot key.
// Returns: blob bytes, ErrNotFound for a missing key, or get error.
func (s *NATSStore) LoadSnapshot(_ context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot %q: %w", key, err)
	}
	return entry.Value(), nil
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
