package state

import (
	"context"
	"errors"
)

// ErrNotFound indicates an absent snapshot key.
var ErrNotFound = errors.New("not found")

// SnapshotKeyCooldown names the cooldown gate snapshot.
const SnapshotKeyCooldown = "cooldown"

// Store persists gate snapshots between process restarts.
// Params: opaque snapshot blobs keyed by gate name.
// Returns: backend persistence behavior.
type Store interface {
	SaveSnapshot(ctx context.Context, key string, blob []byte) error
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
	Close() error
}
