package store

import (
	"context"
	"errors"
	"time"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
)

// ErrNotFound is returned when a record or key is not found
var ErrNotFound = errors.New("not found")

// MetadataStore interface for durable file and storage node records.
// Implementations only need read-your-writes consistency within a single
// coordinator process; no cross-record transactions are assumed beyond
// the explicit primary-swap operation.
type MetadataStore interface {
	// File operations
	GetFile(ctx context.Context, fileID string) (*model.File, error)
	CreateFile(ctx context.Context, file *model.File) error
	UpdateFileReplicas(ctx context.Context, fileID string, replicas []string) error
	// UpdateFilePlacement swaps the primary and replaces the replica list
	// in a single transaction. Used by failover promotion.
	UpdateFilePlacement(ctx context.Context, fileID, primaryNode string, replicas []string) error

	// Storage node operations
	GetStorageNode(ctx context.Context, nodeID string) (*model.StorageNode, error)
	ListStorageNodes(ctx context.Context) ([]*model.StorageNode, error)
	SaveStorageNode(ctx context.Context, node *model.StorageNode) error
	UpdateNodeHealth(ctx context.Context, nodeID string, online bool, consecutiveErrors int, heartbeat time.Time) error
	UpdateNodeStats(ctx context.Context, nodeID string, usedSpace, fileCount int64) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// KVStore is the narrow contract the core requires of the external
// key-value store. Single-key operations are assumed atomic and strongly
// consistent; nothing here implies cross-key transactions.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if it does not exist. Returns true if the
	// key was set. Used for lock acquisition.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Decr atomically decrements the integer at key and returns the new
	// value, creating the key at -1 if absent.
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	// LPush appends a value to the named list. Used to hand work to the
	// deferred task workers.
	LPush(ctx context.Context, list, value string) error
	Ping(ctx context.Context) error
	Close() error
}
