package store

import (
	"context"
	"sync"
	"time"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
)

// MemoryMetadataStore implements MetadataStore with in-process maps.
// Used by tests and development setups without a database.
type MemoryMetadataStore struct {
	mu    sync.RWMutex
	files map[string]*model.File
	nodes map[string]*model.StorageNode
}

// NewMemoryMetadataStore creates an empty in-memory metadata store
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		files: make(map[string]*model.File),
		nodes: make(map[string]*model.StorageNode),
	}
}

func copyFile(f *model.File) *model.File {
	c := *f
	c.ReplicaNodes = append([]string(nil), f.ReplicaNodes...)
	return &c
}

func copyNode(n *model.StorageNode) *model.StorageNode {
	c := *n
	return &c
}

func (s *MemoryMetadataStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, ok := s.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFile(file), nil
}

func (s *MemoryMetadataStore) CreateFile(ctx context.Context, file *model.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[file.FileID] = copyFile(file)
	return nil
}

func (s *MemoryMetadataStore) UpdateFileReplicas(ctx context.Context, fileID string, replicas []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[fileID]
	if !ok {
		return ErrNotFound
	}
	file.ReplicaNodes = append([]string(nil), replicas...)
	return nil
}

func (s *MemoryMetadataStore) UpdateFilePlacement(ctx context.Context, fileID, primaryNode string, replicas []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[fileID]
	if !ok {
		return ErrNotFound
	}
	file.PrimaryNode = primaryNode
	file.ReplicaNodes = append([]string(nil), replicas...)
	return nil
}

func (s *MemoryMetadataStore) GetStorageNode(ctx context.Context, nodeID string) (*model.StorageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

func (s *MemoryMetadataStore) ListStorageNodes(ctx context.Context) ([]*model.StorageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*model.StorageNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, copyNode(node))
	}
	return nodes, nil
}

func (s *MemoryMetadataStore) SaveStorageNode(ctx context.Context, node *model.StorageNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node.NodeID] = copyNode(node)
	return nil
}

func (s *MemoryMetadataStore) UpdateNodeHealth(ctx context.Context, nodeID string, online bool, consecutiveErrors int, heartbeat time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	node.Online = online
	node.ConsecutiveErrors = consecutiveErrors
	node.LastHeartbeat = heartbeat
	return nil
}

func (s *MemoryMetadataStore) UpdateNodeStats(ctx context.Context, nodeID string, usedSpace, fileCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	node.UsedSpace = usedSpace
	node.FileCount = fileCount
	return nil
}

func (s *MemoryMetadataStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryMetadataStore) Close() {}
