package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

// DeleteQueue is the KV list the background deletion workers consume.
// The core only produces onto it.
const DeleteQueue = "delete_queue"

// DeleteTask is the message enqueued for a file's scheduled deletion.
type DeleteTask struct {
	FileID       string    `json:"file_id"`
	Filename     string    `json:"filename"`
	PrimaryNode  string    `json:"primary_node"`
	ReplicaNodes []string  `json:"replica_nodes"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// ExpiryService hands deferred work to the external queue. Consumption
// is a background-worker concern outside this process.
type ExpiryService struct {
	kv     store.KVStore
	logger *zap.Logger
}

// NewExpiryService creates an expiry service over the KV store
func NewExpiryService(kv store.KVStore, logger *zap.Logger) *ExpiryService {
	return &ExpiryService{
		kv:     kv,
		logger: logger,
	}
}

// ScheduleDelete enqueues deletion of the file at its expiry time.
func (s *ExpiryService) ScheduleDelete(ctx context.Context, file *model.File) error {
	task := DeleteTask{
		FileID:       file.FileID,
		Filename:     file.StoredName,
		PrimaryNode:  file.PrimaryNode,
		ReplicaNodes: file.ReplicaNodes,
		ScheduledAt:  file.ExpiresAt,
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal delete task: %w", err)
	}

	if err := s.kv.LPush(ctx, DeleteQueue, string(payload)); err != nil {
		return fmt.Errorf("failed to enqueue delete task for %s: %w", file.FileID, err)
	}

	s.logger.Info("Scheduled file deletion",
		zap.String("file_id", file.FileID),
		zap.Time("scheduled_at", file.ExpiresAt))

	return nil
}
