package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/client"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

const (
	uploadKeyPrefix  = "upload:"
	uploadLockType   = "upload"
	stitchedFileName = "stitched"
)

// UploadConfig carries the tunables of the chunked upload coordinator.
type UploadConfig struct {
	ReplicaCount         int
	ScratchDir           string
	SessionTTL           time.Duration
	FinalizeLockTTL      time.Duration
	DefaultChunkSize     int64
	DefaultDownloadLimit int
	DefaultFileTTL       time.Duration
}

func (c *UploadConfig) applyDefaults() {
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(os.TempDir(), "chunks")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = time.Hour
	}
	if c.FinalizeLockTTL == 0 {
		c.FinalizeLockTTL = 60 * time.Second
	}
	if c.DefaultChunkSize == 0 {
		c.DefaultChunkSize = 5 * 1024 * 1024
	}
	if c.DefaultDownloadLimit == 0 {
		c.DefaultDownloadLimit = 3
	}
	if c.DefaultFileTTL == 0 {
		c.DefaultFileTTL = 24 * time.Hour
	}
}

// SessionStatus is a read-only progress report for client polling.
type SessionStatus struct {
	UploadID      string             `json:"upload_id"`
	Received      int                `json:"received"`
	PartsExpected int                `json:"parts_expected"`
	Progress      float64            `json:"progress"`
	Status        model.UploadStatus `json:"status"`
}

// UploadService coordinates chunked uploads: a session manifest in the
// KV store accepts out-of-order chunk writes until every part is
// present, then a lock-guarded finalize stitches the parts, verifies
// them, places the file on storage nodes, and commits the durable
// record. Finalize runs at most once per session; concurrent attempts
// are rejected by the lock.
type UploadService struct {
	kv            store.KVStore
	metadataStore store.MetadataStore
	locks         *LockService
	selector      *NodeSelector
	registry      NodeStatsRecorder
	replication   *ReplicationService
	clients       *client.Pool
	limiter       *RateLimitService
	expiry        *ExpiryService
	cfg           UploadConfig
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewUploadService creates the chunked upload coordinator
func NewUploadService(
	kv store.KVStore,
	metadataStore store.MetadataStore,
	locks *LockService,
	selector *NodeSelector,
	registry NodeStatsRecorder,
	replication *ReplicationService,
	clients *client.Pool,
	limiter *RateLimitService,
	expiry *ExpiryService,
	cfg UploadConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *UploadService {
	cfg.applyDefaults()

	return &UploadService{
		kv:            kv,
		metadataStore: metadataStore,
		locks:         locks,
		selector:      selector,
		registry:      registry,
		replication:   replication,
		clients:       clients,
		limiter:       limiter,
		expiry:        expiry,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
	}
}

func uploadKey(uploadID string) string {
	return uploadKeyPrefix + uploadID
}

func (s *UploadService) loadManifest(ctx context.Context, uploadID string) (*model.UploadManifest, error) {
	raw, err := s.kv.Get(ctx, uploadKey(uploadID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload manifest %s: %w", uploadID, err)
	}

	var manifest model.UploadManifest
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode upload manifest %s: %w", uploadID, err)
	}
	if manifest.Parts == nil {
		manifest.Parts = make(map[int]model.UploadPart)
	}

	return &manifest, nil
}

func (s *UploadService) saveManifest(ctx context.Context, manifest *model.UploadManifest) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode upload manifest %s: %w", manifest.UploadID, err)
	}
	return s.kv.Set(ctx, uploadKey(manifest.UploadID), string(raw), s.cfg.SessionTTL)
}

// Init creates a new upload session and its scratch directory.
func (s *UploadService) Init(ctx context.Context, filename string, totalSize int64, mimeType string, chunkSize int64) (*model.UploadManifest, error) {
	if filename == "" || totalSize <= 0 {
		return nil, fmt.Errorf("invalid filename or size")
	}
	if chunkSize <= 0 {
		chunkSize = s.cfg.DefaultChunkSize
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	uploadID := uuid.NewString()
	partsExpected := int((totalSize + chunkSize - 1) / chunkSize)

	scratchDir := filepath.Join(s.cfg.ScratchDir, uploadID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	manifest := &model.UploadManifest{
		UploadID:      uploadID,
		Filename:      filename,
		MimeType:      mimeType,
		TotalSize:     totalSize,
		ChunkSize:     chunkSize,
		PartsExpected: partsExpected,
		Parts:         make(map[int]model.UploadPart),
		Status:        model.UploadInProgress,
		ScratchDir:    scratchDir,
		CreatedAt:     time.Now(),
	}

	if err := s.saveManifest(ctx, manifest); err != nil {
		return nil, err
	}

	s.logger.Info("Upload session initialized",
		zap.String("upload_id", uploadID),
		zap.String("filename", filename),
		zap.Int64("total_size", totalSize),
		zap.Int("parts_expected", partsExpected))

	return manifest, nil
}

// WriteChunk persists one chunk of a session. Chunks may arrive out of
// order and may be retried: rewriting the same part number overwrites
// the previous bytes. A supplied checksum is verified before the part
// is accepted; on mismatch the part is discarded.
func (s *UploadService) WriteChunk(ctx context.Context, uploadID string, partNumber int, data []byte, checksum string) (*model.UploadManifest, error) {
	manifest, err := s.loadManifest(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if manifest.Status != model.UploadInProgress {
		return nil, ErrSessionNotActive
	}
	if partNumber < 1 || partNumber > manifest.PartsExpected {
		return nil, ErrInvalidPartNumber
	}
	if len(data) == 0 {
		return nil, ErrEmptyChunk
	}

	if checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != checksum {
			s.logger.Warn("Chunk checksum mismatch",
				zap.String("upload_id", uploadID),
				zap.Int("part_number", partNumber))
			return nil, ErrChecksumMismatch
		}
	}

	partPath := filepath.Join(manifest.ScratchDir, fmt.Sprintf("part_%06d", partNumber))
	if err := os.MkdirAll(manifest.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if err := os.WriteFile(partPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write chunk %d: %w", partNumber, err)
	}

	manifest.Parts[partNumber] = model.UploadPart{
		Size:     int64(len(data)),
		Checksum: checksum,
		Path:     partPath,
	}

	if err := s.saveManifest(ctx, manifest); err != nil {
		return nil, err
	}

	s.metrics.ChunksReceived.Inc()
	s.logger.Debug("Chunk received",
		zap.String("upload_id", uploadID),
		zap.Int("part_number", partNumber),
		zap.Int("received", manifest.Received()),
		zap.Int("parts_expected", manifest.PartsExpected))

	return manifest, nil
}

// Status reports session progress without mutating any state.
func (s *UploadService) Status(ctx context.Context, uploadID string) (*SessionStatus, error) {
	manifest, err := s.loadManifest(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	return &SessionStatus{
		UploadID:      uploadID,
		Received:      manifest.Received(),
		PartsExpected: manifest.PartsExpected,
		Progress:      float64(manifest.Received()) / float64(manifest.PartsExpected) * 100,
		Status:        manifest.Status,
	}, nil
}

// Finalize turns a complete session into a committed, replicated file.
// It is serialized per upload_id by a distributed lock: a second caller
// gets ErrFinalizeInProgress instead of racing. The lock is released on
// every exit path so a failed finalize never leaves the session stuck.
func (s *UploadService) Finalize(ctx context.Context, uploadID, expectedChecksum string, downloadLimit int, fileTTL time.Duration) (*model.File, error) {
	if downloadLimit <= 0 {
		downloadLimit = s.cfg.DefaultDownloadLimit
	}
	if fileTTL <= 0 {
		fileTTL = s.cfg.DefaultFileTTL
	}

	token, acquired, err := s.locks.Acquire(ctx, uploadLockType, uploadID, s.cfg.FinalizeLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrFinalizeInProgress
	}
	defer func() {
		// The caller's context may already be dead when finalize fails on
		// a deadline; release on a fresh one so the session never stays
		// locked until the TTL.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.locks.Release(releaseCtx, uploadLockType, uploadID, token); err != nil {
			s.logger.Error("Failed to release finalize lock",
				zap.String("upload_id", uploadID),
				zap.Error(err))
		}
	}()

	file, err := s.finalizeLocked(ctx, uploadID, token, expectedChecksum, downloadLimit, fileTTL)
	if err != nil {
		s.metrics.UploadsFinalized.WithLabelValues("error").Inc()
		return nil, err
	}

	s.metrics.UploadsFinalized.WithLabelValues("ok").Inc()
	return file, nil
}

func (s *UploadService) finalizeLocked(ctx context.Context, uploadID, lockToken, expectedChecksum string, downloadLimit int, fileTTL time.Duration) (*model.File, error) {
	manifest, err := s.loadManifest(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if manifest.Status != model.UploadInProgress {
		return nil, ErrSessionNotActive
	}
	if !manifest.Complete() {
		s.logger.Info("Finalize rejected: session incomplete",
			zap.String("upload_id", uploadID),
			zap.Int("received", manifest.Received()),
			zap.Int("parts_expected", manifest.PartsExpected))
		return nil, ErrSessionIncomplete
	}

	stitchedPath, checksum, err := s.stitch(manifest)
	if err != nil {
		return nil, err
	}

	if expectedChecksum != "" && checksum != expectedChecksum {
		// Aborted sessions keep their manifest until the TTL so clients
		// polling Status see the outcome, but the chunk files on disk are
		// discarded right away.
		manifest.Status = model.UploadAborted
		if err := s.saveManifest(ctx, manifest); err != nil {
			s.logger.Error("Failed to mark session aborted",
				zap.String("upload_id", uploadID),
				zap.Error(err))
		}
		if err := os.RemoveAll(manifest.ScratchDir); err != nil {
			s.logger.Warn("Failed to remove scratch dir",
				zap.String("upload_id", uploadID),
				zap.Error(err))
		}
		s.logger.Warn("Finalize aborted: file checksum mismatch",
			zap.String("upload_id", uploadID))
		return nil, ErrChecksumMismatch
	}

	// Stitching large sessions can eat into the lock TTL; extend before
	// the expensive placement work.
	if _, err := s.locks.Extend(ctx, uploadLockType, uploadID, lockToken, s.cfg.FinalizeLockTTL); err != nil {
		s.logger.Debug("Failed to extend finalize lock",
			zap.String("upload_id", uploadID),
			zap.Error(err))
	}

	primary, err := s.selector.SelectPrimary(ctx, manifest.TotalSize)
	if err != nil {
		return nil, err
	}
	replicas := s.selector.SelectReplicas(ctx, primary, s.cfg.ReplicaCount, manifest.TotalSize)

	fileID := uuid.NewString()
	storedName := fileID
	if ext := filepath.Ext(manifest.Filename); ext != "" {
		storedName += ext
	}

	primaryNode, err := s.metadataStore.GetStorageNode(ctx, primary)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve primary node %s: %w", primary, err)
	}

	stitched, err := os.Open(stitchedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stitched file: %w", err)
	}
	_, err = s.clients.Get(primaryNode.NodeID, primaryNode.Address).Upload(ctx, storedName, stitched, false)
	stitched.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to store file on primary: %w", err)
	}

	now := time.Now()
	file := &model.File{
		FileID:        fileID,
		StoredName:    storedName,
		OriginalName:  manifest.Filename,
		Size:          manifest.TotalSize,
		MimeType:      manifest.MimeType,
		PrimaryNode:   primary,
		ReplicaNodes:  nil,
		Checksum:      checksum,
		DownloadLimit: downloadLimit,
		DownloadsLeft: downloadLimit,
		CreatedAt:     now,
		ExpiresAt:     now.Add(fileTTL),
	}
	if err := s.metadataStore.CreateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	results := s.replication.Replicate(ctx, fileID, storedName, primary, replicas)
	for _, replica := range replicas {
		if results[replica] {
			file.ReplicaNodes = append(file.ReplicaNodes, replica)
		}
	}

	if err := s.limiter.Initialize(ctx, fileID, downloadLimit, fileTTL); err != nil {
		s.logger.Error("Failed to initialize download counter",
			zap.String("file_id", fileID),
			zap.Error(err))
	}
	if err := s.expiry.ScheduleDelete(ctx, file); err != nil {
		s.logger.Error("Failed to schedule deletion",
			zap.String("file_id", fileID),
			zap.Error(err))
	}

	s.recordNodeWrite(ctx, primary, manifest.TotalSize)
	for _, replica := range file.ReplicaNodes {
		s.recordNodeWrite(ctx, replica, manifest.TotalSize)
	}

	// Session cleanup: scratch parts and manifest are gone after commit.
	if err := os.RemoveAll(manifest.ScratchDir); err != nil {
		s.logger.Warn("Failed to remove scratch dir",
			zap.String("upload_id", uploadID),
			zap.Error(err))
	}
	if err := s.kv.Del(ctx, uploadKey(uploadID)); err != nil {
		s.logger.Warn("Failed to delete upload manifest",
			zap.String("upload_id", uploadID),
			zap.Error(err))
	}

	s.logger.Info("Upload finalized",
		zap.String("upload_id", uploadID),
		zap.String("file_id", fileID),
		zap.String("primary", primary),
		zap.Strings("replicas", file.ReplicaNodes),
		zap.Int64("size", file.Size))

	return file, nil
}

// SweepScratch removes scratch directories whose session manifest has
// expired or been deleted. Abandoned sessions age out of the KV store
// on their TTL; their chunk files on disk do not, so the gateway runs
// this periodically. Returns the number of directories removed.
func (s *UploadService) SweepScratch(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.cfg.ScratchDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read scratch dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}

		exists, err := s.kv.Exists(ctx, uploadKey(entry.Name()))
		if err != nil {
			return removed, err
		}
		if exists {
			continue
		}

		dir := filepath.Join(s.cfg.ScratchDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("Failed to remove orphaned scratch dir",
				zap.String("upload_id", entry.Name()),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("Removed orphaned scratch directories",
			zap.Int("count", removed))
	}

	return removed, nil
}

// stitch concatenates the parts in strict ascending part-number order
// and returns the stitched file path and its SHA-256.
func (s *UploadService) stitch(manifest *model.UploadManifest) (string, string, error) {
	stitchedPath := filepath.Join(manifest.ScratchDir, stitchedFileName)

	out, err := os.Create(stitchedPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to create stitched file: %w", err)
	}
	defer out.Close()

	hash := sha256.New()
	w := io.MultiWriter(out, hash)

	for part := 1; part <= manifest.PartsExpected; part++ {
		info, ok := manifest.Parts[part]
		if !ok {
			return "", "", fmt.Errorf("%w: missing part %d", ErrSessionIncomplete, part)
		}

		in, err := os.Open(info.Path)
		if err != nil {
			return "", "", fmt.Errorf("failed to open part %d: %w", part, err)
		}
		_, err = io.Copy(w, in)
		in.Close()
		if err != nil {
			return "", "", fmt.Errorf("failed to stitch part %d: %w", part, err)
		}
	}

	return stitchedPath, hex.EncodeToString(hash.Sum(nil)), nil
}

// recordNodeWrite bumps a node's usage counters after a write, in the
// cached registry view so the selector sees the load immediately, and
// in the durable store. Best effort; the next health sweep reconciles
// real numbers.
func (s *UploadService) recordNodeWrite(ctx context.Context, nodeID string, sizeBytes int64) {
	s.registry.RecordWrite(nodeID, sizeBytes)

	node, err := s.metadataStore.GetStorageNode(ctx, nodeID)
	if err != nil {
		return
	}
	if err := s.metadataStore.UpdateNodeStats(ctx, nodeID, node.UsedSpace+sizeBytes, node.FileCount+1); err != nil {
		s.logger.Debug("Failed to update node stats",
			zap.String("node_id", nodeID),
			zap.Error(err))
	}
}
