package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/client"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

type uploadHarness struct {
	uploads *UploadService
	locks   *LockService
	limiter *RateLimitService
	kv      *store.MemoryKVStore
	meta    *store.MemoryMetadataStore
	view    *fakeNodeView
	nodes   []*fakeStorageNode
	scratch string
}

func newUploadHarness(t *testing.T, nodeCount, replicaCount int) *uploadHarness {
	t.Helper()

	kv := store.NewMemoryKVStore()
	meta := store.NewMemoryMetadataStore()
	pool := client.NewPool(2*time.Second, zap.NewNop())
	m := newTestMetrics()
	logger := zap.NewNop()

	view := &fakeNodeView{}
	var fakes []*fakeStorageNode
	var cached []model.StorageNode
	for i := 0; i < nodeCount; i++ {
		id := fmt.Sprintf("node-%d", i+1)
		n := newFakeStorageNode(t, id, 10*gib)
		registerNode(t, meta, n, true)
		fakes = append(fakes, n)
		cached = append(cached, model.StorageNode{
			NodeID: id, Address: n.URL(), Online: true, TotalSpace: 10 * gib,
		})
	}
	view.setNodes(cached)

	locks := NewLockService(kv, m, logger)
	limiter := NewRateLimitService(kv, m, logger)
	scratch := t.TempDir()

	uploads := NewUploadService(
		kv,
		meta,
		locks,
		NewNodeSelector(view, 0, 1, m, logger),
		view,
		NewReplicationService(meta, pool, time.Second, m, logger),
		pool,
		limiter,
		NewExpiryService(kv, logger),
		UploadConfig{
			ReplicaCount:    replicaCount,
			ScratchDir:      scratch,
			SessionTTL:      time.Hour,
			FinalizeLockTTL: time.Minute,
		},
		m,
		logger,
	)

	return &uploadHarness{
		uploads: uploads,
		locks:   locks,
		limiter: limiter,
		kv:      kv,
		meta:    meta,
		view:    view,
		nodes:   fakes,
		scratch: scratch,
	}
}

// nodeHolding returns the fake node that stores the given object.
func (h *uploadHarness) nodeHolding(name string) *fakeStorageNode {
	for _, n := range h.nodes {
		if _, ok := n.fileContent(name); ok {
			return n
		}
	}
	return nil
}

func TestUploadService_Init(t *testing.T) {
	h := newUploadHarness(t, 1, 0)

	manifest, err := h.uploads.Init(context.Background(), "report.pdf", 10, "application/pdf", 4)

	require.NoError(t, err)
	assert.NotEmpty(t, manifest.UploadID)
	assert.Equal(t, 3, manifest.PartsExpected, "10 bytes in 4-byte chunks is 3 parts")
	assert.Equal(t, model.UploadInProgress, manifest.Status)
	assert.DirExists(t, manifest.ScratchDir)

	exists, err := h.kv.Exists(context.Background(), "upload:"+manifest.UploadID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUploadService_Init_RejectsInvalidInput(t *testing.T) {
	h := newUploadHarness(t, 1, 0)

	_, err := h.uploads.Init(context.Background(), "", 10, "", 4)
	assert.Error(t, err)

	_, err = h.uploads.Init(context.Background(), "a.bin", 0, "", 4)
	assert.Error(t, err)
}

func TestUploadService_WriteChunk_Validation(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "a.bin", 10, "", 4)
	require.NoError(t, err)

	_, err = h.uploads.WriteChunk(ctx, "no-such-session", 1, []byte("aaaa"), "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 0, []byte("aaaa"), "")
	assert.ErrorIs(t, err, ErrInvalidPartNumber)

	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 4, []byte("aaaa"), "")
	assert.ErrorIs(t, err, ErrInvalidPartNumber)

	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, nil, "")
	assert.ErrorIs(t, err, ErrEmptyChunk)
}

func TestUploadService_WriteChunk_ChecksumMismatchDiscardsPart(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "a.bin", 10, "", 4)
	require.NoError(t, err)

	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "not-the-sha")
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	status, err := h.uploads.Status(ctx, manifest.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Received)
}

func TestUploadService_WriteChunk_VerifiesSuppliedChecksum(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "a.bin", 10, "", 4)
	require.NoError(t, err)

	chunk := []byte("aaaa")
	sum := sha256.Sum256(chunk)
	updated, err := h.uploads.WriteChunk(ctx, manifest.UploadID, 1, chunk, hex.EncodeToString(sum[:]))

	require.NoError(t, err)
	assert.Equal(t, 1, updated.Received())
}

func TestUploadService_WriteChunk_RetryOverwritesPart(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "a.bin", 10, "", 4)
	require.NoError(t, err)

	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("xxxx"), "")
	require.NoError(t, err)
	updated, err := h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)

	assert.Equal(t, 1, updated.Received(), "a retried part is not a new part")
	data, err := os.ReadFile(updated.Parts[1].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), data)
}

func TestUploadService_Status(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "a.bin", 10, "", 4)
	require.NoError(t, err)

	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 2, []byte("bbbb"), "")
	require.NoError(t, err)

	status, err := h.uploads.Status(ctx, manifest.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Received)
	assert.Equal(t, 3, status.PartsExpected)
	assert.InDelta(t, 33.3, status.Progress, 0.1)
}

func TestUploadService_Finalize_OutOfOrderChunks(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "data.bin", 10, "", 4)
	require.NoError(t, err)

	// Arrival order 3, 1, 2; stitch order must still be 1, 2, 3.
	for _, part := range []struct {
		number int
		data   string
	}{{3, "cc"}, {1, "aaaa"}, {2, "bbbb"}} {
		_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, part.number, []byte(part.data), "")
		require.NoError(t, err)
	}

	file, err := h.uploads.Finalize(ctx, manifest.UploadID, "", 3, time.Hour)
	require.NoError(t, err)

	want := []byte("aaaabbbbcc")
	stored, ok := h.nodes[0].fileContent(file.StoredName)
	require.True(t, ok)
	assert.Equal(t, want, stored)

	sum := sha256.Sum256(want)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.Checksum)
	assert.Equal(t, int64(10), file.Size)
	assert.Equal(t, "data.bin", file.OriginalName)
	assert.Equal(t, file.FileID+".bin", file.StoredName)
}

func TestUploadService_Finalize_CommitsEverything(t *testing.T) {
	h := newUploadHarness(t, 3, 2)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "data.bin", 8, "", 4)
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 2, []byte("bbbb"), "")
	require.NoError(t, err)

	file, err := h.uploads.Finalize(ctx, manifest.UploadID, "", 2, time.Hour)
	require.NoError(t, err)

	// Durable record with full placement.
	persisted, err := h.meta.GetFile(ctx, file.FileID)
	require.NoError(t, err)
	assert.Equal(t, file.PrimaryNode, persisted.PrimaryNode)
	assert.Len(t, file.ReplicaNodes, 2)
	assert.NotContains(t, file.ReplicaNodes, file.PrimaryNode)

	// Every selected node holds the object.
	for _, n := range h.nodes {
		data, ok := n.fileContent(file.StoredName)
		require.True(t, ok, "node %s missing object", n.nodeID)
		assert.Equal(t, []byte("aaaabbbb"), data)
	}

	// Download counter armed.
	remaining, err := h.limiter.Remaining(ctx, file.FileID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)

	// Deletion enqueued for the expiry worker.
	items := h.kv.ListItems(DeleteQueue)
	require.Len(t, items, 1)
	var task DeleteTask
	require.NoError(t, json.Unmarshal([]byte(items[0]), &task))
	assert.Equal(t, file.FileID, task.FileID)
	assert.Equal(t, file.StoredName, task.Filename)
	assert.Equal(t, file.PrimaryNode, task.PrimaryNode)
	assert.Equal(t, file.ExpiresAt.Unix(), task.ScheduledAt.Unix())

	// Session is gone: manifest deleted, scratch wiped.
	exists, err := h.kv.Exists(ctx, "upload:"+manifest.UploadID)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoDirExists(t, manifest.ScratchDir)
}

func TestUploadService_Finalize_Incomplete(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "data.bin", 10, "", 4)
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)

	_, err = h.uploads.Finalize(ctx, manifest.UploadID, "", 3, time.Hour)
	assert.ErrorIs(t, err, ErrSessionIncomplete)

	// The lock must have been released so a later retry can proceed.
	locked, err := h.locks.IsLocked(ctx, uploadLockType, manifest.UploadID)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestUploadService_Finalize_FileChecksumMismatchAborts(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "data.bin", 4, "", 4)
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)

	_, err = h.uploads.Finalize(ctx, manifest.UploadID, "0000000000000000000000000000000000000000000000000000000000000000", 3, time.Hour)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// No partial commit anywhere, and the chunk files are gone.
	assert.Equal(t, 0, h.nodes[0].fileCount())
	assert.Empty(t, h.kv.ListItems(DeleteQueue))
	assert.NoDirExists(t, manifest.ScratchDir)

	// The session is dead, not retryable with the same bytes.
	status, err := h.uploads.Status(ctx, manifest.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadAborted, status.Status)

	_, err = h.uploads.Finalize(ctx, manifest.UploadID, "", 3, time.Hour)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestUploadService_Finalize_HeldLockRejectsCaller(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "data.bin", 4, "", 4)
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)

	_, acquired, err := h.locks.Acquire(ctx, uploadLockType, manifest.UploadID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = h.uploads.Finalize(ctx, manifest.UploadID, "", 3, time.Hour)
	assert.ErrorIs(t, err, ErrFinalizeInProgress)
}

func TestUploadService_Finalize_ConcurrentCallersSingleCommit(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	// Slow node uploads keep the winner inside the lock long enough for
	// the loser to collide with it.
	h.nodes[0].mu.Lock()
	h.nodes[0].uploadDelay = 300 * time.Millisecond
	h.nodes[0].mu.Unlock()

	manifest, err := h.uploads.Init(ctx, "data.bin", 4, "", 4)
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)

	type outcome struct {
		file *model.File
		err  error
	}
	start := make(chan struct{})
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			file, err := h.uploads.Finalize(ctx, manifest.UploadID, "", 3, time.Hour)
			results <- outcome{file, err}
		}()
	}
	close(start)

	var committed, rejected int
	var file *model.File
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			committed++
			file = res.file
		} else {
			assert.ErrorIs(t, res.err, ErrFinalizeInProgress)
			rejected++
		}
	}

	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, h.nodes[0].fileCount(), "exactly one object committed")

	_, err = h.meta.GetFile(ctx, file.FileID)
	assert.NoError(t, err)
}

func TestUploadService_Finalize_SpreadsWritesBetweenPolls(t *testing.T) {
	h := newUploadHarness(t, 2, 0)
	ctx := context.Background()

	// Four commits land back to back, faster than any health sweep could
	// refresh the cached view. The write feedback into the registry alone
	// must keep the selector from piling them onto one node.
	for i := 0; i < 4; i++ {
		manifest, err := h.uploads.Init(ctx, fmt.Sprintf("f%d.bin", i), 4, "", 4)
		require.NoError(t, err)
		_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
		require.NoError(t, err)
		_, err = h.uploads.Finalize(ctx, manifest.UploadID, "", 1, time.Hour)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, h.nodes[0].fileCount())
	assert.Equal(t, 2, h.nodes[1].fileCount())

	for _, cached := range h.view.Snapshot() {
		assert.Equal(t, int64(2), cached.FileCount, "cached view tracks writes for %s", cached.NodeID)
		assert.Equal(t, int64(8), cached.UsedSpace)
	}
}

// lateLockKV hands out the lock normally but honors context expiry on
// every later call, modeling a deadline that lapses mid-finalize.
type lateLockKV struct {
	store.KVStore
}

func (k lateLockKV) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return k.KVStore.Get(ctx, key)
}

func (k lateLockKV) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.KVStore.Del(ctx, key)
}

func TestUploadService_Finalize_ReleasesLockWhenContextExpires(t *testing.T) {
	kv := store.NewMemoryKVStore()
	meta := store.NewMemoryMetadataStore()
	pool := client.NewPool(2*time.Second, zap.NewNop())
	m := newTestMetrics()
	logger := zap.NewNop()

	node := newFakeStorageNode(t, "node-1", 10*gib)
	registerNode(t, meta, node, true)
	view := &fakeNodeView{}
	view.setNodes([]model.StorageNode{{
		NodeID: "node-1", Address: node.URL(), Online: true, TotalSpace: 10 * gib,
	}})

	locks := NewLockService(lateLockKV{kv}, m, logger)
	limiter := NewRateLimitService(kv, m, logger)
	uploads := NewUploadService(
		kv,
		meta,
		locks,
		NewNodeSelector(view, 0, 1, m, logger),
		view,
		NewReplicationService(meta, pool, time.Second, m, logger),
		pool,
		limiter,
		NewExpiryService(kv, logger),
		UploadConfig{
			ScratchDir:      t.TempDir(),
			SessionTTL:      time.Hour,
			FinalizeLockTTL: time.Minute,
		},
		m,
		logger,
	)

	ctx := context.Background()
	manifest, err := uploads.Init(ctx, "data.bin", 4, "", 4)
	require.NoError(t, err)
	_, err = uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)

	dead, cancel := context.WithCancel(ctx)
	cancel()
	_, err = uploads.Finalize(dead, manifest.UploadID, "", 3, time.Hour)
	require.Error(t, err)

	// The dead context must not strand the session behind its own lock.
	locked, err := locks.IsLocked(ctx, uploadLockType, manifest.UploadID)
	require.NoError(t, err)
	assert.False(t, locked)

	// A retry with a live context commits normally.
	file, err := uploads.Finalize(ctx, manifest.UploadID, "", 3, time.Hour)
	require.NoError(t, err)
	_, ok := node.fileContent(file.StoredName)
	assert.True(t, ok)
}

func TestUploadService_Finalize_DownloadLimitLifecycle(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	manifest, err := h.uploads.Init(ctx, "data.bin", 8, "", 4)
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 1, []byte("aaaa"), "")
	require.NoError(t, err)
	_, err = h.uploads.WriteChunk(ctx, manifest.UploadID, 2, []byte("bbbb"), "")
	require.NoError(t, err)

	file, err := h.uploads.Finalize(ctx, manifest.UploadID, "", 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, file.DownloadLimit)

	remaining, err := h.limiter.Consume(ctx, file.FileID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	remaining, err = h.limiter.Consume(ctx, file.FileID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	_, err = h.limiter.Consume(ctx, file.FileID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestUploadService_SweepScratch(t *testing.T) {
	h := newUploadHarness(t, 1, 0)
	ctx := context.Background()

	active, err := h.uploads.Init(ctx, "live.bin", 10, "", 4)
	require.NoError(t, err)

	orphan := filepath.Join(h.scratch, uuid.NewString())
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	unrelated := filepath.Join(h.scratch, "not-an-upload")
	require.NoError(t, os.MkdirAll(unrelated, 0o755))

	removed, err := h.uploads.SweepScratch(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.DirExists(t, active.ScratchDir, "live session scratch survives")
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, unrelated, "non-session directories are left alone")
}
