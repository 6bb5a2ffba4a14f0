package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

// fakeStorageNode emulates one physical storage node's HTTP protocol
// with an in-memory file map. Failure modes are toggled per test.
type fakeStorageNode struct {
	nodeID string
	srv    *httptest.Server

	mu          sync.Mutex
	files       map[string][]byte
	totalSpace  int64
	online      bool
	failHealth  bool
	healthDelay time.Duration
	failUpload  bool
	uploadDelay time.Duration
}

func newFakeStorageNode(t *testing.T, nodeID string, totalSpace int64) *fakeStorageNode {
	t.Helper()

	n := &fakeStorageNode{
		nodeID:     nodeID,
		files:      make(map[string][]byte),
		totalSpace: totalSpace,
		online:     true,
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeStorageNode) URL() string {
	return n.srv.URL
}

func (n *fakeStorageNode) setOnline(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
}

func (n *fakeStorageNode) setFailHealth(fail bool) {
	n.mu.Lock()
	n.failHealth = fail
	n.mu.Unlock()
}

func (n *fakeStorageNode) setFailUpload(fail bool) {
	n.mu.Lock()
	n.failUpload = fail
	n.mu.Unlock()
}

func (n *fakeStorageNode) fileContent(name string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, ok := n.files[name]
	return data, ok
}

func (n *fakeStorageNode) putFile(name string, data []byte) {
	n.mu.Lock()
	n.files[name] = data
	n.mu.Unlock()
}

func (n *fakeStorageNode) fileCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.files)
}

func (n *fakeStorageNode) usedLocked() int64 {
	var used int64
	for _, data := range n.files {
		used += int64(len(data))
	}
	return used
}

func (n *fakeStorageNode) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		n.mu.Lock()
		delay := n.healthDelay
		fail := n.failHealth
		online := n.online
		used := n.usedLocked()
		count := len(n.files)
		total := n.totalSpace
		n.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		status := "online"
		if !online {
			status = "maintenance"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"node_id":     n.nodeID,
			"status":      status,
			"total_space": total,
			"used_space":  used,
			"free_space":  total - used,
			"file_count":  count,
		})

	case r.URL.Path == "/upload" && r.Method == http.MethodPost:
		n.mu.Lock()
		fail := n.failUpload
		delay := n.uploadDelay
		n.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			http.Error(w, "disk full", http.StatusInternalServerError)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		name := r.FormValue("filename")
		if name == "" {
			name = header.Filename
		}
		n.putFile(name, data)

		json.NewEncoder(w).Encode(map[string]any{
			"status":   "success",
			"filename": name,
			"size":     len(data),
		})

	case strings.HasPrefix(r.URL.Path, "/download/"):
		name := strings.TrimPrefix(r.URL.Path, "/download/")
		data, ok := n.fileContent(name)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write(data)

	case strings.HasPrefix(r.URL.Path, "/delete/") && r.Method == http.MethodDelete:
		name := strings.TrimPrefix(r.URL.Path, "/delete/")
		n.mu.Lock()
		_, ok := n.files[name]
		delete(n.files, name)
		n.mu.Unlock()
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})

	case r.URL.Path == "/files":
		n.mu.Lock()
		names := make([]string, 0, len(n.files))
		for name := range n.files {
			names = append(names, name)
		}
		n.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"files": names})

	case r.URL.Path == "/stats":
		n.mu.Lock()
		used := n.usedLocked()
		count := len(n.files)
		n.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"node_id":    n.nodeID,
			"file_count": count,
			"total_size": used,
		})

	default:
		http.NotFound(w, r)
	}
}

// fakeNodeView is an injectable registry view for selector tests.
type fakeNodeView struct {
	mu            sync.Mutex
	nodes         []model.StorageNode
	checkAllCalls int
	onCheckAll    func(v *fakeNodeView)
}

func (v *fakeNodeView) setNodes(nodes []model.StorageNode) {
	v.mu.Lock()
	v.nodes = append([]model.StorageNode(nil), nodes...)
	v.mu.Unlock()
}

func (v *fakeNodeView) Snapshot() []model.StorageNode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.StorageNode(nil), v.nodes...)
}

func (v *fakeNodeView) CheckAll(ctx context.Context) map[string]model.HealthStatus {
	v.mu.Lock()
	v.checkAllCalls++
	hook := v.onCheckAll
	v.mu.Unlock()

	if hook != nil {
		hook(v)
	}
	return nil
}

func (v *fakeNodeView) RecordWrite(nodeID string, sizeBytes int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.nodes {
		if v.nodes[i].NodeID == nodeID {
			v.nodes[i].UsedSpace += sizeBytes
			v.nodes[i].FileCount++
		}
	}
}

func (v *fakeNodeView) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkAllCalls
}
