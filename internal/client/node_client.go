package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NodeClient talks to one physical storage node over its HTTP protocol:
// GET /health, POST /upload, GET /download/{filename}, DELETE
// /delete/{filename}, GET /files, GET /stats. Every call carries a fixed
// timeout; a timed-out call is a failure of that node only.
type NodeClient struct {
	nodeID  string
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NodeHealth is the response of a node's health endpoint
type NodeHealth struct {
	NodeID     string `json:"node_id"`
	Status     string `json:"status"`
	FreeSpace  int64  `json:"free_space"`
	UsedSpace  int64  `json:"used_space"`
	TotalSpace int64  `json:"total_space"`
	FileCount  int64  `json:"file_count"`
}

// Online reports whether the node declared itself available
func (h *NodeHealth) Online() bool {
	return h.Status == "online"
}

// NodeStats is the response of a node's stats endpoint
type NodeStats struct {
	NodeID    string `json:"node_id"`
	FileCount int64  `json:"file_count"`
	TotalSize int64  `json:"total_size"`
}

type uploadResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Error    string `json:"error,omitempty"`
}

// NewNodeClient creates a client for one storage node
func NewNodeClient(nodeID, baseURL string, timeout time.Duration, logger *zap.Logger) *NodeClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &NodeClient{
		nodeID:  nodeID,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// NodeID returns the node this client talks to
func (c *NodeClient) NodeID() string {
	return c.nodeID
}

// Health checks whether the node is online and returns its capacity snapshot
func (c *NodeClient) Health(ctx context.Context) (*NodeHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check failed for node %s: %w", c.nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed for node %s: status %d", c.nodeID, resp.StatusCode)
	}

	var health NodeHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("health check failed for node %s: %w", c.nodeID, err)
	}

	return &health, nil
}

// Upload stores an object on the node under the given filename.
// Returns the size the node reports it persisted.
func (c *NodeClient) Upload(ctx context.Context, filename string, data io.Reader, isReplica bool) (int64, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(part, data); err != nil {
		return 0, err
	}
	if err := writer.WriteField("filename", filename); err != nil {
		return 0, err
	}
	replica := "false"
	if isReplica {
		replica = "true"
	}
	if err := writer.WriteField("is_replica", replica); err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload to node %s failed: %w", c.nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upload to node %s failed: status %d", c.nodeID, resp.StatusCode)
	}

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("upload to node %s failed: %w", c.nodeID, err)
	}
	if result.Status != "success" {
		return 0, fmt.Errorf("upload to node %s rejected: %s", c.nodeID, result.Error)
	}

	c.logger.Debug("File uploaded to storage node",
		zap.String("node_id", c.nodeID),
		zap.String("filename", filename),
		zap.Int64("size", result.Size))

	return result.Size, nil
}

// Download streams an object from the node. The caller must close the
// returned reader.
func (c *NodeClient) Download(ctx context.Context, filename string) (io.ReadCloser, error) {
	target := c.baseURL + "/download/" + url.PathEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download from node %s failed: %w", c.nodeID, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("file %s not found on node %s", filename, c.nodeID)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download from node %s failed: status %d", c.nodeID, resp.StatusCode)
	}

	return resp.Body, nil
}

// Delete removes an object from the node
func (c *NodeClient) Delete(ctx context.Context, filename string) error {
	target := c.baseURL + "/delete/" + url.PathEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete on node %s failed: %w", c.nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete on node %s failed: status %d", c.nodeID, resp.StatusCode)
	}

	return nil
}

// ListFiles returns the filenames stored on the node
func (c *NodeClient) ListFiles(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files on node %s failed: %w", c.nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list files on node %s failed: status %d", c.nodeID, resp.StatusCode)
	}

	var result struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return result.Files, nil
}

// Stats returns the node's storage usage
func (c *NodeClient) Stats(ctx context.Context) (*NodeStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats for node %s failed: %w", c.nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats for node %s failed: status %d", c.nodeID, resp.StatusCode)
	}

	var stats NodeStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}

	return &stats, nil
}
