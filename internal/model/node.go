package model

import "time"

// StorageNode represents a registered storage node and its last known state.
// The durable record lives in the metadata store; the health registry keeps
// a cached copy that it refreshes on every poll.
type StorageNode struct {
	NodeID            string    `json:"node_id"`
	Address           string    `json:"address"` // base URL, e.g. http://storage-node1:8000
	Online            bool      `json:"online"`
	TotalSpace        int64     `json:"total_space"`
	UsedSpace         int64     `json:"used_space"`
	FileCount         int64     `json:"file_count"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// FreeSpace returns the advertised free capacity. Accounting is advisory,
// so the value can be stale or negative.
func (n *StorageNode) FreeSpace() int64 {
	return n.TotalSpace - n.UsedSpace
}

// HealthStatus is the outcome of a single health check against one node.
type HealthStatus struct {
	NodeID    string    `json:"node_id"`
	Online    bool      `json:"online"`
	FreeSpace int64     `json:"free_space"`
	FileCount int64     `json:"file_count"`
	CheckedAt time.Time `json:"checked_at"`
	Err       string    `json:"error,omitempty"`
}
