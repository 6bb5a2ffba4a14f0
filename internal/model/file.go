package model

import "time"

// File is the durable record of a stored file. It is the single source of
// truth for where a file lives; PrimaryNode may be rewritten by failover
// promotion and is never present in ReplicaNodes.
type File struct {
	FileID        string    `json:"file_id"`
	StoredName    string    `json:"stored_name"`
	OriginalName  string    `json:"original_name"`
	Size          int64     `json:"size"`
	MimeType      string    `json:"mime_type"`
	PrimaryNode   string    `json:"primary_node"`
	ReplicaNodes  []string  `json:"replica_nodes"`
	Checksum      string    `json:"checksum"` // SHA-256 hex
	DownloadLimit int       `json:"download_limit"`
	DownloadsLeft int       `json:"downloads_left"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// RemainingLifetime returns the time left until expiry, floored at zero.
func (f *File) RemainingLifetime(now time.Time) time.Duration {
	if d := f.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
