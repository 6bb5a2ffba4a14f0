package model

import "time"

// UploadStatus tracks the lifecycle of a chunked upload session
type UploadStatus string

const (
	// UploadInProgress indicates the session is accepting chunks
	UploadInProgress UploadStatus = "in_progress"
	// UploadCompleted indicates the session was finalized into a File
	UploadCompleted UploadStatus = "completed"
	// UploadAborted indicates the session was abandoned or failed verification
	UploadAborted UploadStatus = "aborted"
)

// UploadPart records one received chunk of a session.
type UploadPart struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
	Path     string `json:"path"`
}

// UploadManifest is the ephemeral session record for a chunked upload,
// stored in the KV store and mutated by every chunk write. Part numbers
// are 1-based.
type UploadManifest struct {
	UploadID      string             `json:"upload_id"`
	Filename      string             `json:"filename"`
	MimeType      string             `json:"mime_type"`
	TotalSize     int64              `json:"total_size"`
	ChunkSize     int64              `json:"chunk_size"`
	PartsExpected int                `json:"parts_expected"`
	Parts         map[int]UploadPart `json:"parts"`
	Status        UploadStatus       `json:"status"`
	ScratchDir    string             `json:"scratch_dir"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Received returns how many distinct parts have been stored so far.
func (m *UploadManifest) Received() int {
	return len(m.Parts)
}

// Complete reports whether every expected part has arrived.
func (m *UploadManifest) Complete() bool {
	return len(m.Parts) == m.PartsExpected
}
