package service

import "errors"

var (
	// ErrNoNodesAvailable is returned when no storage node can accept a
	// file of the requested size, even after a forced health re-check.
	ErrNoNodesAvailable = errors.New("no storage nodes available")

	// ErrAllReplicasDown is returned by failover promotion when no
	// replica candidate is healthy. The file is unavailable until
	// separately remediated.
	ErrAllReplicasDown = errors.New("all replicas down")

	// ErrLimitExceeded is returned when a download would exceed the
	// file's download limit.
	ErrLimitExceeded = errors.New("download limit exceeded")

	// ErrSessionNotFound is returned for an unknown or expired upload
	// session.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionNotActive is returned when a chunk arrives for a session
	// that is no longer in progress.
	ErrSessionNotActive = errors.New("upload session not active")

	// ErrInvalidPartNumber is returned for chunks outside
	// [1, parts_expected].
	ErrInvalidPartNumber = errors.New("invalid part number")

	// ErrChecksumMismatch is returned when a chunk or the stitched file
	// does not match its declared checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrEmptyChunk is returned for a chunk write with no payload.
	ErrEmptyChunk = errors.New("empty chunk")

	// ErrSessionIncomplete is returned by finalize when parts are still
	// missing.
	ErrSessionIncomplete = errors.New("upload session incomplete")

	// ErrFinalizeInProgress is returned when another caller holds the
	// finalize lock for the same session.
	ErrFinalizeInProgress = errors.New("finalization in progress elsewhere")
)
