package transfer

import (
	"fmt"
	"time"
)

// Checkpoint records how far a partially received file got, keyed by the
// file's content identity so a later re-offer of the same file can resume.
type Checkpoint struct {
	Key              string
	NextSequence     uint64
	BytesTransferred int64
	TempPath         string
	UpdatedAt        time.Time
}

// CheckpointStore persists receive-side resume points. Implementations must
// be safe for concurrent use. A nil store disables resume entirely.
type CheckpointStore interface {
	// GetCheckpoint returns the stored checkpoint or (nil, nil) when none
	// exists for the key.
	GetCheckpoint(key string) (*Checkpoint, error)
	UpsertCheckpoint(cp Checkpoint) error
	DeleteCheckpoint(key string) error
}

// checkpointKey derives the resume key from the offered file's content
// identity. Transfer IDs are never reused, so they cannot key a resume.
func checkpointKey(request Request) string {
	return fmt.Sprintf("%s:%s:%d", request.ChecksumAlgorithm, request.Checksum, request.FileSize)
}

// checkpointEvery is the chunk interval between checkpoint writes.
const checkpointEvery = 32
