// Package upload implements chunked audio intake: a session-based protocol
// for accepting audio in indexed fragments and committing them into a final
// artifact, against either local disk or an S3-compatible object store.
package upload

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backend selects where a session's bytes live. It is chosen at session
// creation and never changes.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendS3    Backend = "s3"
)

// DefaultFilename is used when commit is called without a filename.
const DefaultFilename = "audio.wav"

var (
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSessionCommitted = errors.New("upload session is already committed")
	ErrSessionOpen      = errors.New("upload session is not committed yet")
	ErrDuplicateChunk   = errors.New("chunk already exists at this index")
	ErrNoObjectKey      = errors.New("session has no object key; request an upload authorization first")
	ErrBackendMismatch  = errors.New("operation not supported by the session's storage backend")
)

// ParseBackend maps the wire value to a Backend. An empty value defaults to
// local.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", string(BackendLocal):
		return BackendLocal, nil
	case string(BackendS3):
		return BackendS3, nil
	default:
		return "", fmt.Errorf("invalid storage_backend %q, must be \"local\" or \"s3\"", s)
	}
}

// UploadSession maps to the upload_sessions table. Once IsCommitted is true
// the session accepts no further chunks and ObjectKey/FinalPath are frozen.
type UploadSession struct {
	ID             uuid.UUID `db:"id" json:"session_id"`
	StorageBackend Backend   `db:"storage_backend" json:"storage_backend"`
	IsCommitted    bool      `db:"is_committed" json:"is_committed"`
	ObjectKey      *string   `db:"object_key" json:"object_key,omitempty"`
	FinalPath      *string   `db:"final_path" json:"final_path,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// AudioChunk maps to the audio_chunks table. Identity is the
// (session, chunk index) pair; rows are never mutated after insert and are
// cascade-deleted with their session.
type AudioChunk struct {
	ID          int64     `db:"id" json:"id"`
	SessionID   uuid.UUID `db:"session_id" json:"session_id"`
	ChunkIndex  int       `db:"chunk_index" json:"chunk_index"`
	PayloadPath string    `db:"payload_path" json:"payload_path"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ObjectKeyFor computes the deterministic object key for a remote session's
// artifact. Re-issuing a presign for the same (session, filename) yields the
// same key.
func ObjectKeyFor(sessionID uuid.UUID, filename string) string {
	return fmt.Sprintf("audio_sessions/%s/%s", sessionID, filename)
}
