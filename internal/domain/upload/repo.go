package upload

import (
	"context"

	"github.com/google/uuid"
)

// FinalizeFunc assembles a session's final artifact during commit. It runs
// with the session serialized against concurrent chunk ingestion; chunks are
// passed in ascending index order. It returns the final artifact path for
// local sessions (nil for remote). If it fails, the commit is abandoned and
// the session stays uncommitted.
type FinalizeFunc func(s *UploadSession, chunks []*AudioChunk) (finalPath *string, err error)

// Repository persists sessions and chunks. Implementations enforce the
// (session, chunk_index) uniqueness constraint and serialize Commit against
// InsertChunk for the same session.
type Repository interface {
	CreateSession(ctx context.Context, s *UploadSession) error

	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id uuid.UUID) (*UploadSession, error)

	// SetObjectKey records the deterministic object key on an uncommitted
	// session. Returns ErrSessionCommitted if the session is already frozen.
	SetObjectKey(ctx context.Context, id uuid.UUID, key string) error

	// InsertChunk adds a chunk row. Returns ErrSessionNotFound if the session
	// does not exist, ErrSessionCommitted if it no longer accepts chunks, and
	// ErrDuplicateChunk when the (session, index) pair is taken — uniqueness
	// is enforced by the store, not re-checked by callers.
	InsertChunk(ctx context.Context, c *AudioChunk) error

	// ListChunks returns the session's chunks in ascending index order.
	ListChunks(ctx context.Context, sessionID uuid.UUID) ([]*AudioChunk, error)

	// Commit flips is_committed exactly once. It loads the session and its
	// chunks under a lock that excludes concurrent InsertChunk and Commit
	// calls for the same session, runs finalize, then persists the flag and
	// final path. A second commit returns ErrSessionCommitted.
	Commit(ctx context.Context, id uuid.UUID, finalize FinalizeFunc) (*UploadSession, error)
}
