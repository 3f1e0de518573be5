package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/medvoice/medvoice/internal/platform/objectstore"
)

// Service is the session lifecycle manager: it creates sessions, ingests
// chunks (local backend only), coordinates commit, and brokers pre-signed
// access for remote sessions.
type Service struct {
	repo   Repository
	local  *localBackend
	remote *remoteBackend
}

func NewService(repo Repository, local *localBackend, remote *remoteBackend) *Service {
	return &Service{repo: repo, local: local, remote: remote}
}

func (s *Service) backendFor(sess *UploadSession) storageBackend {
	if sess.StorageBackend == BackendS3 {
		return s.remote
	}
	return s.local
}

// CreateSession starts a new upload session. An empty backend defaults to
// local; an unknown value is the only way this fails.
func (s *Service) CreateSession(ctx context.Context, backend string) (*UploadSession, error) {
	b, err := ParseBackend(backend)
	if err != nil {
		return nil, err
	}
	sess := &UploadSession{StorageBackend: b}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession looks up a session by id.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*UploadSession, error) {
	return s.repo.GetSession(ctx, id)
}

// UploadChunk durably stores one indexed fragment for a local-backend
// session. The payload is written before the row insert; if the insert is
// rejected (duplicate index, committed session) the payload is discarded and
// the first write wins.
func (s *Service) UploadChunk(ctx context.Context, sessionID uuid.UUID, index int, payload io.Reader) error {
	if index < 0 {
		return fmt.Errorf("chunk_index must be non-negative, got %d", index)
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	backend := s.backendFor(sess)

	ref, size, err := backend.StoreChunk(ctx, sessionID, index, payload)
	if err != nil {
		return err
	}

	chunk := &AudioChunk{
		SessionID:   sessionID,
		ChunkIndex:  index,
		PayloadPath: ref,
		SizeBytes:   size,
	}
	if err := s.repo.InsertChunk(ctx, chunk); err != nil {
		backend.DiscardChunk(ref)
		return err
	}
	return nil
}

// Commit finalizes a session exactly once. Local sessions get their chunks
// concatenated in ascending index order into the named artifact; remote
// sessions only flip the committed flag (with an optional object stat). A
// second commit is rejected, not a no-op. Commit never partially applies: a
// failed finalize leaves the session uncommitted.
func (s *Service) Commit(ctx context.Context, sessionID uuid.UUID, filename string) (*UploadSession, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	return s.repo.Commit(ctx, sessionID, func(sess *UploadSession, chunks []*AudioChunk) (*string, error) {
		return s.backendFor(sess).Finalize(ctx, sess, chunks, filename)
	})
}

// PresignUpload issues a pre-signed POST for a remote session. The object key
// is a pure function of (session, filename) and is recorded on the session
// before the store is asked for the authorization.
func (s *Service) PresignUpload(ctx context.Context, sessionID uuid.UUID, filename string) (*objectstore.PresignedPost, string, error) {
	if filename == "" {
		filename = DefaultFilename
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if sess.StorageBackend != BackendS3 {
		return nil, "", ErrBackendMismatch
	}
	if sess.IsCommitted {
		return nil, "", ErrSessionCommitted
	}

	key := ObjectKeyFor(sessionID, filename)
	if err := s.repo.SetObjectKey(ctx, sessionID, key); err != nil {
		return nil, "", err
	}

	post, err := s.remote.PresignUpload(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return post, key, nil
}

// ConfirmUpload acknowledges a client's claim that the remote object was
// uploaded. No existence check is performed; the returned key is purely
// informational.
func (s *Service) ConfirmUpload(ctx context.Context, sessionID uuid.UUID) (string, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.StorageBackend != BackendS3 {
		return "", ErrBackendMismatch
	}
	if sess.ObjectKey == nil {
		return "", ErrNoObjectKey
	}
	return *sess.ObjectKey, nil
}

// Retrieve returns the committed artifact: a byte stream for local sessions,
// a time-limited download URL for remote ones.
func (s *Service) Retrieve(ctx context.Context, sessionID uuid.UUID) (*Artifact, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsCommitted {
		return nil, ErrSessionOpen
	}
	return s.backendFor(sess).Retrieve(ctx, sess)
}
