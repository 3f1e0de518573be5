package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/medvoice/medvoice/internal/platform/objectstore"
)

// Artifact is the result of retrieving a committed session. Exactly one of
// Content/URL is set: local sessions stream bytes, remote sessions hand out
// a time-limited download URL.
type Artifact struct {
	Content  io.ReadCloser
	Filename string
	URL      string
}

// storageBackend is the capability contract shared by the local and remote
// variants. A session's backend is selected once at creation.
type storageBackend interface {
	// StoreChunk durably writes one chunk payload and returns its reference.
	StoreChunk(ctx context.Context, sessionID uuid.UUID, index int, payload io.Reader) (ref string, size int64, err error)
	// Finalize produces the committed artifact: local concatenates chunks,
	// remote acknowledges the externally-uploaded object.
	Finalize(ctx context.Context, s *UploadSession, chunks []*AudioChunk, filename string) (finalPath *string, err error)
	// DiscardChunk best-effort removes a payload written by StoreChunk whose
	// row insert was rejected.
	DiscardChunk(ref string)
	// Retrieve returns the committed artifact.
	Retrieve(ctx context.Context, s *UploadSession) (*Artifact, error)
}

// ---------------------------------------------------------------------------
// Local filesystem backend
// ---------------------------------------------------------------------------

// localBackend keeps chunk payloads and assembled artifacts under a root
// directory: chunks/{session}/{index}.part and final/{session}/{filename}.
type localBackend struct {
	root string
}

// NewLocalBackend returns the local-disk storage variant rooted at dir.
func NewLocalBackend(dir string) *localBackend {
	return &localBackend{root: dir}
}

func (b *localBackend) StoreChunk(_ context.Context, sessionID uuid.UUID, index int, payload io.Reader) (string, int64, error) {
	// The filename carries a random suffix so that a duplicate upload for the
	// same index writes to its own file: when the row insert is then rejected
	// as a conflict, the first writer's payload is untouched.
	name := strconv.Itoa(index) + "-" + uuid.NewString() + ".part"
	path := filepath.Join(b.root, "chunks", sessionID.String(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("create chunk directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create chunk file: %w", err)
	}
	n, err := io.Copy(f, payload)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("write chunk payload: %w", err)
	}
	return path, n, nil
}

func (b *localBackend) DiscardChunk(ref string) {
	if ref != "" {
		os.Remove(ref)
	}
}

// Finalize concatenates chunk payloads in the given (ascending index) order
// into final/{session}/{filename}. Gaps between indices are not checked;
// missing indices are simply absent from the output.
func (b *localBackend) Finalize(_ context.Context, s *UploadSession, chunks []*AudioChunk, filename string) (*string, error) {
	dir := filepath.Join(b.root, "final", s.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	path := filepath.Join(dir, filename)

	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}

	for _, c := range chunks {
		in, err := os.Open(c.PayloadPath)
		if err != nil {
			out.Close()
			os.Remove(path)
			return nil, fmt.Errorf("open chunk %d: %w", c.ChunkIndex, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(path)
			return nil, fmt.Errorf("append chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("flush artifact: %w", err)
	}
	return &path, nil
}

func (b *localBackend) Retrieve(_ context.Context, s *UploadSession) (*Artifact, error) {
	if s.FinalPath == nil {
		return nil, ErrSessionOpen
	}
	f, err := os.Open(*s.FinalPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return &Artifact{Content: f, Filename: filepath.Base(*s.FinalPath)}, nil
}

// ---------------------------------------------------------------------------
// Remote object-store backend
// ---------------------------------------------------------------------------

// remoteBackend trusts clients to push bytes straight to the object store via
// pre-signed POST; the server only tracks keys and, optionally, verifies the
// object exists at commit time.
type remoteBackend struct {
	store          objectstore.Store
	presignTTL     time.Duration
	verifyOnCommit bool
}

// NewRemoteBackend returns the object-store variant. When verifyOnCommit is
// set, Finalize stats the object before the session is frozen.
func NewRemoteBackend(store objectstore.Store, presignTTL time.Duration, verifyOnCommit bool) *remoteBackend {
	return &remoteBackend{store: store, presignTTL: presignTTL, verifyOnCommit: verifyOnCommit}
}

func (b *remoteBackend) StoreChunk(context.Context, uuid.UUID, int, io.Reader) (string, int64, error) {
	return "", 0, ErrBackendMismatch
}

func (b *remoteBackend) DiscardChunk(string) {}

func (b *remoteBackend) Finalize(ctx context.Context, s *UploadSession, _ []*AudioChunk, _ string) (*string, error) {
	if !b.verifyOnCommit {
		return nil, nil
	}
	if s.ObjectKey == nil {
		return nil, fmt.Errorf("session %s has no object key to verify", s.ID)
	}
	exists, err := b.store.Stat(ctx, *s.ObjectKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("object %s not found in store", *s.ObjectKey)
	}
	return nil, nil
}

func (b *remoteBackend) Retrieve(ctx context.Context, s *UploadSession) (*Artifact, error) {
	if s.ObjectKey == nil {
		return nil, ErrSessionOpen
	}
	url, err := b.store.PresignDownload(ctx, *s.ObjectKey, b.presignTTL)
	if err != nil {
		return nil, err
	}
	return &Artifact{URL: url}, nil
}

// PresignUpload issues the pre-signed POST descriptor for key.
func (b *remoteBackend) PresignUpload(ctx context.Context, key string) (*objectstore.PresignedPost, error) {
	return b.store.PresignUpload(ctx, key, b.presignTTL)
}
