package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medvoice/medvoice/internal/platform/objectstore"
)

// -- Mock object store --

type mockStore struct {
	presignUploads   int
	presignDownloads int
	stats            int
	objects          map[string]bool
}

func newMockStore() *mockStore {
	return &mockStore{objects: make(map[string]bool)}
}

func (m *mockStore) PresignUpload(_ context.Context, key string, _ time.Duration) (*objectstore.PresignedPost, error) {
	m.presignUploads++
	return &objectstore.PresignedPost{
		URL:    "https://store.example.com/bucket",
		Fields: map[string]string{"key": key},
	}, nil
}

func (m *mockStore) PresignDownload(_ context.Context, key string, _ time.Duration) (string, error) {
	m.presignDownloads++
	return "https://store.example.com/bucket/" + key + "?signed=1", nil
}

func (m *mockStore) Stat(_ context.Context, key string) (bool, error) {
	m.stats++
	return m.objects[key], nil
}

// -- Tests --

func newTestService(t *testing.T, store objectstore.Store, verifyOnCommit bool) *Service {
	t.Helper()
	local := NewLocalBackend(t.TempDir())
	remote := NewRemoteBackend(store, 5*time.Minute, verifyOnCommit)
	return NewService(NewRepoMem(), local, remote)
}

func TestCreateSession_DefaultsToLocal(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)

	sess, err := svc.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.StorageBackend != BackendLocal {
		t.Errorf("expected local backend, got %s", sess.StorageBackend)
	}
	if sess.ID == uuid.Nil {
		t.Error("expected session ID to be set")
	}
	if sess.IsCommitted {
		t.Error("new session must not be committed")
	}
}

func TestCreateSession_UniqueIDs(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 10; i++ {
		sess, err := svc.CreateSession(context.Background(), "local")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[sess.ID] {
			t.Fatalf("duplicate session ID %s", sess.ID)
		}
		seen[sess.ID] = true
	}
}

func TestCreateSession_InvalidBackend(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)

	_, err := svc.CreateSession(context.Background(), "gcs")
	if err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestUploadChunk_And_Commit_ConcatenatesInIndexOrder(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")

	// Upload out of order; commit must assemble by ascending index.
	if err := svc.UploadChunk(ctx, sess.ID, 1, bytes.NewReader([]byte("AAAA"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.UploadChunk(ctx, sess.ID, 0, bytes.NewReader([]byte("BB"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	committed, err := svc.Commit(ctx, sess.ID, "recording.wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !committed.IsCommitted {
		t.Error("expected session to be committed")
	}
	if committed.FinalPath == nil {
		t.Fatal("expected final path for local session")
	}

	data, err := os.ReadFile(*committed.FinalPath)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if string(data) != "BBAAAA" {
		t.Errorf("expected BBAAAA, got %q", data)
	}
}

func TestCommit_DefaultFilename(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	svc.UploadChunk(ctx, sess.ID, 0, bytes.NewReader([]byte("x")))

	committed, err := svc.Commit(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *committed.FinalPath; !bytes.HasSuffix([]byte(got), []byte(DefaultFilename)) {
		t.Errorf("expected artifact named %s, got %s", DefaultFilename, got)
	}
}

func TestCommit_SecondCommitRejected(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	svc.UploadChunk(ctx, sess.ID, 0, bytes.NewReader([]byte("x")))

	if _, err := svc.Commit(ctx, sess.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.Commit(ctx, sess.ID, "")
	if !errors.Is(err, ErrSessionCommitted) {
		t.Errorf("expected ErrSessionCommitted, got %v", err)
	}
}

func TestCommit_NotFound(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)

	_, err := svc.Commit(context.Background(), uuid.New(), "")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUploadChunk_DuplicateIndex_FirstWriteWins(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	if err := svc.UploadChunk(ctx, sess.ID, 0, bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := svc.UploadChunk(ctx, sess.ID, 0, bytes.NewReader([]byte("second")))
	if !errors.Is(err, ErrDuplicateChunk) {
		t.Fatalf("expected ErrDuplicateChunk, got %v", err)
	}

	committed, err := svc.Commit(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(*committed.FinalPath)
	if string(data) != "first" {
		t.Errorf("expected first writer's payload to survive, got %q", data)
	}
}

func TestUploadChunk_AfterCommitRejected(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	svc.UploadChunk(ctx, sess.ID, 0, bytes.NewReader([]byte("x")))
	svc.Commit(ctx, sess.ID, "")

	err := svc.UploadChunk(ctx, sess.ID, 1, bytes.NewReader([]byte("y")))
	if !errors.Is(err, ErrSessionCommitted) {
		t.Errorf("expected ErrSessionCommitted, got %v", err)
	}
}

func TestUploadChunk_NegativeIndex(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	err := svc.UploadChunk(ctx, sess.ID, -1, bytes.NewReader([]byte("x")))
	if err == nil {
		t.Error("expected error for negative chunk index")
	}
}

func TestPresignUpload_RecordsDeterministicKey(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "s3")

	post, key, err := svc.PresignUpload(ctx, sess.ID, "note.wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "audio_sessions/" + sess.ID.String() + "/note.wav"
	if key != want {
		t.Errorf("expected key %s, got %s", want, key)
	}
	if post.URL == "" {
		t.Error("expected presigned URL")
	}
	if store.presignUploads != 1 {
		t.Errorf("expected 1 presign call, got %d", store.presignUploads)
	}

	// Re-issuing for the same filename yields the same key.
	_, key2, err := svc.PresignUpload(ctx, sess.ID, "note.wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key2 != key {
		t.Errorf("expected stable key, got %s then %s", key, key2)
	}

	got, _ := svc.GetSession(ctx, sess.ID)
	if got.ObjectKey == nil || *got.ObjectKey != key {
		t.Error("expected object key to be recorded on the session")
	}
}

func TestPresignUpload_LocalSessionRejected(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	_, _, err := svc.PresignUpload(ctx, sess.ID, "")
	if !errors.Is(err, ErrBackendMismatch) {
		t.Errorf("expected ErrBackendMismatch, got %v", err)
	}
	if store.presignUploads != 0 {
		t.Error("store must not be called for a local session")
	}
}

func TestPresignUpload_CommittedSessionRejected(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "s3")
	if _, _, err := svc.PresignUpload(ctx, sess.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Commit(ctx, sess.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err := svc.PresignUpload(ctx, sess.ID, "")
	if !errors.Is(err, ErrSessionCommitted) {
		t.Errorf("expected ErrSessionCommitted, got %v", err)
	}
}

func TestPresignUpload_NotConfigured(t *testing.T) {
	cfgErr := objectstore.Config{}.Validate()
	local := NewLocalBackend(t.TempDir())
	remote := NewRemoteBackend(objectstore.Unconfigured(cfgErr), 5*time.Minute, false)
	svc := NewService(NewRepoMem(), local, remote)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "s3")
	_, _, err := svc.PresignUpload(ctx, sess.ID, "")
	if !errors.Is(err, objectstore.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestConfirmUpload(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "s3")

	// Before any presign there is nothing to confirm.
	_, err := svc.ConfirmUpload(ctx, sess.ID)
	if !errors.Is(err, ErrNoObjectKey) {
		t.Errorf("expected ErrNoObjectKey, got %v", err)
	}

	_, key, _ := svc.PresignUpload(ctx, sess.ID, "")
	got, err := svc.ConfirmUpload(ctx, sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != key {
		t.Errorf("expected key %s, got %s", key, got)
	}
}

func TestConfirmUpload_LocalSessionRejected(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	_, err := svc.ConfirmUpload(ctx, sess.ID)
	if !errors.Is(err, ErrBackendMismatch) {
		t.Errorf("expected ErrBackendMismatch, got %v", err)
	}
}

func TestCommit_RemoteVerifiesObjectWhenEnabled(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, true)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "s3")
	_, key, _ := svc.PresignUpload(ctx, sess.ID, "")

	// Object missing: commit must fail and leave the session open.
	if _, err := svc.Commit(ctx, sess.ID, ""); err == nil {
		t.Fatal("expected commit to fail when the object is absent")
	}
	got, _ := svc.GetSession(ctx, sess.ID)
	if got.IsCommitted {
		t.Error("failed commit must leave the session uncommitted")
	}

	store.objects[key] = true
	if _, err := svc.Commit(ctx, sess.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.stats == 0 {
		t.Error("expected the store to be statted on commit")
	}
}

func TestRetrieve_LocalStreamsArtifact(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	svc.UploadChunk(ctx, sess.ID, 0, bytes.NewReader([]byte("hello")))
	svc.Commit(ctx, sess.ID, "greeting.wav")

	artifact, err := svc.Retrieve(ctx, sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer artifact.Content.Close()

	if artifact.Filename != "greeting.wav" {
		t.Errorf("expected greeting.wav, got %s", artifact.Filename)
	}
	data, _ := io.ReadAll(artifact.Content)
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
}

func TestRetrieve_RemoteReturnsURL(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "s3")
	svc.PresignUpload(ctx, sess.ID, "")
	svc.Commit(ctx, sess.ID, "")

	artifact, err := svc.Retrieve(ctx, sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if artifact.URL == "" {
		t.Error("expected download URL for remote session")
	}
	if artifact.Content != nil {
		t.Error("remote retrieval must not stream bytes")
	}
	if store.presignDownloads != 1 {
		t.Errorf("expected 1 presign download call, got %d", store.presignDownloads)
	}
}

func TestRetrieve_UncommittedRejected(t *testing.T) {
	svc := newTestService(t, newMockStore(), false)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "local")
	_, err := svc.Retrieve(ctx, sess.ID)
	if !errors.Is(err, ErrSessionOpen) {
		t.Errorf("expected ErrSessionOpen, got %v", err)
	}
}
