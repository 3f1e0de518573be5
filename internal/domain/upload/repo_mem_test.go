package upload

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestRepoMem_ListChunksAscending(t *testing.T) {
	repo := NewRepoMem()
	ctx := context.Background()

	sess := &UploadSession{StorageBackend: BackendLocal}
	repo.CreateSession(ctx, sess)

	for _, idx := range []int{5, 0, 3} {
		err := repo.InsertChunk(ctx, &AudioChunk{
			SessionID:  sess.ID,
			ChunkIndex: idx,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	chunks, err := repo.ListChunks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{0, 3, 5}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != want[i] {
			t.Errorf("position %d: expected index %d, got %d", i, want[i], c.ChunkIndex)
		}
	}
}

func TestRepoMem_DuplicateChunk(t *testing.T) {
	repo := NewRepoMem()
	ctx := context.Background()

	sess := &UploadSession{StorageBackend: BackendLocal}
	repo.CreateSession(ctx, sess)

	if err := repo.InsertChunk(ctx, &AudioChunk{SessionID: sess.ID, ChunkIndex: 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := repo.InsertChunk(ctx, &AudioChunk{SessionID: sess.ID, ChunkIndex: 0})
	if !errors.Is(err, ErrDuplicateChunk) {
		t.Errorf("expected ErrDuplicateChunk, got %v", err)
	}
}

func TestRepoMem_CommitOnce(t *testing.T) {
	repo := NewRepoMem()
	ctx := context.Background()

	sess := &UploadSession{StorageBackend: BackendLocal}
	repo.CreateSession(ctx, sess)

	noop := func(*UploadSession, []*AudioChunk) (*string, error) { return nil, nil }

	if _, err := repo.Commit(ctx, sess.ID, noop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := repo.Commit(ctx, sess.ID, noop)
	if !errors.Is(err, ErrSessionCommitted) {
		t.Errorf("expected ErrSessionCommitted, got %v", err)
	}
}

func TestRepoMem_ConcurrentCommitSingleWinner(t *testing.T) {
	repo := NewRepoMem()
	ctx := context.Background()

	sess := &UploadSession{StorageBackend: BackendLocal}
	repo.CreateSession(ctx, sess)

	var finalizeCalls int // guarded by the repo mutex during Commit
	finalize := func(*UploadSession, []*AudioChunk) (*string, error) {
		finalizeCalls++
		return nil, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Commit(ctx, sess.ID, finalize)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSessionCommitted):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning commit, got %d", wins)
	}
	if conflicts != 7 {
		t.Errorf("expected 7 conflicts, got %d", conflicts)
	}
	if finalizeCalls != 1 {
		t.Errorf("finalize must run exactly once, ran %d times", finalizeCalls)
	}
}

func TestRepoMem_SetObjectKey(t *testing.T) {
	repo := NewRepoMem()
	ctx := context.Background()

	sess := &UploadSession{StorageBackend: BackendS3}
	repo.CreateSession(ctx, sess)

	if err := repo.SetObjectKey(ctx, sess.ID, "audio_sessions/x/audio.wav"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.GetSession(ctx, sess.ID)
	if got.ObjectKey == nil || *got.ObjectKey != "audio_sessions/x/audio.wav" {
		t.Error("expected object key to be stored")
	}

	noop := func(*UploadSession, []*AudioChunk) (*string, error) { return nil, nil }
	repo.Commit(ctx, sess.ID, noop)

	err := repo.SetObjectKey(ctx, sess.ID, "other")
	if !errors.Is(err, ErrSessionCommitted) {
		t.Errorf("expected ErrSessionCommitted, got %v", err)
	}
}

func TestRepoMem_UnknownSession(t *testing.T) {
	repo := NewRepoMem()
	ctx := context.Background()

	if _, err := repo.GetSession(ctx, uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	err := repo.InsertChunk(ctx, &AudioChunk{SessionID: uuid.New(), ChunkIndex: 0})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
