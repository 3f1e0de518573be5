package upload

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// repoMem is a thread-safe, in-memory Repository for testing/dev. The single
// mutex is held for the whole of Commit, including finalize, which gives the
// same commit-vs-ingest serialization the Postgres repo gets from row locks.
type repoMem struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*UploadSession
	chunks      map[uuid.UUID]map[int]*AudioChunk
	nextChunkID int64
}

// NewRepoMem returns a ready-to-use in-memory Repository.
func NewRepoMem() Repository {
	return &repoMem{
		sessions: make(map[uuid.UUID]*UploadSession),
		chunks:   make(map[uuid.UUID]map[int]*AudioChunk),
	}
}

func (r *repoMem) CreateSession(_ context.Context, s *UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	stored := *s
	r.sessions[s.ID] = &stored
	r.chunks[s.ID] = make(map[int]*AudioChunk)
	return nil
}

func (r *repoMem) GetSession(_ context.Context, id uuid.UUID) (*UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *s // copy
	return &out, nil
}

func (r *repoMem) SetObjectKey(_ context.Context, id uuid.UUID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.IsCommitted {
		return ErrSessionCommitted
	}
	s.ObjectKey = &key
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *repoMem) InsertChunk(_ context.Context, c *AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[c.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.IsCommitted {
		return ErrSessionCommitted
	}
	if _, exists := r.chunks[c.SessionID][c.ChunkIndex]; exists {
		return ErrDuplicateChunk
	}

	r.nextChunkID++
	c.ID = r.nextChunkID
	c.CreatedAt = time.Now().UTC()

	stored := *c
	r.chunks[c.SessionID][c.ChunkIndex] = &stored
	return nil
}

func (r *repoMem) ListChunks(_ context.Context, sessionID uuid.UUID) ([]*AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	return r.chunksInOrder(sessionID), nil
}

// chunksInOrder must be called with the mutex held.
func (r *repoMem) chunksInOrder(sessionID uuid.UUID) []*AudioChunk {
	byIndex := r.chunks[sessionID]
	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	out := make([]*AudioChunk, 0, len(indices))
	for _, idx := range indices {
		c := *byIndex[idx] // copy
		out = append(out, &c)
	}
	return out
}

func (r *repoMem) Commit(_ context.Context, id uuid.UUID, finalize FinalizeFunc) (*UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.IsCommitted {
		return nil, ErrSessionCommitted
	}

	snapshot := *s
	finalPath, err := finalize(&snapshot, r.chunksInOrder(id))
	if err != nil {
		return nil, err
	}

	s.IsCommitted = true
	s.FinalPath = finalPath
	s.UpdatedAt = time.Now().UTC()

	out := *s
	return &out, nil
}
