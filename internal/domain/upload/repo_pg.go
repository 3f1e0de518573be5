package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvoice/medvoice/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by Postgres. The
// (session_id, chunk_index) uniqueness constraint and the session-row locks
// taken below provide the store-level guarantees documented on Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// begin opens a transaction on the tenant-scoped connection when one is
// present, otherwise on the pool.
func (r *repoPG) begin(ctx context.Context) (pgx.Tx, error) {
	if c := db.ConnFromContext(ctx); c != nil {
		return c.Begin(ctx)
	}
	return r.pool.Begin(ctx)
}

const sessionCols = `id, storage_backend, is_committed, object_key, final_path, created_at, updated_at`

func scanSession(row pgx.Row) (*UploadSession, error) {
	var s UploadSession
	err := row.Scan(&s.ID, &s.StorageBackend, &s.IsCommitted, &s.ObjectKey,
		&s.FinalPath, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) CreateSession(ctx context.Context, s *UploadSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO upload_sessions (id, storage_backend)
		VALUES ($1, $2)
		RETURNING created_at, updated_at`,
		s.ID, s.StorageBackend).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *repoPG) GetSession(ctx context.Context, id uuid.UUID) (*UploadSession, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM upload_sessions WHERE id = $1`, id))
}

func (r *repoPG) SetObjectKey(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE upload_sessions SET object_key = $2, updated_at = NOW()
		WHERE id = $1 AND NOT is_committed`, id, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionCommitted
	}
	return nil
}

func (r *repoPG) InsertChunk(ctx context.Context, c *AudioChunk) error {
	// The inner SELECT ... FOR SHARE holds the session row against a
	// concurrent Commit (which takes FOR UPDATE) while still allowing other
	// chunk inserts for the same session to proceed in parallel.
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audio_chunks (session_id, chunk_index, payload_path, size_bytes)
		SELECT s.id, $2, $3, $4
		FROM upload_sessions s
		WHERE s.id = $1 AND NOT s.is_committed
		FOR SHARE OF s
		RETURNING id, created_at`,
		c.SessionID, c.ChunkIndex, c.PayloadPath, c.SizeBytes).Scan(&c.ID, &c.CreatedAt)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateChunk
	}
	if errors.Is(err, pgx.ErrNoRows) {
		// Session missing or already committed; look again to tell them apart.
		if _, gerr := r.GetSession(ctx, c.SessionID); gerr != nil {
			return gerr
		}
		return ErrSessionCommitted
	}
	return err
}

func (r *repoPG) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]*AudioChunk, error) {
	return listChunks(ctx, r.conn(ctx), sessionID)
}

func listChunks(ctx context.Context, q queryable, sessionID uuid.UUID) ([]*AudioChunk, error) {
	rows, err := q.Query(ctx, `
		SELECT id, session_id, chunk_index, payload_path, size_bytes, created_at
		FROM audio_chunks
		WHERE session_id = $1
		ORDER BY chunk_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*AudioChunk
	for rows.Next() {
		var c AudioChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ChunkIndex, &c.PayloadPath,
			&c.SizeBytes, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func (r *repoPG) Commit(ctx context.Context, id uuid.UUID, finalize FinalizeFunc) (*UploadSession, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// FOR UPDATE excludes both concurrent commits and the FOR SHARE taken by
	// chunk inserts, so finalize sees a stable chunk set.
	s, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM upload_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if s.IsCommitted {
		return nil, ErrSessionCommitted
	}

	chunks, err := listChunks(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	finalPath, err := finalize(s, chunks)
	if err != nil {
		return nil, err
	}

	if err := tx.QueryRow(ctx, `
		UPDATE upload_sessions SET is_committed = TRUE, final_path = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`, id, finalPath).Scan(&s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.IsCommitted = true
	s.FinalPath = finalPath
	return s, nil
}
