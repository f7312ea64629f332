package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore persists sessions in PostgreSQL as JSONB documents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			topic_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			doc JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_sessions_user ON stream_sessions (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_sessions_topic ON stream_sessions (topic_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_sessions_updated ON stream_sessions (updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, sess Session) error {
	doc, err := encode(sess)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO stream_sessions (session_id, user_id, topic_id, status, created_at, updated_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		 ON CONFLICT (session_id) DO NOTHING`,
		sess.SessionID, sess.UserID, sess.TopicID, string(sess.Status), sess.CreatedAt, sess.UpdatedAt, string(doc),
	)
	if err != nil {
		return errors.Wrap(err, "insert session")
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM stream_sessions WHERE session_id = $1`, sessionID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, errors.Wrap(err, "select session")
	}
	sess, err := decode(doc)
	if err != nil {
		return Session{}, errors.Wrapf(err, "decode session %s", sessionID)
	}
	return sess, nil
}

func (s *PostgresStore) Update(ctx context.Context, sessionID string, fn func(*Session) error) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, errors.Wrap(err, "begin update")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM stream_sessions WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, errors.Wrap(err, "select session for update")
	}
	sess, err := decode(doc)
	if err != nil {
		return Session{}, errors.Wrapf(err, "decode session %s", sessionID)
	}
	current := clone(sess)
	if err := fn(&sess); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return current, nil
		}
		return Session{}, err
	}

	next, err := encode(sess)
	if err != nil {
		return Session{}, errors.Wrap(err, "encode session")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE stream_sessions SET status = $1, updated_at = $2, doc = $3::jsonb WHERE session_id = $4`,
		string(sess.Status), sess.UpdatedAt, string(next), sessionID,
	); err != nil {
		return Session{}, errors.Wrap(err, "update session")
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, errors.Wrap(err, "commit update")
	}
	return sess, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM stream_sessions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query user sessions")
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "scan session row")
		}
		sess, err := decode(doc)
		if err != nil {
			return nil, errors.Wrap(err, "decode session row")
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate session rows")
	}
	return out, nil
}

func (s *PostgresStore) ListUpdatedBefore(ctx context.Context, cutoffMs int64) ([]string, error) {
	return s.queryIDs(ctx, `SELECT session_id FROM stream_sessions WHERE updated_at < $1`, cutoffMs)
}

func (s *PostgresStore) ListByTopic(ctx context.Context, topicID string) ([]string, error) {
	return s.queryIDs(ctx, `SELECT session_id FROM stream_sessions WHERE topic_id = $1`, topicID)
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, arg any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query session ids")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "collect session ids")
	}
	return ids, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionIDs ...string) (int, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM stream_sessions WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return 0, errors.Wrap(err, "delete sessions")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
