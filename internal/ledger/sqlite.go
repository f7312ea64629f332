package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in an embedded SQLite database, one JSON
// document per row.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteDSNForFile builds a DSN with WAL, a busy timeout and immediate
// write transactions for the given database file.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "create sqlite dir %s", dir)
		}
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", nil
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection; all writers are serialized through it.
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			topic_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			doc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_sessions_user ON stream_sessions (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_sessions_topic ON stream_sessions (topic_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_sessions_updated ON stream_sessions (updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "init schema failed on %q", stmt)
		}
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, sess Session) error {
	doc, err := encode(sess)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_sessions (session_id, user_id, topic_id, status, created_at, updated_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sess.SessionID, sess.UserID, sess.TopicID, string(sess.Status), sess.CreatedAt, sess.UpdatedAt, string(doc),
	)
	if err != nil {
		return errors.Wrap(err, "insert session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "insert session rows affected")
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM stream_sessions WHERE session_id = ?`, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, errors.Wrap(err, "select session")
	}
	sess, err := decode([]byte(doc))
	if err != nil {
		return Session{}, errors.Wrapf(err, "decode session %s", sessionID)
	}
	return sess, nil
}

func (s *SQLiteStore) Update(ctx context.Context, sessionID string, fn func(*Session) error) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, errors.Wrap(err, "begin update")
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM stream_sessions WHERE session_id = ?`, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, errors.Wrap(err, "select session for update")
	}
	sess, err := decode([]byte(doc))
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_sessions SET status = ?, updated_at = ?, doc = ? WHERE session_id = ?`,
		string(sess.Status), sess.UpdatedAt, string(next), sessionID,
	); err != nil {
		return Session{}, errors.Wrap(err, "update session")
	}
	if err := tx.Commit(); err != nil {
		return Session{}, errors.Wrap(err, "commit update")
	}
	return sess, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM stream_sessions WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query user sessions")
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "scan session row")
		}
		sess, err := decode([]byte(doc))
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

func (s *SQLiteStore) ListUpdatedBefore(ctx context.Context, cutoffMs int64) ([]string, error) {
	return s.queryIDs(ctx, `SELECT session_id FROM stream_sessions WHERE updated_at < ?`, cutoffMs)
}

func (s *SQLiteStore) ListByTopic(ctx context.Context, topicID string) ([]string, error) {
	return s.queryIDs(ctx, `SELECT session_id FROM stream_sessions WHERE topic_id = ?`, topicID)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, arg any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query session ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan session id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate session ids")
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionIDs ...string) (int, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessionIDs)), ",")
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM stream_sessions WHERE session_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete sessions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "delete rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
