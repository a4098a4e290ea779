package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeefy/askrelay/internal/models"
)

const selectColumns = "id, question, answer, requester, created_at"

// SQLiteStore is the durable Store backed by a single SQLite file. It holds
// one connection for the life of the process.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	applied []int
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending schema migrations before returning.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(abs))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	applied, err := migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: abs, applied: applied}, nil
}

// sqliteDSN builds a file: URI so '?' and '#' in the path are escaped
// rather than read as the start of the query or fragment.
func sqliteDSN(absPath string) string {
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(absPath),
		RawQuery: "_pragma=busy_timeout(5000)",
	}
	return u.String()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

// Applied returns the migration versions applied by OpenSQLite.
func (s *SQLiteStore) Applied() []int {
	out := make([]int, len(s.applied))
	copy(out, s.applied)
	return out
}

func (s *SQLiteStore) Create(ctx context.Context, question, requester string) (int64, error) {
	if question == "" {
		return 0, errors.New("empty question")
	}
	res, err := s.db.ExecContext(
		ctx,
		"INSERT INTO "+logTable+" (question, requester) VALUES (?, ?)",
		question,
		normalizeRequester(requester),
	)
	if err != nil {
		return 0, fmt.Errorf("insert log entry: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) SetAnswer(ctx context.Context, id int64, answer string) error {
	res, err := s.db.ExecContext(
		ctx,
		"UPDATE "+logTable+" SET answer = ? WHERE id = ? AND answer IS NULL",
		answer,
		id,
	)
	if err != nil {
		return fmt.Errorf("update log entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM "+logTable+" WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAnswerAlreadySet
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.LogEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM "+logTable+" WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) List(ctx context.Context, offset, limit int) ([]*models.LogEntry, error) {
	offset, limit = normalizePage(offset, limit)
	rows, err := s.db.QueryContext(
		ctx,
		"SELECT "+selectColumns+" FROM "+logTable+" ORDER BY id DESC LIMIT ? OFFSET ?",
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.LogEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+logTable).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*models.LogEntry, error) {
	var (
		e         models.LogEntry
		answer    sql.NullString
		requester sql.NullString
		created   sql.NullString
	)
	if err := r.Scan(&e.ID, &e.Question, &answer, &requester, &created); err != nil {
		return nil, err
	}
	if answer.Valid {
		a := answer.String
		e.Answer = &a
	}
	e.Requester = requester.String
	if created.Valid {
		e.CreatedAt = parseTimestamp(created.String)
	}
	return &e, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts both SQLite's CURRENT_TIMESTAMP text and the
// RFC 3339 form the driver produces for TIMESTAMP columns.
func parseTimestamp(v string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
