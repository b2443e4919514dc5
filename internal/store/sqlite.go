package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stemfetch/internal/download"
	"stemfetch/internal/logging"

	"github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

// Record is one row of the job history: the last known state of a job token.
type Record struct {
	Token           string    `json:"token"`
	URL             string    `json:"url"`
	DestinationPath string    `json:"destination_path"`
	Status          string    `json:"status"`
	TotalBytes      *int64    `json:"total_bytes,omitempty"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	Error           string    `json:"error,omitempty"`
	Attempt         int       `json:"attempt"`
	Cleaned         bool      `json:"cleaned"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store wraps an sql.DB and provides typed helpers.
type Store struct {
	db *sql.DB
	qb squirrel.StatementBuilderType
}

var columns = []string{
	"token", "url", "destination_path", "status", "total_bytes",
	"downloaded_bytes", "error", "attempt", "cleaned", "created_at", "updated_at",
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db: db,
		qb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS job_history (
    token TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    destination_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    total_bytes INTEGER,
    downloaded_bytes INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    attempt INTEGER NOT NULL DEFAULT 1,
    cleaned INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_history_status ON job_history(status);
CREATE INDEX IF NOT EXISTS idx_job_history_created_at ON job_history(created_at);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// Upsert records the latest state of a job. Rows are keyed by token, so a
// retried job overwrites its previous attempt. A terminal row is only
// replaced by another terminal state or a later attempt, since start events
// may be delivered after the transfer already finished.
func (s *Store) Upsert(ctx context.Context, snap download.Snapshot) error {
	if strings.TrimSpace(snap.URL) == "" {
		return ErrEmptyURL
	}
	if snap.Token == "" {
		return ErrEmptyToken
	}
	var total any
	if snap.TotalBytes != nil {
		total = *snap.TotalBytes
	}
	updated := snap.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = updated
	}

	q := s.qb.Insert("job_history").
		Columns(columns...).
		Values(snap.Token, snap.URL, snap.DestinationPath, string(snap.Status), total,
			snap.DownloadedBytes, snap.Error, snap.Attempt, false,
			created.UnixNano(), updated.UnixNano()).
		Suffix(`ON CONFLICT(token) DO UPDATE SET
    url = excluded.url,
    destination_path = excluded.destination_path,
    status = excluded.status,
    total_bytes = excluded.total_bytes,
    downloaded_bytes = excluded.downloaded_bytes,
    error = excluded.error,
    attempt = excluded.attempt,
    updated_at = excluded.updated_at
WHERE job_history.status NOT IN ('completed', 'failed')
    OR excluded.status IN ('completed', 'failed')
    OR excluded.attempt > job_history.attempt`)

	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Get returns the record for a token.
func (s *Store) Get(ctx context.Context, token string) (Record, bool, error) {
	query, args, err := s.qb.Select(columns...).
		From("job_history").
		Where(squirrel.Eq{"token": token}).
		ToSql()
	if err != nil {
		return Record{}, false, err
	}
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Filter narrows a history listing.
type Filter struct {
	Status string // optional: any download.Status value
	Order  string // asc|desc by creation time, default desc
	Limit  int    // optional
	Offset int    // optional
}

// List returns history records filtered and sorted by creation time.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	order := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		order = "ASC"
	}
	q := s.qb.Select(columns...).
		From("job_history").
		OrderBy("created_at "+order, "token "+order)
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": strings.ToLower(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			q = q.Limit(math.MaxInt64)
		}
		q = q.Offset(uint64(f.Offset))
	}
	return s.query(ctx, q)
}

// FailedUncleaned returns failed jobs whose partial file has not been removed.
// Rows whose path was reused by a later job that did not fail are left out,
// since the file on disk now belongs to that job.
func (s *Store) FailedUncleaned(ctx context.Context) ([]Record, error) {
	q := s.qb.Select(columns...).
		From("job_history").
		Where(squirrel.Eq{"status": string(download.StatusFailed), "cleaned": false}).
		Where(squirrel.NotEq{"destination_path": ""}).
		Where(`NOT EXISTS (SELECT 1 FROM job_history later
			WHERE later.destination_path = job_history.destination_path
			AND later.created_at > job_history.created_at
			AND later.status <> ?)`, string(download.StatusFailed)).
		OrderBy("created_at ASC")
	return s.query(ctx, q)
}

// MarkCleaned flags a failed job's partial file as removed.
func (s *Store) MarkCleaned(ctx context.Context, token string) error {
	query, args, err := s.qb.Update("job_history").
		Set("cleaned", true).
		Set("updated_at", time.Now().UnixNano()).
		Where(squirrel.Eq{"token": token}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	logging.LogDBOperation("mark_cleaned", token, nil)
	return nil
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	query, args, err := s.qb.Select("status", "COUNT(*)").
		From("job_history").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q squirrel.SelectBuilder) ([]Record, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, 64)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r       Record
		total   sql.NullInt64
		created int64
		updated int64
	)
	err := row.Scan(&r.Token, &r.URL, &r.DestinationPath, &r.Status, &total,
		&r.DownloadedBytes, &r.Error, &r.Attempt, &r.Cleaned, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	if total.Valid {
		n := total.Int64
		r.TotalBytes = &n
	}
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	return r, nil
}
