package blobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// SQLiteStore implements the Store interface using SQLite as the underlying
// data store. File content lives as BLOBs keyed by path with an integer
// revision counter per row; conditional writes are plain compare-and-swap
// UPDATE/DELETE statements. Commit messages are retained in a write_log
// table, standing in for the history a git-backed store keeps. Suitable for
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore backed by the given database file
// path. It opens the database, applies performance PRAGMAs, and creates the
// required tables.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite library database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite library database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blobs (
			path TEXT    NOT NULL PRIMARY KEY,
			data BLOB    NOT NULL,
			rev  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS write_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			path       TEXT    NOT NULL,
			op         TEXT    NOT NULL,
			message    TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating library schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// parseSQLiteRev decodes a revision produced by this backend.
func parseSQLiteRev(path string, rev Revision) (int64, error) {
	n, err := strconv.ParseInt(string(rev), 10, 64)
	if err != nil || n <= 0 {
		return 0, apierr.Newf(apierr.KindInvalidArgument, "malformed revision %q for %s", rev, path)
	}
	return n, nil
}

// logWrite appends a write_log row inside the given transaction.
func logWrite(ctx context.Context, tx *sql.Tx, path, op, message string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO write_log (path, op, message, created_at) VALUES (?, ?, ?, ?)`,
		path, op, message, time.Now().UnixMilli(),
	)
	return err
}

// Read returns the blob at path, or (nil, nil) when absent.
func (s *SQLiteStore) Read(ctx context.Context, path string) (*Blob, error) {
	var data []byte
	var rev int64

	err := s.db.QueryRowContext(ctx,
		`SELECT data, rev FROM blobs WHERE path = ?`, path,
	).Scan(&data, &rev)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "reading %s", path)
	}
	return &Blob{Data: data, Rev: Revision(strconv.FormatInt(rev, 10))}, nil
}

// Stat returns the revision of path, or ("", nil) when absent.
func (s *SQLiteStore) Stat(ctx context.Context, path string) (Revision, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT rev FROM blobs WHERE path = ?`, path,
	).Scan(&rev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "checking %s", path)
	}
	return Revision(strconv.FormatInt(rev, 10)), nil
}

// Create inserts a new row for path, failing with a conflict when one
// already exists.
func (s *SQLiteStore) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "creating %s", path)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs (path, data, rev) VALUES (?, ?, 1)`,
		path, data,
	)
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "creating %s", path)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "creating %s", path)
	}
	if n == 0 {
		return "", apierr.Newf(apierr.KindConflict, "path already exists: %s", path)
	}

	if err := logWrite(ctx, tx, path, "create", message); err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "logging create of %s", path)
	}
	if err := tx.Commit(); err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "creating %s", path)
	}
	return Revision("1"), nil
}

// Update overwrites path when rev matches the stored revision counter.
func (s *SQLiteStore) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	expected, err := parseSQLiteRev(path, rev)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "updating %s", path)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE blobs SET data = ?, rev = rev + 1 WHERE path = ? AND rev = ?`,
		data, path, expected,
	)
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "updating %s", path)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "updating %s", path)
	}
	if n == 0 {
		// Distinguish a stale revision from a missing path.
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs WHERE path = ?`, path).Scan(&exists)
		if err != nil {
			return "", apierr.Wrapf(apierr.KindTransient, err, "updating %s", path)
		}
		if exists == 0 {
			return "", apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
		}
		return "", apierr.Newf(apierr.KindConflict, "revision mismatch for %s", path)
	}

	if err := logWrite(ctx, tx, path, "update", message); err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "logging update of %s", path)
	}
	if err := tx.Commit(); err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "updating %s", path)
	}
	return Revision(strconv.FormatInt(expected+1, 10)), nil
}

// Delete removes path when rev matches the stored revision counter.
func (s *SQLiteStore) Delete(ctx context.Context, path string, rev Revision, message string) error {
	expected, err := parseSQLiteRev(path, rev)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "deleting %s", path)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM blobs WHERE path = ? AND rev = ?`,
		path, expected,
	)
	if err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "deleting %s", path)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "deleting %s", path)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs WHERE path = ?`, path).Scan(&exists)
		if err != nil {
			return apierr.Wrapf(apierr.KindTransient, err, "deleting %s", path)
		}
		if exists == 0 {
			return apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
		}
		return apierr.Newf(apierr.KindConflict, "revision mismatch for %s", path)
	}

	if err := logWrite(ctx, tx, path, "delete", message); err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "logging delete of %s", path)
	}
	if err := tx.Commit(); err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "deleting %s", path)
	}
	return nil
}

// ReadPublic returns the content of path. The SQLite store has no separate
// public surface, so this is Read with a not-found error for absent paths.
func (s *SQLiteStore) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	b, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	}
	return b.Data, nil
}

// likeEscape escapes LIKE metacharacters so prefix matches literally.
func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// List returns all stored paths under prefix in lexicographic order.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM blobs WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		likeEscape(prefix)+"%",
	)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "listing %s", prefix)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apierr.Wrapf(apierr.KindTransient, err, "listing %s", prefix)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "listing %s", prefix)
	}
	return paths, nil
}

// HealthCheck verifies that the SQLite database is operational.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	var n int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

// Ensure SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)
