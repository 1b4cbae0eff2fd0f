package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4
	defaultQueryTimeout = 5 * time.Second
)

// SQLite keeps one row per page. A commit is one SQL transaction.
type SQLite struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite backend needs a path")
	}
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pages (
		n INTEGER PRIMARY KEY,
		data BLOB NOT NULL
	);
	`
	_, err = s.db.Exec(query)
	return err
}
func (s *SQLite) ReadPage(ctx context.Context, n uint64, buf []byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var data []byte
	err := s.db.QueryRowContext(queryCtx, `SELECT data FROM pages WHERE n = ?`, int64(n)).Scan(&data)
	if err == sql.ErrNoRows {
		zero(buf)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "db read page %d", n)
	}
	if err := checkLen(len(data), len(buf)); err != nil {
		return err
	}
	copy(buf, data)
	return nil
}
func (s *SQLite) Commit(ctx context.Context, pages map[uint64][]byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(queryCtx, `
	INSERT INTO pages (n, data) VALUES (?, ?)
	ON CONFLICT(n) DO UPDATE SET data = excluded.data
	`)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()
	for _, n := range sortedPages(pages) {
		if _, err := stmt.ExecContext(queryCtx, int64(n), pages[n]); err != nil {
			return errors.Wrapf(err, "db write page %d", n)
		}
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
