package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"carbon-ingest/internal/model"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLite
// ------------------------------------------------------------
// Store backed by a single sqlite file.
//
//   - one connection; sqlite serializes writers anyway and this keeps
//     per connection pragmas (busy_timeout) in effect everywhere
//   - one transaction per SaveRecord: record, bucket upsert, user insert
type SQLite struct {
	db   *sql.DB
	path string
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := &SQLite{db: db, path: path}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(context.Background(), p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS network_calls (
		uid TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		manually_calculated INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_network_calls_user ON network_calls(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS usage_days (
		date INTEGER PRIMARY KEY,
		co2 REAL NOT NULL DEFAULT 0,
		kwh REAL NOT NULL DEFAULT 0,
		size REAL NOT NULL DEFAULT 0,
		number_of_calls REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY
	);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLite) SaveRecord(ctx context.Context, rec model.NetworkCallRecord, day int64, usage model.Usage) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO network_calls (uid, user_id, type, url, host, headers, timestamp, size, manually_calculated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UID, rec.UserID, string(rec.Type), rec.URL, rec.Host, rec.Headers,
		rec.Timestamp, rec.Size, rec.ManuallyCalculated,
	); err != nil {
		return fmt.Errorf("insert network call: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO usage_days (date, co2, kwh, size, number_of_calls)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			co2 = co2 + excluded.co2,
			kwh = kwh + excluded.kwh,
			size = size + excluded.size,
			number_of_calls = number_of_calls + excluded.number_of_calls`,
		day, usage.CO2, usage.KWH, usage.Size, usage.NumberOfCalls,
	); err != nil {
		return fmt.Errorf("upsert usage day: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO users (id) VALUES (?)`, rec.UserID); err != nil {
		return fmt.Errorf("register user: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const recordColumns = `uid, user_id, type, url, host, headers, timestamp, size, manually_calculated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.NetworkCallRecord, error) {
	var (
		rec  model.NetworkCallRecord
		kind string
	)
	err := row.Scan(&rec.UID, &rec.UserID, &kind, &rec.URL, &rec.Host, &rec.Headers,
		&rec.Timestamp, &rec.Size, &rec.ManuallyCalculated)
	rec.Type = model.ContentKind(kind)
	return rec, err
}

func (s *SQLite) GetRecord(ctx context.Context, uid string) (model.NetworkCallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM network_calls WHERE uid = ?`, uid)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NetworkCallRecord{}, ErrNotFound
	}
	if err != nil {
		return model.NetworkCallRecord{}, fmt.Errorf("get network call: %w", err)
	}
	return rec, nil
}

func (s *SQLite) UpdateRecord(ctx context.Context, rec model.NetworkCallRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE network_calls
		SET user_id = ?, type = ?, url = ?, host = ?, headers = ?, timestamp = ?, size = ?, manually_calculated = ?
		WHERE uid = ?`,
		rec.UserID, string(rec.Type), rec.URL, rec.Host, rec.Headers,
		rec.Timestamp, rec.Size, rec.ManuallyCalculated, rec.UID,
	)
	if err != nil {
		return fmt.Errorf("update network call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update network call: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) RecordsForUser(ctx context.Context, userID string) ([]model.NetworkCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM network_calls WHERE user_id = ? ORDER BY timestamp, uid`, userID)
	if err != nil {
		return nil, fmt.Errorf("query network calls: %w", err)
	}
	defer rows.Close()

	out := make([]model.NetworkCallRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan network call: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) BucketsSince(ctx context.Context, since int64) ([]model.UsageBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, co2, kwh, size, number_of_calls
		FROM usage_days WHERE date >= ? ORDER BY date`, since)
	if err != nil {
		return nil, fmt.Errorf("query usage days: %w", err)
	}
	defer rows.Close()

	out := make([]model.UsageBucket, 0)
	for rows.Next() {
		var b model.UsageBucket
		if err := rows.Scan(&b.Date, &b.CO2, &b.KWH, &b.Size, &b.NumberOfCalls); err != nil {
			return nil, fmt.Errorf("scan usage day: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
