// Package store persists fit jobs and their results in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a fit record does not exist.
var ErrNotFound = errors.New("fit record not found")

// Record is one persisted fit job.
type Record struct {
	ID          string
	Status      string
	Success     bool
	TotalStat   float64
	Backend     string
	Model       json.RawMessage // fitted parameter summary
	RequestHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store wraps the SQLite database holding fit records.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at the given DSN.
func Open(dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fits (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		total_stat REAL,
		backend TEXT,
		model JSON,
		request BLOB,
		request_hash TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fits_status ON fits(status);
	CREATE INDEX IF NOT EXISTS idx_fits_request_hash ON fits(request_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new fit record in the given status, archiving the
// raw request compressed alongside its checksum.
func (s *Store) Create(ctx context.Context, id, status string, request []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fits (id, status, request, request_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, status, Compress(request), Checksum(request), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert fit %s: %w", id, err)
	}
	return nil
}

// UpdateStatus moves a record to a new status.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fits SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update fit %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// SaveResult records the terminal outcome of a fit.
func (s *Store) SaveResult(ctx context.Context, id, status string, success bool, totalStat float64, backend string, model json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fits
		SET status = ?, success = ?, total_stat = ?, backend = ?, model = ?, updated_at = ?
		WHERE id = ?
	`, status, success, totalStat, backend, []byte(model), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to save result for fit %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Get loads one fit record.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, success, total_stat, backend, model, request_hash, created_at, updated_at
		FROM fits WHERE id = ?
	`, id)

	var (
		rec       Record
		totalStat sql.NullFloat64
		backend   sql.NullString
		modelJSON []byte
	)
	err := row.Scan(&rec.ID, &rec.Status, &rec.Success, &totalStat, &backend,
		&modelJSON, &rec.RequestHash, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fit %s: %w", id, err)
	}
	rec.TotalStat = totalStat.Float64
	rec.Backend = backend.String
	rec.Model = modelJSON
	return &rec, nil
}

// Request loads and decompresses the archived request payload of a fit.
func (s *Store) Request(ctx context.Context, id string) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT request FROM fits WHERE id = ?`, id).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request for fit %s: %w", id, err)
	}
	return Decompress(compressed)
}

// List returns the most recent records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, success, total_stat, backend, model, request_hash, created_at, updated_at
		FROM fits ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fits: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			rec       Record
			totalStat sql.NullFloat64
			backend   sql.NullString
			modelJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.Success, &totalStat, &backend,
			&modelJSON, &rec.RequestHash, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fit: %w", err)
		}
		rec.TotalStat = totalStat.Float64
		rec.Backend = backend.String
		rec.Model = modelJSON
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
