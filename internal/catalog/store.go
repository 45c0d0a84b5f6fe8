// Package catalog keeps a record of downloaded models in sqlite. It is
// informational: route availability always comes from the models directory.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS models (
  route TEXT PRIMARY KEY,
  dir TEXT NOT NULL,
  source TEXT NOT NULL DEFAULT '',
  downloaded_at DATETIME NOT NULL,
  size_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS model_files (
  route TEXT NOT NULL,
  name TEXT NOT NULL,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  blake2b TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (route, name)
);
`)
	return err
}

// RecordDownload upserts a model and replaces its file list.
func (s *Store) RecordDownload(ctx context.Context, m ModelRecord) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO models(route, dir, source, downloaded_at, size_bytes)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(route) DO UPDATE SET
  dir=excluded.dir,
  source=excluded.source,
  downloaded_at=excluded.downloaded_at,
  size_bytes=excluded.size_bytes;
`, m.Route, m.Dir, m.Source, m.DownloadedAt.UTC(), m.SizeBytes); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM model_files WHERE route=?;", m.Route); err != nil {
		return err
	}
	for _, f := range m.Files {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO model_files(route, name, size_bytes, blake2b) VALUES(?, ?, ?, ?);
`, m.Route, f.Name, f.SizeBytes, f.Digest); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, route string) (ModelRecord, bool, error) {
	if s == nil || s.db == nil {
		return ModelRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT route, dir, source, downloaded_at, size_bytes
FROM models WHERE route=?;
`, route)

	var m ModelRecord
	err := row.Scan(&m.Route, &m.Dir, &m.Source, &m.DownloadedAt, &m.SizeBytes)
	if err == sql.ErrNoRows {
		return ModelRecord{}, false, nil
	}
	if err != nil {
		return ModelRecord{}, false, err
	}

	files, err := s.files(ctx, route)
	if err != nil {
		return ModelRecord{}, false, err
	}
	m.Files = files
	return m, true, nil
}

func (s *Store) files(ctx context.Context, route string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, size_bytes, blake2b FROM model_files WHERE route=? ORDER BY name ASC;
`, route)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Name, &f.SizeBytes, &f.Digest); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// List returns all recorded models without their file lists.
func (s *Store) List(ctx context.Context) ([]ModelRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT route, dir, source, downloaded_at, size_bytes
FROM models
ORDER BY route ASC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelRecord
	for rows.Next() {
		var m ModelRecord
		if err := rows.Scan(&m.Route, &m.Dir, &m.Source, &m.DownloadedAt, &m.SizeBytes); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, route string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM model_files WHERE route=?;", route); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM models WHERE route=?;", route)
	return err
}
