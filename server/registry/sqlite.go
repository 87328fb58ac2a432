package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/san-kum/stroke-risk/server/ml"
)

var (
	ErrNotFound      = errors.New("model version not found")
	ErrVersionExists = errors.New("model version already registered")
)

// ModelRecord is one registered artifact/metadata pair. Blobs are only
// populated by Get and Active.
type ModelRecord struct {
	ID        int64     `json:"id"`
	Version   string    `json:"version"`
	Threshold float64   `json:"threshold"`
	Active    bool      `json:"active"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Artifact  []byte    `json:"-"`
	Metadata  []byte    `json:"-"`
}

// Store keeps versioned model artifacts in SQLite so a reload can pick a
// version without shipping files to every host.
type Store struct {
	db *sql.DB
}

func NewStore(dataSourceName string) (*Store, error) {
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	if dbDir := filepath.Dir(dbPath); dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating registry directory: %w", err)
		}
	}

	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error opening registry: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
    CREATE TABLE IF NOT EXISTS models (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        version TEXT NOT NULL UNIQUE,
        threshold REAL NOT NULL,
        active INTEGER NOT NULL DEFAULT 0,
        notes TEXT,
        artifact BLOB NOT NULL,
        metadata BLOB NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_models_active ON models(active);
    `)
	return err
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Register validates the pair by building a bundle from it, then stores it
// inactive.
func (s *Store) Register(ctx context.Context, version string, artifact, metadata []byte, notes string) (*ModelRecord, error) {
	if version == "" {
		return nil, fmt.Errorf("version is required")
	}
	bundle, err := ml.NewLocalBundle(artifact, metadata, "registry:"+version)
	if err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", version, err)
	}

	rec := &ModelRecord{
		Version:   version,
		Threshold: bundle.Metadata.Threshold,
		Notes:     notes,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO models (version, threshold, active, notes, artifact, metadata, created_at) VALUES (?, ?, 0, ?, ?, ?, ?)",
		rec.Version, rec.Threshold, rec.Notes, artifact, metadata, rec.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, fmt.Errorf("%w: %s", ErrVersionExists, version)
		}
		return nil, fmt.Errorf("error inserting model: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

// Activate marks version as the one served on the next load.
func (s *Store) Activate(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM models WHERE version = ?", version).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	if err != nil {
		return fmt.Errorf("error looking up model: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE models SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("error deactivating models: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE models SET active = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("error activating model: %w", err)
	}
	return tx.Commit()
}

const recordColumns = "id, version, threshold, active, COALESCE(notes, ''), created_at"

func (s *Store) Get(ctx context.Context, version string) (*ModelRecord, error) {
	return s.queryOne(ctx, "SELECT "+recordColumns+", artifact, metadata FROM models WHERE version = ?", version)
}

func (s *Store) Active(ctx context.Context) (*ModelRecord, error) {
	return s.queryOne(ctx, "SELECT "+recordColumns+", artifact, metadata FROM models WHERE active = 1 LIMIT 1")
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*ModelRecord, error) {
	var rec ModelRecord
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.Version, &rec.Threshold, &rec.Active, &rec.Notes, &rec.CreatedAt,
		&rec.Artifact, &rec.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading model: %w", err)
	}
	return &rec, nil
}

// List returns every version, newest first, without blobs.
func (s *Store) List(ctx context.Context) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM models ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}
	defer rows.Close()

	var out []ModelRecord
	for rows.Next() {
		var rec ModelRecord
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Threshold, &rec.Active, &rec.Notes, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning model: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadBundle builds a bundle for version, or for the active version when
// version is empty. The registry version wins over the metadata's own.
func (s *Store) LoadBundle(ctx context.Context, version string) (*ml.Bundle, error) {
	var (
		rec *ModelRecord
		err error
	)
	if version == "" {
		rec, err = s.Active(ctx)
	} else {
		rec, err = s.Get(ctx, version)
	}
	if err != nil {
		return nil, err
	}

	bundle, err := ml.NewLocalBundle(rec.Artifact, rec.Metadata, "registry:"+rec.Version)
	if err != nil {
		return nil, err
	}
	bundle.Metadata.ModelVersion = rec.Version
	return bundle, nil
}
