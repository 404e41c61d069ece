package artifacts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one recorded capture run.
type Run struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Format    string    `json:"format"`
	Path      string    `json:"path"`
	Mode      string    `json:"mode"`
	Steps     int       `json:"steps"`
	Layers    int       `json:"layers"`
	CreatedAt time.Time `json:"created_at"`
}

// Index records runs in SQLite so the newest run of each model can be found
// without scanning the artifact tree.
type Index struct {
	db   *sql.DB
	path string
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		format TEXT NOT NULL,
		path TEXT NOT NULL,
		mode TEXT NOT NULL,
		steps INTEGER NOT NULL,
		layers INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_model ON runs(model, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Index{db: db, path: path}, nil
}

// Record inserts run, assigning an ID and creation time when unset.
func (i *Index) Record(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err := i.db.ExecContext(ctx,
		`INSERT INTO runs (id, model, format, path, mode, steps, layers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Model, run.Format, run.Path, run.Mode, run.Steps, run.Layers, run.CreatedAt.UnixNano())
	if err != nil {
		return Run{}, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// List returns runs newest first. An empty model lists every run.
func (i *Index) List(ctx context.Context, model string) ([]Run, error) {
	query := `SELECT id, model, format, path, mode, steps, layers, created_at FROM runs`
	var args []any
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var created int64
		if err := rows.Scan(&r.ID, &r.Model, &r.Format, &r.Path, &r.Mode, &r.Steps, &r.Layers, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.CreatedAt = time.Unix(0, created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Latest returns the newest run of model.
func (i *Index) Latest(ctx context.Context, model string) (Run, bool, error) {
	runs, err := i.List(ctx, model)
	if err != nil || len(runs) == 0 {
		return Run{}, false, err
	}
	return runs[0], true, nil
}

// Delete removes every run of model and returns how many were removed.
func (i *Index) Delete(ctx context.Context, model string) (int64, error) {
	res, err := i.db.ExecContext(ctx, `DELETE FROM runs WHERE model = ?`, model)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}
