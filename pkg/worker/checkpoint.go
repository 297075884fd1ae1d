package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Checkpoint records per-item progress of one batch in a SQLite database
// on the shared filesystem. A retry attempt of the same batch reopens the
// database and skips every item an earlier attempt already processed,
// reusing the recorded output rows.
//
// The task lease guarantees a single writer per batch, so no cross-process
// locking beyond SQLite's own is needed.
type Checkpoint struct {
	db *sqlx.DB
}

// CheckpointRow is one processed item. Output is nil when the handler
// produced no row for the item.
type CheckpointRow struct {
	Index  int    `db:"item_index"`
	Output []byte `db:"output"`
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS items (
	item_index INTEGER NOT NULL PRIMARY KEY,
	output     BLOB
);`

// OpenCheckpoint opens the checkpoint database for a (job, batch) pair,
// creating directories and schema as needed.
func OpenCheckpoint(dir, jobID, batchID string) (*Checkpoint, error) {
	jobDir := filepath.Join(dir, jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", filepath.Join(jobDir, batchID+".db"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Rows returns all processed items ordered by item index.
func (c *Checkpoint) Rows(ctx context.Context) ([]CheckpointRow, error) {
	var rows []CheckpointRow
	err := c.db.SelectContext(ctx, &rows,
		"SELECT item_index, output FROM items ORDER BY item_index;")
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return rows, nil
}

// Record marks one item as processed. Re-recording an index overwrites the
// earlier row, which keeps Record idempotent across a crashed publish.
func (c *Checkpoint) Record(ctx context.Context, index int, output []byte) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO items (item_index, output) VALUES (?, ?);",
		index, output)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpoint) Close() error {
	return c.db.Close()
}
