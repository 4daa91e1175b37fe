package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/your-org/trackgraph/internal/graph"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS edges (
	delta  INTEGER NOT NULL,
	weight REAL    NOT NULL,
	src    INTEGER NOT NULL,
	dst    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS edges_src_dst ON edges (src, dst);
`

// SQLiteEdgeWriter exports edge records to a single-file SQLite database,
// one row per edge in (delta, weight, src, dst) layout.
type SQLiteEdgeWriter struct {
	db *sql.DB
}

// OpenSQLiteEdgeWriter opens (or creates) the database at path.
func OpenSQLiteEdgeWriter(path string) (*SQLiteEdgeWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteEdgeWriter{db: db}, nil
}

// Write appends records in one transaction.
func (w *SQLiteEdgeWriter) Write(ctx context.Context, records []graph.EdgeRecord) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO edges (delta, weight, src, dst) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Delta, r.Weight, r.Src, r.Dst); err != nil {
			return fmt.Errorf("insert edge %d→%d: %w", r.Src, r.Dst, err)
		}
	}
	return tx.Commit()
}

// Edges reads back every stored record in (src, dst) order.
func (w *SQLiteEdgeWriter) Edges(ctx context.Context) ([]graph.EdgeRecord, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT delta, weight, src, dst FROM edges ORDER BY src, dst`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []graph.EdgeRecord
	for rows.Next() {
		var r graph.EdgeRecord
		if err := rows.Scan(&r.Delta, &r.Weight, &r.Src, &r.Dst); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (w *SQLiteEdgeWriter) Close() error {
	return w.db.Close()
}
