package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const logTable = "prompts"

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrations are applied in order, each in its own transaction. Steps never
// drop or rename columns and never rewrite existing rows. Every step must be
// safe against a database that already has its effect, since databases
// created before schema_migrations existed carry no version history.
var migrations = []migration{
	{
		version: 1,
		name:    "create_prompts",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+logTable+` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				question TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`)
			return err
		},
	},
	{
		version: 2,
		name:    "add_answer",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			return addColumnIfMissing(ctx, tx, logTable, "answer", "TEXT")
		},
	},
	{
		version: 3,
		name:    "add_requester",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			return addColumnIfMissing(ctx, tx, logTable, "requester", "TEXT")
		},
	},
}

func latestVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate brings the schema up to date and returns the versions it applied.
func migrate(ctx context.Context, db *sql.DB) ([]int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	applied := []int{}
	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		if err := runMigration(ctx, db, m); err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		applied = append(applied, m.version)
	}
	return applied, nil
}

func runMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := m.apply(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version,
		m.name,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	cols, err := tableColumns(ctx, tx, table)
	if err != nil {
		return err
	}
	if cols[column] {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}
