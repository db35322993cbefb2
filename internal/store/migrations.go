package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"codeatlas/internal/logging"
)

// Migration adds a column to an existing table. Additive-only: columns
// are never dropped or retyped.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists schema migrations for databases created by
// earlier versions. Tables that don't exist yet are skipped; initialize()
// creates them with the full schema.
var pendingMigrations = []Migration{
	// Relationship resolution tracking (added with symbolic targets)
	{"relationships", "target_name", "TEXT"},
	{"relationships", "resolution_hint", "TEXT"},
	// Outbox retry accounting
	{"outbox", "attempts", "INTEGER NOT NULL DEFAULT 0"},
	// File size tracking for the batcher
	{"files", "size_bytes", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations applies pending additive migrations.
func RunMigrations(db *sql.DB) error {
	log := logging.Get(logging.CategoryStore)

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form; don't fail the boot.
			log.Warn("migration failed",
				zap.String("table", m.Table), zap.String("column", m.Column), zap.Error(err))
			continue
		}
		applied++
	}
	if applied > 0 {
		log.Info("schema migrations applied", zap.Int("count", applied))
	}
	return nil
}

// columnExists checks for a column using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks sqlite_master for the table.
func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&count)
	return err == nil && count > 0
}
