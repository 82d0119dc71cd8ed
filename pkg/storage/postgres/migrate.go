package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/platinummonkey/commune/pkg/storage"
)

//go:embed schema.sql
var schemaTemplate string

// Schema renders the schema for the given dialect
func Schema(dialect storage.Dialect) string {
	id, ts := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	if dialect == storage.SQLite {
		// mattn/go-sqlite3 only decodes columns declared TIMESTAMP into time.Time
		id, ts = "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	}
	return strings.NewReplacer("{{ID}}", id, "{{TS}}", ts).Replace(schemaTemplate)
}

// Migrate creates every table that does not exist yet
func Migrate(ctx context.Context, db *sql.DB, dialect storage.Dialect) error {
	if _, err := db.ExecContext(ctx, Schema(dialect)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
