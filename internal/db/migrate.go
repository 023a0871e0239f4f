package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

// schema holds the DDL for every table the Store touches.
//
//go:embed schema.sql
var schema string

// Migrate applies the bundled schema. Every statement is IF NOT EXISTS, so
// running it against an already provisioned database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	// pgx runs an argument-less Exec over the simple protocol, which accepts
	// several statements at once.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
