package store

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// DefaultSchema is the PostgreSQL schema used when none is configured.
const DefaultSchema = "chat"

// SchemaDDL renders the embedded DDL for schema.
func SchemaDDL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return "", errors.New("store: invalid schema identifier")
	}
	return strings.ReplaceAll(schemaSQL, "__SCHEMA__", pgx.Identifier{schema}.Sanitize()), nil
}

// ApplySchema creates the chat tables if they do not exist. It is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("store: nil pool")
	}
	ddl, err := SchemaDDL(schema)
	if err != nil {
		return err
	}
	// Simple protocol so the multi-statement script runs in one round trip.
	_, err = pool.Exec(ctx, ddl, pgx.QueryExecModeSimpleProtocol)
	return err
}
