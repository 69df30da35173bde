// Package store persists connectors, linked files and organizations in a
// relational database through bun. SQLite backs development and tests,
// Postgres production; the stores are dialect-agnostic.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/pockettdocs/backend/internal/model"
)

// Open connects to the database identified by driver ("sqlite3" or "postgres")
// and dsn.
func Open(driver, dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch driver {
	case "postgres":
		return bun.NewDB(sqldb, pgdialect.New()), nil
	case "sqlite3":
		// A single connection keeps the in-memory database alive for tests.
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	default:
		sqldb.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// InitSchema creates the tables and the composite unique index backing the
// StoreConnection upsert. Safe to call repeatedly.
func InitSchema(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*model.Organization)(nil),
		(*model.OrganizationMember)(nil),
		(*model.Connector)(nil),
		(*model.LinkedFile)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", m, err)
		}
	}

	if _, err := db.NewCreateIndex().
		Model((*model.Connector)(nil)).
		Index("idx_connectors_org_account").
		Unique().
		IfNotExists().
		Column("organization_id", "account_user_id").
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create connector unique index: %w", err)
	}
	return nil
}
