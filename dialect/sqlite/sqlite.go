// Package sqlite registers the SQLite dialect backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/schema"
)

func init() {
	dialect.Register("sqlite", Dialect{})
}

// Dialect targets SQLite databases
type Dialect struct {
	dialect.Standard
}

func (Dialect) Name() string       { return "sqlite" }
func (Dialect) DriverName() string { return "sqlite" }

const tableInfoSQL = `SELECT name, type, "notnull", CASE WHEN pk > 0 THEN 1 ELSE 0 END
FROM pragma_table_info(?, ?) ORDER BY cid`

func (Dialect) ReadTable(ctx context.Context, q dialect.Querier, catalog, schemaName, name string) (*schema.Table, error) {
	attached := schemaName
	if attached == "" {
		attached = "main"
	}
	return dialect.ReadColumns(ctx, q, "", schemaName, name, tableInfoSQL, name, attached)
}

// Classify uses extended result codes and falls back to the message text
// for errors that carry only the primary SQLITE_CONSTRAINT code
func (Dialect) Classify(err error) dialect.ErrorKind {
	if err == nil {
		return dialect.ErrorOther
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return dialect.ErrorUniqueViolation
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return dialect.ErrorForeignKeyViolation
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"), strings.Contains(msg, "PRIMARY KEY must be unique"):
		return dialect.ErrorUniqueViolation
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return dialect.ErrorForeignKeyViolation
	}
	return dialect.ErrorOther
}
