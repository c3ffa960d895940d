// Package mssql registers the SQL Server dialect.
package mssql

import (
	"context"
	"errors"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/schema"
)

func init() {
	dialect.Register("sqlserver", Dialect{})
}

// Server error numbers of interest
const (
	errPrimaryKeyViolation = 2627
	errUniqueIndex         = 2601
	errConstraintConflict  = 547
)

// Dialect targets Microsoft SQL Server
type Dialect struct {
	dialect.Standard
}

func (Dialect) Name() string       { return "sqlserver" }
func (Dialect) DriverName() string { return "sqlserver" }

func (Dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

func (Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// Savepoint uses SAVE TRANSACTION; SQL Server has no release statement
func (Dialect) Savepoint(name string) (string, string, string) {
	return "SAVE TRANSACTION " + name, "ROLLBACK TRANSACTION " + name, ""
}

const columnsSQL = `SELECT c.COLUMN_NAME, c.DATA_TYPE,
  CASE WHEN c.IS_NULLABLE = 'NO' THEN 1 ELSE 0 END,
  CASE WHEN k.COLUMN_NAME IS NULL THEN 0 ELSE 1 END
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN (
  SELECT ku.TABLE_SCHEMA, ku.TABLE_NAME, ku.COLUMN_NAME
  FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
  JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku
    ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME AND tc.TABLE_SCHEMA = ku.TABLE_SCHEMA
  WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
) k ON k.TABLE_SCHEMA = c.TABLE_SCHEMA AND k.TABLE_NAME = c.TABLE_NAME AND k.COLUMN_NAME = c.COLUMN_NAME
WHERE c.TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND c.TABLE_NAME = @p2
ORDER BY c.ORDINAL_POSITION`

func (Dialect) ReadTable(ctx context.Context, q dialect.Querier, catalog, schemaName, name string) (*schema.Table, error) {
	return dialect.ReadColumns(ctx, q, catalog, schemaName, name, columnsSQL, schemaName, name)
}

// Classify treats error 547 as a foreign key violation; it is also raised
// for CHECK constraints, which are equally ineligible for fallback
func (Dialect) Classify(err error) dialect.ErrorKind {
	var me mssql.Error
	if !errors.As(err, &me) {
		return dialect.ErrorOther
	}
	switch me.Number {
	case errPrimaryKeyViolation, errUniqueIndex:
		return dialect.ErrorUniqueViolation
	case errConstraintConflict:
		return dialect.ErrorForeignKeyViolation
	}
	return dialect.ErrorOther
}
