// Package postgres registers PostgreSQL dialects for both lib/pq ("postgres")
// and the pgx database/sql driver ("pgx").
package postgres

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/schema"
)

func init() {
	dialect.Register("postgres", Dialect{driver: "postgres"})
	dialect.Register("pgx", Dialect{driver: "pgx"})
}

// SQLSTATE codes of interest
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Dialect targets PostgreSQL through the configured driver
type Dialect struct {
	dialect.Standard
	driver string
}

func (d Dialect) Name() string       { return d.driver }
func (d Dialect) DriverName() string { return d.driver }

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// AbortsOnError is true: after any error PostgreSQL rejects every statement
// until the transaction or a savepoint is rolled back
func (Dialect) AbortsOnError() bool { return true }

const columnsSQL = `SELECT c.column_name, c.data_type,
  CASE WHEN c.is_nullable = 'NO' THEN 1 ELSE 0 END,
  CASE WHEN k.column_name IS NULL THEN 0 ELSE 1 END
FROM information_schema.columns c
LEFT JOIN (
  SELECT ku.table_schema, ku.table_name, ku.column_name
  FROM information_schema.table_constraints tc
  JOIN information_schema.key_column_usage ku
    ON tc.constraint_name = ku.constraint_name
   AND tc.table_schema = ku.table_schema
   AND tc.table_name = ku.table_name
  WHERE tc.constraint_type = 'PRIMARY KEY'
) k ON k.table_schema = c.table_schema AND k.table_name = c.table_name AND k.column_name = c.column_name
WHERE c.table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND c.table_name = $2
ORDER BY c.ordinal_position`

func (Dialect) ReadTable(ctx context.Context, q dialect.Querier, catalog, schemaName, name string) (*schema.Table, error) {
	return dialect.ReadColumns(ctx, q, catalog, schemaName, name, columnsSQL, schemaName, name)
}

func (Dialect) Classify(err error) dialect.ErrorKind {
	var code string
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	case errors.As(err, &pgErr):
		code = pgErr.Code
	}
	switch code {
	case uniqueViolation:
		return dialect.ErrorUniqueViolation
	case foreignKeyViolation:
		return dialect.ErrorForeignKeyViolation
	}
	return dialect.ErrorOther
}
