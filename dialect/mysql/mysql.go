// Package mysql registers the MySQL / MariaDB dialect.
package mysql

import (
	"context"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/schema"
)

func init() {
	dialect.Register("mysql", Dialect{})
}

// Server error numbers of interest
const (
	errDupEntry         = 1062
	errRowIsReferenced  = 1451
	errNoReferencedRow  = 1452
	errRowIsReferenced1 = 1217
	errNoReferencedRow1 = 1216
)

// Dialect targets MySQL and MariaDB
type Dialect struct {
	dialect.Standard
}

func (Dialect) Name() string       { return "mysql" }
func (Dialect) DriverName() string { return "mysql" }

// RewriteDSN enables clientFoundRows so updates report matched rather than
// changed rows; an update writing identical values must not look missing
func (Dialect) RewriteDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func (Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

const columnsSQL = `SELECT column_name, data_type,
  CASE WHEN is_nullable = 'NO' THEN 1 ELSE 0 END,
  CASE WHEN column_key = 'PRI' THEN 1 ELSE 0 END
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
ORDER BY ordinal_position`

// ReadTable treats the catalog as the database name, falling back to the schema
func (Dialect) ReadTable(ctx context.Context, q dialect.Querier, catalog, schemaName, name string) (*schema.Table, error) {
	database := catalog
	if database == "" {
		database = schemaName
	}
	return dialect.ReadColumns(ctx, q, catalog, schemaName, name, columnsSQL, database, name)
}

func (Dialect) Classify(err error) dialect.ErrorKind {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return dialect.ErrorOther
	}
	switch me.Number {
	case errDupEntry:
		return dialect.ErrorUniqueViolation
	case errRowIsReferenced, errNoReferencedRow, errRowIsReferenced1, errNoReferencedRow1:
		return dialect.ErrorForeignKeyViolation
	}
	return dialect.ErrorOther
}
