// Package dialect hides the differences between target databases: driver
// names, placeholders, identifier quoting, metadata lookup and the
// classification of constraint violations.
//
// Engines live in sub-packages that register themselves from init():
//
//	import _ "github.com/mevdschee/tqdbsync/dialect/sqlite"
package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mevdschee/tqdbsync/schema"
)

// ErrUnknownDialect is returned by Lookup for unregistered names
var ErrUnknownDialect = errors.New("unknown dialect")

// ErrorKind classifies an error raised by a statement
type ErrorKind int

const (
	ErrorOther ErrorKind = iota
	ErrorUniqueViolation
	ErrorForeignKeyViolation
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorUniqueViolation:
		return "unique violation"
	case ErrorForeignKeyViolation:
		return "foreign key violation"
	default:
		return "other"
	}
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Dialect describes one target database engine
type Dialect interface {
	// Name is the registry key
	Name() string
	// DriverName is the database/sql driver used by Open
	DriverName() string
	// Placeholder returns the bind marker for the n-th (1-based) argument
	Placeholder(n int) string
	QuoteIdentifier(name string) string
	// ReadTable returns the columns of a target table, or nil when the
	// table does not exist
	ReadTable(ctx context.Context, q Querier, catalog, schemaName, name string) (*schema.Table, error)
	// Classify maps a driver error to an ErrorKind
	Classify(err error) ErrorKind
	// AbortsOnError reports whether a failed statement poisons the
	// enclosing transaction until a savepoint is rolled back
	AbortsOnError() bool
	// Savepoint returns the statements creating, rolling back and
	// releasing a savepoint; release may be empty
	Savepoint(name string) (create, rollback, release string)
}

// DSNRewriter is implemented by dialects that need driver options forced
// on every connection
type DSNRewriter interface {
	RewriteDSN(dsn string) (string, error)
}

var (
	mu       sync.RWMutex
	dialects = map[string]Dialect{}
)

// Register makes a dialect available by name. Registering a name twice panics.
func Register(name string, d Dialect) {
	mu.Lock()
	defer mu.Unlock()

	if name == "" {
		panic("dialect: Register called with empty name")
	}
	if d == nil {
		panic("dialect: Register called with nil dialect")
	}
	if _, exists := dialects[name]; exists {
		panic(fmt.Sprintf("dialect: already registered for name=%q", name))
	}
	dialects[name] = d
}

// Lookup returns the dialect registered under name
func Lookup(name string) (Dialect, error) {
	mu.RLock()
	d := dialects[name]
	mu.RUnlock()

	if d == nil {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownDialect, name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names returns the registered dialect names in sorted order
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open looks up a dialect and opens a database handle with its driver
func Open(name, dsn string) (*sql.DB, Dialect, error) {
	d, err := Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	if rw, ok := d.(DSNRewriter); ok {
		if dsn, err = rw.RewriteDSN(dsn); err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", name, err)
		}
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}
	return db, d, nil
}

// QuoteTable quotes each non-empty part of a qualified table name
func QuoteTable(d Dialect, catalog, schemaName, name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{catalog, schemaName, name} {
		if p != "" {
			parts = append(parts, d.QuoteIdentifier(p))
		}
	}
	return strings.Join(parts, ".")
}

// LookupTable reads a table, retrying with lower and upper case names for
// engines that fold unquoted identifiers
func LookupTable(ctx context.Context, d Dialect, q Querier, catalog, schemaName, name string) (*schema.Table, error) {
	tried := map[string]bool{}
	for _, candidate := range []string{name, strings.ToLower(name), strings.ToUpper(name)} {
		if tried[candidate] {
			continue
		}
		tried[candidate] = true
		t, err := d.ReadTable(ctx, q, catalog, schemaName, candidate)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

// ReadColumns runs a metadata query returning (name, type, not null, primary key)
// rows and builds a table from them. No rows means the table does not exist.
func ReadColumns(ctx context.Context, q Querier, catalog, schemaName, name, query string, args ...any) (*schema.Table, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read metadata for %s: %w", name, err)
	}
	defer rows.Close()

	t := &schema.Table{Catalog: catalog, Schema: schemaName, Name: name}
	for rows.Next() {
		var (
			c       schema.Column
			notNull int
			pk      int
		)
		if err := rows.Scan(&c.Name, &c.TypeName, &notNull, &pk); err != nil {
			return nil, fmt.Errorf("scan metadata for %s: %w", name, err)
		}
		c.Type = schema.TypeFromName(c.TypeName)
		c.Required = notNull != 0
		c.PrimaryKey = pk != 0
		t.Columns = append(t.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, nil
	}
	return t, nil
}

// Standard implements the parts of Dialect shared by most engines:
// double-quoted identifiers, "?" placeholders and SQL standard savepoints.
// Engines embed it and override what differs.
type Standard struct{}

func (Standard) Placeholder(int) string { return "?" }

func (Standard) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Standard) AbortsOnError() bool { return false }

func (Standard) Savepoint(name string) (string, string, string) {
	return "SAVEPOINT " + name, "ROLLBACK TO SAVEPOINT " + name, "RELEASE SAVEPOINT " + name
}
