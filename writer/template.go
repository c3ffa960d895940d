package writer

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/schema"
)

// RequiredFieldNullSubstitute replaces NULL in NOT NULL text columns
const RequiredFieldNullSubstitute = " "

// DmlType is the kind of statement a template builds
type DmlType int

const (
	DmlInsert DmlType = iota
	DmlUpdate
	DmlDelete
	dmlSelect
)

func (t DmlType) String() string {
	switch t {
	case DmlInsert:
		return "INSERT"
	case DmlUpdate:
		return "UPDATE"
	case DmlDelete:
		return "DELETE"
	case dmlSelect:
		return "SELECT"
	}
	return "UNKNOWN"
}

// Status is the result class of executing a statement
type Status int

const (
	// Applied means the statement ran; Rows holds the affected row count
	Applied Status = iota
	// Conflict means the statement hit a constraint violation; Kind tells which
	Conflict
	// Failed means the statement raised an error that is not a constraint violation
	Failed
)

// Outcome is the result of one statement execution
type Outcome struct {
	Status Status
	Rows   int64
	Kind   dialect.ErrorKind
	Err    error
}

// Statement is a compiled DML statement and the columns it binds, in order
type Statement struct {
	Type    DmlType
	SQL     string
	Columns []schema.Column
	Keys    []schema.Column
}

// Condition narrows the WHERE clause of an UPDATE or DELETE beyond the
// key columns. An equality condition matches Value, or NULL when Value is
// NULL. A Before condition matches rows whose column is NULL or lower
// than Value.
type Condition struct {
	Column string
	Value  sql.NullString
	Before bool
}

// predicate is a resolved WHERE term
type predicate struct {
	col    schema.Column
	value  sql.NullString
	before bool
}

func (p predicate) bound() bool {
	return p.before || p.value.Valid
}

// Template applies row events of one source table to its target table.
// Statements are cached per DML type and column set. A template belongs
// to one writer and is not safe for concurrent use.
type Template struct {
	dialect       dialect.Dialect
	settings      Settings
	source        *schema.Table
	target        *schema.Table
	columnFilters []ColumnFilter
	statements    map[string]*Statement
	log           zerolog.Logger
}

// NewTemplate creates a template mapping source onto target
func NewTemplate(d dialect.Dialect, settings Settings, source, target *schema.Table, columnFilters []ColumnFilter, log zerolog.Logger) *Template {
	return &Template{
		dialect:       d,
		settings:      settings,
		source:        source,
		target:        target,
		columnFilters: columnFilters,
		statements:    make(map[string]*Statement),
		log:           log,
	}
}

// Source returns the table as declared by the batch
func (t *Template) Source() *schema.Table { return t.source }

// Target returns the table as read from the database
func (t *Template) Target() *schema.Table { return t.target }

// CachedStatements returns the number of compiled statements
func (t *Template) CachedStatements() int { return len(t.statements) }

// Insert binds values to the declared columns and inserts a row
func (t *Template) Insert(ctx context.Context, wc *Context, values csvdata.Fields) (Outcome, error) {
	names := t.source.ColumnNames()
	if len(values) != len(names) {
		return Outcome{}, fmt.Errorf("%w: %d values for %d columns of %s", ErrValueCount, len(values), len(names), t.source.FullyQualifiedName())
	}
	names, values = t.filterColumns(wc, DmlInsert, names, values)
	cols, vals := t.resolve(names, values)
	if len(cols) == 0 {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoColumns, t.target.FullyQualifiedName())
	}
	stmt := t.statement(DmlInsert, cols, nil)
	args, err := t.bind(wc, cols, vals, nil)
	if err != nil {
		return Outcome{}, err
	}
	return t.exec(ctx, wc.Tx, stmt, args), nil
}

// Update sets the declared columns of the row identified by keys. When
// old data is given, only the columns whose value changed are set.
func (t *Template) Update(ctx context.Context, wc *Context, values, keys, old csvdata.Fields) (Outcome, error) {
	return t.UpdateWhere(ctx, wc, values, keys, old, nil)
}

// UpdateWhere is Update with extra conditions on the matched row
func (t *Template) UpdateWhere(ctx context.Context, wc *Context, values, keys, old csvdata.Fields, conds []Condition) (Outcome, error) {
	names := t.source.ColumnNames()
	keyNames := t.source.KeyNames()
	if len(values) != len(names) {
		return Outcome{}, fmt.Errorf("%w: %d values for %d columns of %s", ErrValueCount, len(values), len(names), t.source.FullyQualifiedName())
	}
	if len(keys) != len(keyNames) {
		return Outcome{}, fmt.Errorf("%w: %d key values for %d keys of %s", ErrValueCount, len(keys), len(keyNames), t.source.FullyQualifiedName())
	}

	setNames, setValues := names, values
	if t.settings.UseOldDataForUpdate && len(old) == len(values) {
		var changedNames []string
		var changedValues csvdata.Fields
		for i := range names {
			if values[i] != old[i] {
				changedNames = append(changedNames, names[i])
				changedValues = append(changedValues, values[i])
			}
		}
		if len(changedNames) > 0 {
			setNames, setValues = changedNames, changedValues
		}
	}
	if t.settings.DontIncludeKeysInUpdate {
		setNames, setValues = withoutKeys(setNames, setValues, keyNames)
	}

	setNames, setValues = t.filterColumns(wc, DmlUpdate, setNames, setValues)
	setCols, setVals := t.resolve(setNames, setValues)
	where := t.where(keyNames, keys, conds)
	if len(where) == 0 {
		return Outcome{}, fmt.Errorf("%w: no key columns for %s", ErrNoColumns, t.target.FullyQualifiedName())
	}
	if len(setCols) == 0 {
		// Nothing left to set; assign the keys so the row count still tells
		// whether the row exists
		setCols, setVals = t.resolve(keyNames, keys)
	}

	stmt := t.statement(DmlUpdate, setCols, where)
	args, err := t.bind(wc, setCols, setVals, where)
	if err != nil {
		return Outcome{}, err
	}
	return t.exec(ctx, wc.Tx, stmt, args), nil
}

// Delete removes the row identified by keys
func (t *Template) Delete(ctx context.Context, wc *Context, keys csvdata.Fields) (Outcome, error) {
	return t.DeleteWhere(ctx, wc, keys, nil)
}

// DeleteWhere is Delete with extra conditions on the matched row
func (t *Template) DeleteWhere(ctx context.Context, wc *Context, keys csvdata.Fields, conds []Condition) (Outcome, error) {
	keyNames := t.source.KeyNames()
	if len(keys) != len(keyNames) {
		return Outcome{}, fmt.Errorf("%w: %d key values for %d keys of %s", ErrValueCount, len(keys), len(keyNames), t.source.FullyQualifiedName())
	}
	where := t.where(keyNames, keys, conds)
	if len(where) == 0 {
		return Outcome{}, fmt.Errorf("%w: no key columns for %s", ErrNoColumns, t.target.FullyQualifiedName())
	}
	stmt := t.statement(DmlDelete, nil, where)
	args, err := t.bind(wc, nil, nil, where)
	if err != nil {
		return Outcome{}, err
	}
	return t.exec(ctx, wc.Tx, stmt, args), nil
}

// Exists reports whether the row identified by keys is present
func (t *Template) Exists(ctx context.Context, wc *Context, keys csvdata.Fields) (bool, error) {
	keyNames := t.source.KeyNames()
	if len(keys) != len(keyNames) {
		return false, fmt.Errorf("%w: %d key values for %d keys of %s", ErrValueCount, len(keys), len(keyNames), t.source.FullyQualifiedName())
	}
	where := t.where(keyNames, keys, nil)
	if len(where) == 0 {
		return false, fmt.Errorf("%w: no key columns for %s", ErrNoColumns, t.target.FullyQualifiedName())
	}
	stmt := t.statement(dmlSelect, nil, where)
	args, err := t.bind(wc, nil, nil, where)
	if err != nil {
		return false, err
	}
	var one int
	err = wc.Tx.QueryRowContext(ctx, stmt.SQL, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select from %s: %w", t.target.FullyQualifiedName(), err)
	}
	return true, nil
}

// where resolves the key columns and extra conditions against the target
func (t *Template) where(keyNames []string, keys csvdata.Fields, conds []Condition) []predicate {
	keyCols, keyVals := t.resolve(keyNames, keys)
	if len(keyCols) == 0 {
		return nil
	}
	preds := make([]predicate, 0, len(keyCols)+len(conds))
	for i, c := range keyCols {
		preds = append(preds, predicate{col: c, value: keyVals[i]})
	}
	for _, c := range conds {
		col, ok := t.target.Column(c.Column)
		if !ok {
			continue
		}
		if c.Before && !c.Value.Valid {
			continue
		}
		preds = append(preds, predicate{col: col, value: c.Value, before: c.Before})
	}
	return preds
}

// KeyValues picks the declared key values out of a full row
func (t *Template) KeyValues(values csvdata.Fields) (csvdata.Fields, error) {
	keyNames := t.source.KeyNames()
	keys := make(csvdata.Fields, len(keyNames))
	for i, k := range keyNames {
		idx := t.source.ColumnIndex(k)
		if idx < 0 || idx >= len(values) {
			return nil, fmt.Errorf("%w: key %s is not among the columns of %s", ErrNoColumns, k, t.source.FullyQualifiedName())
		}
		keys[i] = values[idx]
	}
	return keys, nil
}

func (t *Template) filterColumns(wc *Context, dml DmlType, names []string, values csvdata.Fields) ([]string, csvdata.Fields) {
	if len(t.columnFilters) == 0 {
		return names, values
	}
	names = append([]string(nil), names...)
	values = values.Clone()
	for _, f := range t.columnFilters {
		names, values = f.FilterColumns(wc, dml, t.source, names, values)
	}
	return names, values
}

// resolve maps declared names onto target columns, dropping names the
// target does not have together with their values
func (t *Template) resolve(names []string, values csvdata.Fields) ([]schema.Column, csvdata.Fields) {
	cols := make([]schema.Column, 0, len(names))
	vals := make(csvdata.Fields, 0, len(names))
	for i, n := range names {
		col, ok := t.target.Column(n)
		if !ok {
			t.log.Debug().Str("table", t.target.FullyQualifiedName()).Str("column", n).Msg("Dropping column missing from target")
			continue
		}
		cols = append(cols, col)
		if i < len(values) {
			vals = append(vals, values[i])
		} else {
			vals = append(vals, csvdata.Null)
		}
	}
	return cols, vals
}

func withoutKeys(names []string, values csvdata.Fields, keys []string) ([]string, csvdata.Fields) {
	outNames := make([]string, 0, len(names))
	outValues := make(csvdata.Fields, 0, len(values))
	for i, n := range names {
		isKey := false
		for _, k := range keys {
			if strings.EqualFold(n, k) {
				isKey = true
				break
			}
		}
		if !isKey {
			outNames = append(outNames, n)
			outValues = append(outValues, values[i])
		}
	}
	return outNames, outValues
}

// statement returns the cached statement for the column set, compiling
// it on first use. NULL keys compare with IS NULL, so their positions
// are part of the cache key.
func (t *Template) statement(dml DmlType, cols []schema.Column, where []predicate) *Statement {
	var key strings.Builder
	key.WriteString(dml.String())
	key.WriteByte('|')
	for _, c := range cols {
		key.WriteString(c.Name)
		key.WriteByte(',')
	}
	key.WriteByte('|')
	for _, p := range where {
		key.WriteString(p.col.Name)
		switch {
		case p.before:
			key.WriteString(" <")
		case !p.value.Valid:
			key.WriteString(" IS NULL")
		}
		key.WriteByte(',')
	}
	if s, ok := t.statements[key.String()]; ok {
		return s
	}

	table := dialect.QuoteTable(t.dialect, t.target.Catalog, t.target.Schema, t.target.Name)
	n := 0
	next := func() string {
		n++
		return t.dialect.Placeholder(n)
	}

	var b strings.Builder
	switch dml {
	case DmlInsert:
		b.WriteString("INSERT INTO ")
		b.WriteString(table)
		b.WriteString(" (")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(t.dialect.QuoteIdentifier(c.Name))
		}
		b.WriteString(") VALUES (")
		for i := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(next())
		}
		b.WriteString(")")
	case DmlUpdate:
		b.WriteString("UPDATE ")
		b.WriteString(table)
		b.WriteString(" SET ")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(t.dialect.QuoteIdentifier(c.Name))
			b.WriteString(" = ")
			b.WriteString(next())
		}
		t.writeWhere(&b, where, next)
	case DmlDelete:
		b.WriteString("DELETE FROM ")
		b.WriteString(table)
		t.writeWhere(&b, where, next)
	case dmlSelect:
		b.WriteString("SELECT 1 FROM ")
		b.WriteString(table)
		t.writeWhere(&b, where, next)
	}

	keys := make([]schema.Column, len(where))
	for i, p := range where {
		keys[i] = p.col
	}
	s := &Statement{Type: dml, SQL: b.String(), Columns: cols, Keys: keys}
	t.statements[key.String()] = s
	t.log.Debug().Str("table", t.target.FullyQualifiedName()).Str("sql", s.SQL).Msg("Compiled statement")
	return s
}

func (t *Template) writeWhere(b *strings.Builder, where []predicate, next func() string) {
	b.WriteString(" WHERE ")
	for i, p := range where {
		if i > 0 {
			b.WriteString(" AND ")
		}
		name := t.dialect.QuoteIdentifier(p.col.Name)
		switch {
		case p.before:
			b.WriteString("(")
			b.WriteString(name)
			b.WriteString(" IS NULL OR ")
			b.WriteString(name)
			b.WriteString(" < ")
			b.WriteString(next())
			b.WriteString(")")
		case !p.value.Valid:
			b.WriteString(name)
			b.WriteString(" IS NULL")
		default:
			b.WriteString(name)
			b.WriteString(" = ")
			b.WriteString(next())
		}
	}
}

// bind converts values to driver arguments: all set/insert values, then
// the values of the bound WHERE terms
func (t *Template) bind(wc *Context, cols []schema.Column, vals csvdata.Fields, where []predicate) ([]any, error) {
	enc := batch.EncodingNone
	if wc != nil && wc.Batch != nil {
		enc = wc.Batch.Encoding
	}
	args := make([]any, 0, len(cols)+len(where))
	for i, c := range cols {
		v, err := ConvertValue(c, vals[i], enc)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	for _, p := range where {
		if !p.bound() {
			continue
		}
		v, err := ConvertValue(p.col, p.value, enc)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func (t *Template) exec(ctx context.Context, tx *sql.Tx, stmt *Statement, args []any) Outcome {
	res, err := tx.ExecContext(ctx, stmt.SQL, args...)
	if err != nil {
		kind := t.dialect.Classify(err)
		if kind == dialect.ErrorOther {
			return Outcome{Status: Failed, Kind: kind, Err: err}
		}
		return Outcome{Status: Conflict, Kind: kind, Err: err}
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Outcome{Status: Failed, Err: err}
	}
	return Outcome{Status: Applied, Rows: rows}
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ConvertValue turns a CSV value into a driver argument for the column type
func ConvertValue(col schema.Column, v sql.NullString, enc batch.BinaryEncoding) (any, error) {
	if !v.Valid {
		if col.Required && col.Type == schema.TypeText {
			return RequiredFieldNullSubstitute, nil
		}
		return nil, nil
	}
	s := v.String
	switch col.Type {
	case schema.TypeInteger:
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, nil
		}
		return s, nil
	case schema.TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "t", "y", "yes":
			return true, nil
		case "0", "false", "f", "n", "no":
			return false, nil
		}
		return nil, fmt.Errorf("column %s: invalid boolean %q", col.Name, s)
	case schema.TypeBinary:
		switch enc {
		case batch.EncodingBase64:
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			return b, nil
		case batch.EncodingHex:
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			return b, nil
		}
		return []byte(s), nil
	case schema.TypeDate, schema.TypeTimestamp:
		trimmed := strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, trimmed); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("column %s: invalid date %q", col.Name, s)
	}
	return s, nil
}
