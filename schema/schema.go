package schema

import "strings"

// ColumnType is the value class used when binding column values
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInteger
	TypeNumeric
	TypeBoolean
	TypeBinary
	TypeDate
	TypeTime
	TypeTimestamp
)

// TypeFromName maps a database type name to its value class
func TypeFromName(typeName string) ColumnType {
	t := strings.ToUpper(typeName)
	switch {
	case strings.Contains(t, "BOOL"), t == "BIT":
		return TypeBoolean
	case strings.Contains(t, "TIMESTAMP"), strings.Contains(t, "DATETIME"):
		return TypeTimestamp
	case strings.Contains(t, "DATE"):
		return TypeDate
	case strings.HasPrefix(t, "TIME"):
		return TypeTime
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		return TypeText
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BINARY"), t == "BYTEA", t == "IMAGE":
		return TypeBinary
	case strings.Contains(t, "INT") && !strings.Contains(t, "INTERVAL") && !strings.Contains(t, "POINT"):
		return TypeInteger
	case strings.Contains(t, "DEC"), strings.Contains(t, "NUMERIC"), strings.Contains(t, "REAL"),
		strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"), strings.Contains(t, "MONEY"):
		return TypeNumeric
	}
	return TypeText
}

// Column describes one table column
type Column struct {
	Name       string
	TypeName   string
	Type       ColumnType
	PrimaryKey bool
	Required   bool
}

// Table describes a table as declared by a batch or read from a target database
type Table struct {
	Catalog string
	Schema  string
	Name    string
	Columns []Column
}

// New creates a table from declared key and column names. Keys that are
// not listed among the columns are appended to them.
func New(catalog, schemaName, name string, keys, columns []string) *Table {
	t := &Table{Catalog: catalog, Schema: schemaName, Name: name}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[strings.ToLower(k)] = true
	}
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[strings.ToLower(c)] = true
		t.Columns = append(t.Columns, Column{Name: c, PrimaryKey: isKey[strings.ToLower(c)]})
	}
	for _, k := range keys {
		if !seen[strings.ToLower(k)] {
			t.Columns = append(t.Columns, Column{Name: k, PrimaryKey: true})
		}
	}
	return t
}

// FullyQualifiedName joins the non-empty catalog, schema and table name with dots
func FullyQualifiedName(catalog, schemaName, name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{catalog, schemaName, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// FullyQualifiedName returns catalog.schema.name, skipping empty parts
func (t *Table) FullyQualifiedName() string {
	return FullyQualifiedName(t.Catalog, t.Schema, t.Name)
}

// ColumnNames returns all column names in declaration order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// KeyNames returns the primary key column names in declaration order
func (t *Table) KeyNames() []string {
	var names []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			names = append(names, c.Name)
		}
	}
	return names
}

// Column finds a column by case-insensitive name
func (t *Table) Column(name string) (Column, bool) {
	if i := t.ColumnIndex(name); i >= 0 {
		return t.Columns[i], true
	}
	return Column{}, false
}

// ColumnIndex returns the position of a column, or -1
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// IsKey reports whether the named column is part of the primary key
func (t *Table) IsKey(name string) bool {
	c, ok := t.Column(name)
	return ok && c.PrimaryKey
}

// Copy returns a deep copy of the table
func (t *Table) Copy() *Table {
	c := *t
	c.Columns = append([]Column(nil), t.Columns...)
	return &c
}
