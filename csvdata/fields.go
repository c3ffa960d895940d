package csvdata

import "database/sql"

// Fields is an ordered list of nullable column values
type Fields []sql.NullString

// Null is the value of a NULL field
var Null = sql.NullString{}

// Value returns a non-null field holding s
func Value(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

// Strings builds Fields from non-null values
func Strings(values ...string) Fields {
	f := make(Fields, len(values))
	for i, v := range values {
		f[i] = Value(v)
	}
	return f
}

// Strings returns the values as plain strings, NULL becoming ""
func (f Fields) Strings() []string {
	out := make([]string, len(f))
	for i, v := range f {
		out[i] = v.String
	}
	return out
}

// Equal reports whether both lists hold the same values and nulls
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that can be modified without touching f
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	copy(out, f)
	return out
}
