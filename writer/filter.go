package writer

import (
	"context"

	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/schema"
)

// Filter sees every row event around its application. Filters run in
// registration order; the first BeforeWrite returning false skips the row.
type Filter interface {
	BeforeWrite(ctx context.Context, wc *Context, table *schema.Table, data *csvdata.Data) (bool, error)
	AfterWrite(ctx context.Context, wc *Context, table *schema.Table, data *csvdata.Data) error
}

// BatchFilter is implemented by filters that react to batch boundaries.
// BatchComplete runs before the commit and may fail the batch;
// BatchCommitted runs after the commit, BatchRolledBack after a rollback.
type BatchFilter interface {
	BatchComplete(ctx context.Context, wc *Context) error
	BatchCommitted(ctx context.Context, wc *Context)
	BatchRolledBack(ctx context.Context, wc *Context, err error)
}

// ColumnFilter rewrites the columns bound by a statement. It receives
// the column names and values in matching order and returns the pair to
// use instead; dropping a name drops the column from the statement.
// Key columns of UPDATE and DELETE are not filtered.
type ColumnFilter interface {
	FilterColumns(wc *Context, dml DmlType, table *schema.Table, columns []string, values csvdata.Fields) ([]string, csvdata.Fields)
}

// ColumnFilterFunc adapts a function to ColumnFilter
type ColumnFilterFunc func(wc *Context, dml DmlType, table *schema.Table, columns []string, values csvdata.Fields) ([]string, csvdata.Fields)

func (f ColumnFilterFunc) FilterColumns(wc *Context, dml DmlType, table *schema.Table, columns []string, values csvdata.Fields) ([]string, csvdata.Fields) {
	return f(wc, dml, table, columns, values)
}

// DropColumns returns a column filter removing the named columns
func DropColumns(names ...string) ColumnFilter {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	return ColumnFilterFunc(func(_ *Context, _ DmlType, _ *schema.Table, columns []string, values csvdata.Fields) ([]string, csvdata.Fields) {
		outNames := make([]string, 0, len(columns))
		outValues := make(csvdata.Fields, 0, len(values))
		for i, c := range columns {
			if !drop[c] {
				outNames = append(outNames, c)
				outValues = append(outValues, values[i])
			}
		}
		return outNames, outValues
	})
}
