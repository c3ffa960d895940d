package writer

import (
	"database/sql"
	"sort"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/schema"
)

// Context is the state of one batch as seen by filters. It is created
// when the batch starts and discarded when it ends.
type Context struct {
	Batch *batch.Batch
	// Table is the source table of the current section, nil between sections
	Table *schema.Table
	Tx    *sql.Tx

	values map[string]any
}

func newContext(b *batch.Batch, tx *sql.Tx) *Context {
	return &Context{Batch: b, Tx: tx, values: make(map[string]any)}
}

// Get returns a value stored by a filter
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Put stores a value for the rest of the batch
func (c *Context) Put(key string, value any) {
	c.values[key] = value
}

// Remove deletes a stored value and returns it
func (c *Context) Remove(key string) (any, bool) {
	v, ok := c.values[key]
	delete(c.values, key)
	return v, ok
}

// Keys returns the stored keys in sorted order
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
