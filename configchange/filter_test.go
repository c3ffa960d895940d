package configchange_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqdbsync/cache"
	"github.com/mevdschee/tqdbsync/configchange"
	"github.com/mevdschee/tqdbsync/dialect"
	_ "github.com/mevdschee/tqdbsync/dialect/sqlite"
	"github.com/mevdschee/tqdbsync/processor"
	"github.com/mevdschee/tqdbsync/reader"
	"github.com/mevdschee/tqdbsync/writer"
)

type calls struct {
	flushed    []string
	syncIDs    [][]string
	syncAll    int
	restarts   int
	parameters int
}

func setup(t *testing.T, prefix string) (*writer.DatabaseWriter, *calls) {
	t.Helper()
	db, d, err := dialect.Open("sqlite", filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, ddl := range []string{
		`CREATE TABLE sym_channel (channel_id VARCHAR(20) PRIMARY KEY, enabled INTEGER)`,
		`CREATE TABLE sym_parameter (param_key VARCHAR(50) PRIMARY KEY, param_value VARCHAR(50))`,
		`CREATE TABLE sym_trigger (trigger_id VARCHAR(20) PRIMARY KEY, source_table_name VARCHAR(50))`,
		`CREATE TABLE sym_router (router_id VARCHAR(20) PRIMARY KEY)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY)`,
	} {
		_, err := db.Exec(ddl)
		require.NoError(t, err)
	}

	c := &calls{}
	registry := cache.NewRegistry()
	for _, name := range []string{configchange.CacheChannels, configchange.CacheNodes} {
		name := name
		registry.Register(name, cache.FlushFunc(func() { c.flushed = append(c.flushed, name) }))
	}
	f := configchange.New(prefix, configchange.Actions{
		SyncTriggers: func(_ context.Context, ids []string) error {
			c.syncIDs = append(c.syncIDs, ids)
			return nil
		},
		SyncAllTriggers:  func(context.Context) error { c.syncAll++; return nil },
		RestartJobs:      func(context.Context) error { c.restarts++; return nil },
		RereadParameters: func(context.Context) error { c.parameters++; return nil },
		Caches:           registry,
	})
	return writer.NewDatabaseWriter(db, d, writer.DefaultSettings(), writer.WithFilters(f)), c
}

func run(t *testing.T, w *writer.DatabaseWriter, stream string) error {
	t.Helper()
	_, err := processor.New(reader.New(strings.NewReader(stream)), w).Process(context.Background())
	return err
}

func TestFilter_ActsOncePerBatch(t *testing.T) {
	w, c := setup(t, "")
	stream := `batch,1
table,sym_channel
keys,channel_id
columns,channel_id,enabled
insert,"a","1"
insert,"b","1"
table,sym_trigger
keys,trigger_id
columns,trigger_id,source_table_name
insert,"t2","orders"
insert,"t1","items"
table,sym_parameter
keys,param_key
columns,param_key,param_value
insert,"job.purge.period","10"
insert,"other","x"
table,orders
keys,id
columns,id
insert,"1"
commit,1
`
	require.NoError(t, run(t, w, stream))

	assert.Equal(t, []string{configchange.CacheChannels}, c.flushed)
	assert.Equal(t, [][]string{{"t1", "t2"}}, c.syncIDs)
	assert.Equal(t, 0, c.syncAll)
	assert.Equal(t, 1, c.parameters)
	assert.Equal(t, 1, c.restarts)
}

func TestFilter_DeleteTriggerResyncsAll(t *testing.T) {
	w, c := setup(t, "sym")
	stream := `batch,1
table,sym_trigger
keys,trigger_id
columns,trigger_id,source_table_name
insert,"t1","orders"
delete,"t1"
table,sym_router
keys,router_id
columns,router_id
insert,"r1"
commit,1
`
	require.NoError(t, run(t, w, stream))
	assert.Equal(t, 1, c.syncAll)
	assert.Empty(t, c.syncIDs)
}

func TestFilter_NothingOnRollback(t *testing.T) {
	w, c := setup(t, "")
	stream := `batch,1
table,sym_channel
keys,channel_id
columns,channel_id,enabled
insert,"a","1"
table,sym_parameter
keys,param_key
columns,param_key,param_value
insert,"p","1"
table,orders
keys,id
columns,id
insert,"1","too many"
commit,1
`
	require.Error(t, run(t, w, stream))

	assert.Empty(t, c.flushed)
	assert.Equal(t, 0, c.parameters)

	// A later successful batch does not see the discarded changes
	require.NoError(t, run(t, w, "batch,2\ntable,orders\nkeys,id\ncolumns,id\ninsert,\"2\"\ncommit,2\n"))
	assert.Empty(t, c.flushed)
}

func TestFilter_SQLEvents(t *testing.T) {
	w, c := setup(t, "")
	stream := `batch,1
table,orders
keys,id
columns,id
sql,"UPDATE sym_channel SET enabled = 0"
sql,"DELETE FROM sym_trigger WHERE trigger_id = 'x'"
sql,"UPDATE orders SET id = id"
commit,1
`
	require.NoError(t, run(t, w, stream))
	assert.Equal(t, []string{configchange.CacheChannels}, c.flushed)
	assert.Equal(t, 1, c.syncAll)
	assert.Equal(t, 0, c.parameters)
}

func TestFilter_CustomPrefix(t *testing.T) {
	w, c := setup(t, "other")
	stream := "batch,1\ntable,sym_channel\nkeys,channel_id\ncolumns,channel_id,enabled\ninsert,\"a\",\"1\"\ncommit,1\n"
	require.NoError(t, run(t, w, stream))
	assert.Empty(t, c.flushed)
}
