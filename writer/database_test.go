package writer_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/cache"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/dialect"
	_ "github.com/mevdschee/tqdbsync/dialect/sqlite"
	"github.com/mevdschee/tqdbsync/schema"
	"github.com/mevdschee/tqdbsync/writer"
)

func openDB(t *testing.T, ddl ...string) (*sql.DB, dialect.Dialect) {
	t.Helper()
	db, d, err := dialect.Open("sqlite", filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range ddl {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db, d
}

func insertData(values ...string) *csvdata.Data {
	d := csvdata.New(csvdata.Insert)
	d.PutParsedData(csvdata.RowData, csvdata.Strings(values...))
	return d
}

func updateData(values, keys []string) *csvdata.Data {
	d := csvdata.New(csvdata.Update)
	d.PutParsedData(csvdata.RowData, csvdata.Strings(values...))
	d.PutParsedData(csvdata.PKData, csvdata.Strings(keys...))
	return d
}

func deleteData(keys ...string) *csvdata.Data {
	d := csvdata.New(csvdata.Delete)
	d.PutParsedData(csvdata.PKData, csvdata.Strings(keys...))
	return d
}

func rows(t *testing.T, db *sql.DB, query string) [][2]string {
	t.Helper()
	r, err := db.Query(query)
	require.NoError(t, err)
	defer r.Close()
	var out [][2]string
	for r.Next() {
		var a, b sql.NullString
		require.NoError(t, r.Scan(&a, &b))
		out = append(out, [2]string{a.String, b.String})
	}
	require.NoError(t, r.Err())
	return out
}

// apply runs one batch against table t(id, val) and returns its error
func apply(t *testing.T, w *writer.DatabaseWriter, id int64, events ...*csvdata.Data) (*batch.Batch, error) {
	t.Helper()
	return applyTable(t, w, id, schema.New("", "", "t", []string{"id"}, []string{"id", "val"}), events...)
}

// applyTable runs one batch of events for a single table section
func applyTable(t *testing.T, w *writer.DatabaseWriter, id int64, table *schema.Table, events ...*csvdata.Data) (*batch.Batch, error) {
	t.Helper()
	ctx := context.Background()
	b := batch.New(id, "default", "node1", batch.EncodingNone)
	require.NoError(t, w.Start(ctx, b))
	ok, err := w.StartTable(ctx, table)
	require.NoError(t, err)
	require.True(t, ok)
	var writeErr error
	for _, e := range events {
		if writeErr = w.Write(ctx, e); writeErr != nil {
			break
		}
	}
	require.NoError(t, w.EndTable(ctx, table))
	if err := w.End(ctx, b, writeErr != nil); err != nil && writeErr == nil {
		writeErr = err
	}
	return b, writeErr
}

const createT = `CREATE TABLE t (id INTEGER PRIMARY KEY, val VARCHAR(20))`

func TestDatabaseWriter_TwoInserts(t *testing.T) {
	db, d := openDB(t, createT)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	b, err := apply(t, w, 1, insertData("1", "foo"), insertData("2", "bar"))
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"1", "foo"}, {"2", "bar"}}, rows(t, db, `SELECT id, val FROM t ORDER BY id`))
	assert.Equal(t, int64(2), b.Stats.Get(batch.StatementCount))
	assert.Equal(t, int64(2), b.Stats.Get(batch.InsertCount))
}

func TestDatabaseWriter_Update(t *testing.T) {
	db, d := openDB(t, createT, `INSERT INTO t VALUES (1, 'old')`)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	b, err := apply(t, w, 2, updateData([]string{"1", "new"}, []string{"1"}))
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"1", "new"}}, rows(t, db, `SELECT id, val FROM t`))
	assert.Equal(t, int64(0), b.Stats.Get(batch.FallbackInsertCount))
	assert.Equal(t, int64(1), b.Stats.Get(batch.UpdateCount))
}

func TestDatabaseWriter_InsertFallbackToUpdate(t *testing.T) {
	db, d := openDB(t, createT, `INSERT INTO t VALUES (1, 'old')`)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	b, err := apply(t, w, 3, insertData("1", "new"))
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"1", "new"}}, rows(t, db, `SELECT id, val FROM t`))
	assert.Equal(t, int64(1), b.Stats.Get(batch.FallbackUpdateCount))
	assert.Equal(t, int64(1), b.Stats.Get(batch.StatementCount))
}

func TestDatabaseWriter_InsertConflictWithoutFallback(t *testing.T) {
	db, d := openDB(t, createT, `INSERT INTO t VALUES (1, 'old')`)
	settings := writer.DefaultSettings()
	settings.FallbackToUpdate = false
	w := writer.NewDatabaseWriter(db, d, settings)

	b, err := apply(t, w, 4, insertData("1", "new"))
	var conflict *writer.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, writer.DmlInsert, conflict.Operation)
	assert.False(t, conflict.FallbackAttempted)
	assert.Equal(t, "t", conflict.Table)
	assert.NotNil(t, conflict.Data)

	assert.Equal(t, [][2]string{{"1", "old"}}, rows(t, db, `SELECT id, val FROM t`))
	assert.Equal(t, int64(0), b.Stats.Get(batch.FallbackUpdateCount))
}

func TestDatabaseWriter_UpdateFallbackToInsert(t *testing.T) {
	db, d := openDB(t, createT)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	b, err := apply(t, w, 5, updateData([]string{"7", "x"}, []string{"7"}))
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"7", "x"}}, rows(t, db, `SELECT id, val FROM t`))
	assert.Equal(t, int64(1), b.Stats.Get(batch.FallbackInsertCount))
}

func TestDatabaseWriter_UpdateConflictWithoutFallback(t *testing.T) {
	db, d := openDB(t, createT)
	settings := writer.DefaultSettings()
	settings.FallbackToInsert = false
	w := writer.NewDatabaseWriter(db, d, settings)

	_, err := apply(t, w, 6, updateData([]string{"7", "x"}, []string{"7"}))
	var conflict *writer.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, writer.DmlUpdate, conflict.Operation)
	assert.ErrorIs(t, err, writer.ErrNoRowsAffected)
	assert.Empty(t, rows(t, db, `SELECT id, val FROM t`))
}

func TestDatabaseWriter_MissingDelete(t *testing.T) {
	db, d := openDB(t, createT)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	b, err := apply(t, w, 7, deleteData("9"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Stats.Get(batch.MissingDeleteCount))

	settings := writer.DefaultSettings()
	settings.AllowMissingDelete = false
	strict := writer.NewDatabaseWriter(db, d, settings)
	_, err = apply(t, strict, 8, deleteData("9"))
	var conflict *writer.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, writer.DmlDelete, conflict.Operation)
}

func TestDatabaseWriter_Delete(t *testing.T) {
	db, d := openDB(t, createT, `INSERT INTO t VALUES (1, 'a'), (2, 'b')`)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	b, err := apply(t, w, 9, deleteData("1"))
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"2", "b"}}, rows(t, db, `SELECT id, val FROM t`))
	assert.Equal(t, int64(1), b.Stats.Get(batch.DeleteCount))
	assert.Equal(t, int64(0), b.Stats.Get(batch.MissingDeleteCount))
}

func TestDatabaseWriter_RollbackOnError(t *testing.T) {
	db, d := openDB(t, createT, `INSERT INTO t VALUES (5, 'keep')`)
	settings := writer.DefaultSettings()
	settings.FallbackToUpdate = false
	w := writer.NewDatabaseWriter(db, d, settings)

	_, err := apply(t, w, 10, insertData("1", "a"), insertData("2", "b"), insertData("5", "clash"))
	require.Error(t, err)

	assert.Equal(t, [][2]string{{"5", "keep"}}, rows(t, db, `SELECT id, val FROM t`))
}

type vetoFilter struct {
	veto       string
	after      int
	committed  int
	rolledBack int
}

func (f *vetoFilter) BeforeWrite(_ context.Context, _ *writer.Context, _ *schema.Table, d *csvdata.Data) (bool, error) {
	row, err := d.ParsedData(csvdata.RowData)
	if err != nil {
		return false, err
	}
	return len(row) == 0 || row[0].String != f.veto, nil
}

func (f *vetoFilter) AfterWrite(context.Context, *writer.Context, *schema.Table, *csvdata.Data) error {
	f.after++
	return nil
}

func (f *vetoFilter) BatchComplete(context.Context, *writer.Context) error { return nil }

func (f *vetoFilter) BatchCommitted(context.Context, *writer.Context) { f.committed++ }

func (f *vetoFilter) BatchRolledBack(context.Context, *writer.Context, error) { f.rolledBack++ }

func TestDatabaseWriter_Filters(t *testing.T) {
	db, d := openDB(t, createT)
	f := &vetoFilter{veto: "2"}
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings(), writer.WithFilters(f))

	b, err := apply(t, w, 11, insertData("1", "a"), insertData("2", "b"), insertData("3", "c"))
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"1", "a"}, {"3", "c"}}, rows(t, db, `SELECT id, val FROM t ORDER BY id`))
	assert.Equal(t, int64(1), b.Stats.Get(batch.IgnoreCount))
	assert.Equal(t, int64(2), b.Stats.Get(batch.StatementCount))
	assert.Equal(t, 2, f.after)
	assert.Equal(t, 1, f.committed)
	assert.Equal(t, 0, f.rolledBack)

	settings := writer.DefaultSettings()
	settings.FallbackToUpdate = false
	strict := writer.NewDatabaseWriter(db, d, settings, writer.WithFilters(f))
	_, err = apply(t, strict, 12, insertData("1", "dup"))
	require.Error(t, err)
	assert.Equal(t, 1, f.rolledBack)
}

func TestDatabaseWriter_ColumnFilter(t *testing.T) {
	db, d := openDB(t, createT)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings(),
		writer.WithColumnFilter("t", writer.DropColumns("val")))

	_, err := apply(t, w, 13, insertData("1", "secret"))
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"1", ""}}, rows(t, db, `SELECT id, val FROM t`))
}

func TestDatabaseWriter_UnknownSourceColumnDropped(t *testing.T) {
	db, d := openDB(t, `CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	_, err := apply(t, w, 14, insertData("1", "ignored"))
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestDatabaseWriter_MissingTable(t *testing.T) {
	ctx := context.Background()
	db, d := openDB(t)
	table := schema.New("", "", "nope", []string{"id"}, []string{"id"})

	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())
	b := batch.New(15, "default", "node1", batch.EncodingNone)
	require.NoError(t, w.Start(ctx, b))
	ok, err := w.StartTable(ctx, table)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, w.End(ctx, b, false))

	settings := writer.DefaultSettings()
	settings.IgnoreMissingTables = false
	strict := writer.NewDatabaseWriter(db, d, settings)
	require.NoError(t, strict.Start(ctx, b))
	_, err = strict.StartTable(ctx, table)
	assert.ErrorIs(t, err, writer.ErrMissingTable)
	require.NoError(t, strict.End(ctx, b, true))
}

func TestDatabaseWriter_SQLAndCreateEvents(t *testing.T) {
	ctx := context.Background()
	db, d := openDB(t, createT)
	metadata, err := cache.New[*schema.Table](100, time.Hour)
	require.NoError(t, err)
	defer metadata.Close()
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings(), writer.WithMetadataCache(metadata))

	b := batch.New(16, "default", "node1", batch.EncodingNone)
	require.NoError(t, w.Start(ctx, b))
	table := schema.New("", "", "t", []string{"id"}, []string{"id", "val"})
	ok, err := w.StartTable(ctx, table)
	require.NoError(t, err)
	require.True(t, ok)

	create := csvdata.New(csvdata.Create)
	create.PutParsedData(csvdata.RowData, csvdata.Strings(`ALTER TABLE t ADD COLUMN extra VARCHAR(10)`))
	require.NoError(t, w.Write(ctx, create))

	stmt := csvdata.New(csvdata.SQL)
	stmt.PutParsedData(csvdata.RowData, csvdata.Strings(`/* replay */ UPDATE t SET extra = 'x'`))
	require.NoError(t, w.Write(ctx, stmt))

	bsh := csvdata.New(csvdata.BSH)
	bsh.PutParsedData(csvdata.RowData, csvdata.Strings(`print 1`))
	assert.ErrorIs(t, w.Write(ctx, bsh), writer.ErrUnsupportedEvent)

	require.NoError(t, w.EndTable(ctx, table))
	require.NoError(t, w.End(ctx, b, false))
	assert.Equal(t, int64(1), b.Stats.Get(batch.CreateCount))
	assert.Equal(t, int64(1), b.Stats.Get(batch.SQLCount))

	cached, ok := metadata.Get("sqlite:t")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "val", "extra"}, cached.ColumnNames())
}

func TestDatabaseWriter_StateErrors(t *testing.T) {
	ctx := context.Background()
	db, d := openDB(t, createT)
	w := writer.NewDatabaseWriter(db, d, writer.DefaultSettings())

	assert.ErrorIs(t, w.Write(ctx, insertData("1", "a")), writer.ErrNoBatch)
	_, err := w.StartTable(ctx, schema.New("", "", "t", nil, nil))
	assert.ErrorIs(t, err, writer.ErrNoBatch)

	b := batch.New(17, "default", "node1", batch.EncodingNone)
	require.NoError(t, w.Start(ctx, b))
	assert.ErrorIs(t, w.Start(ctx, b), writer.ErrBatchOpen)
	assert.ErrorIs(t, w.Write(ctx, insertData("1", "a")), writer.ErrNoTable)
	require.NoError(t, w.End(ctx, b, true))
}
