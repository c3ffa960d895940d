package loader

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/dialect"
	_ "github.com/mevdschee/tqdbsync/dialect/sqlite"
	"github.com/mevdschee/tqdbsync/processor"
	"github.com/mevdschee/tqdbsync/schema"
	"github.com/mevdschee/tqdbsync/writer"
)

const stream = `nodeid,00042
version,3,8
batch,1
table,t
keys,id
columns,id,val
insert,"1","a"
commit,1
batch,2
table,t
insert,"2","b"
commit,2
channel,config
batch,3
table,t
update,"1","z","1"
commit,3
`

func newWriter(t *testing.T) (*writer.DatabaseWriter, func(string) int) {
	t.Helper()
	db, d, err := dialect.Open("sqlite", filepath.Join(t.TempDir(), "load.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, val VARCHAR(10), note VARCHAR(10))`)
	require.NoError(t, err)
	count := func(where string) int {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t WHERE `+where).Scan(&n))
		return n
	}
	return writer.NewDatabaseWriter(db, d, writer.DefaultSettings()), count
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestLoader_LoadAndSkip(t *testing.T) {
	ctx := context.Background()
	w, count := newWriter(t)
	src := &closeRecorder{Reader: strings.NewReader(stream)}
	l := Open(src, w)

	assert.Nil(t, l.Statistics())

	ok, err := l.HasNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	c := l.Context()
	assert.Equal(t, "00042", c.NodeID)
	assert.Equal(t, "3.8", c.Version)
	assert.Equal(t, int64(1), c.BatchID)
	assert.NotEmpty(t, c.LoadID)
	require.NoError(t, l.Load(ctx))
	assert.Equal(t, int64(1), l.Statistics().Get(batch.StatementCount))

	ok, err = l.HasNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Skip())
	assert.Equal(t, int64(2), l.Context().BatchID)

	ok, err = l.HasNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "config", l.Context().Channel)
	require.NoError(t, l.Load(ctx))

	ok, err = l.HasNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, count("id = 1 AND val = 'z'"))
	assert.Equal(t, 0, count("id = 2"))

	require.NoError(t, l.Close())
	assert.True(t, src.closed)
	_, err = l.HasNext(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoader_HasNextSkipsUnloadedBatch(t *testing.T) {
	ctx := context.Background()
	w, count := newWriter(t)
	l := Open(strings.NewReader(stream), w)
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, err := l.HasNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, int64(3), l.Context().BatchID)
	assert.Equal(t, 0, count("1 = 1"))
}

type stamp struct{}

func (stamp) BeforeWrite(_ context.Context, _ *writer.Context, _ *schema.Table, d *csvdata.Data) (bool, error) {
	return true, nil
}

func (stamp) AfterWrite(context.Context, *writer.Context, *schema.Table, *csvdata.Data) error {
	return nil
}

type counter struct {
	processor.NopListener
	ok int
}

func (c *counter) BatchSuccessful(context.Context, *batch.Batch) { c.ok++ }

func TestLoader_Options(t *testing.T) {
	ctx := context.Background()
	w, count := newWriter(t)
	listener := &counter{}
	addNote := writer.ColumnFilterFunc(func(_ *writer.Context, _ writer.DmlType, _ *schema.Table, columns []string, values csvdata.Fields) ([]string, csvdata.Fields) {
		return append(columns, "note"), append(values, csvdata.Value("loaded"))
	})
	l := Open(strings.NewReader(stream), w,
		WithFilters(stamp{}),
		WithColumnFilter("t", addNote),
		WithListener(listener))
	defer l.Close()

	for {
		ok, err := l.HasNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.NoError(t, l.Load(ctx))
	}
	assert.Equal(t, 3, listener.ok)
	assert.Equal(t, 2, count("note = 'loaded'"))
}
