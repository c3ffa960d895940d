package writer_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/reader"
	"github.com/mevdschee/tqdbsync/schema"
	"github.com/mevdschee/tqdbsync/writer"
)

func TestProtocolWriter_Output(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	w := writer.NewProtocolWriter(&buf, "00001")

	b := batch.New(3, "sales", "ignored", batch.EncodingBase64)
	require.NoError(t, w.Start(ctx, b))
	table := schema.New("", "", "t", []string{"id"}, []string{"id", "val"})
	ok, err := w.StartTable(ctx, table)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, w.Write(ctx, insertData("1", "a,b")))
	upd := updateData([]string{"2", "new"}, []string{"2"})
	upd.PutParsedData(csvdata.OldData, csvdata.Strings("2", "old"))
	require.NoError(t, w.Write(ctx, upd))
	require.NoError(t, w.Write(ctx, deleteData("3")))
	null := csvdata.New(csvdata.Insert)
	null.PutParsedData(csvdata.RowData, csvdata.Fields{csvdata.Value("4"), csvdata.Null})
	require.NoError(t, w.Write(ctx, null))
	require.NoError(t, w.EndTable(ctx, table))
	require.NoError(t, w.End(ctx, b, false))

	want := `nodeid,"00001"
binary,BASE64
channel,"sales"
batch,3
table,"t"
keys,"id"
columns,"id","val"
insert,"1","a,b"
old,"2","old"
update,"2","new","2"
delete,"3"
insert,"4",
commit,3
`
	assert.Equal(t, want, buf.String())
	assert.Equal(t, int64(4), b.Stats.Get(batch.StatementCount))
}

func TestProtocolWriter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	w := writer.NewProtocolWriter(&buf, "n1")

	for _, id := range []int64{1, 2} {
		b := batch.New(id, "default", "n1", batch.EncodingNone)
		require.NoError(t, w.Start(ctx, b))
		table := schema.New("", "app", "t", []string{"id"}, []string{"id", "val"})
		_, err := w.StartTable(ctx, table)
		require.NoError(t, err)
		require.NoError(t, w.Write(ctx, insertData("1", "line\nbreak \"quoted\"")))
		require.NoError(t, w.End(ctx, b, id == 2))
	}

	r := reader.New(&buf)
	b, err := r.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(1), b.ID)
	assert.Equal(t, "n1", r.NodeID())

	table, err := r.NextTable()
	require.NoError(t, err)
	require.NotNil(t, table)
	assert.Equal(t, "app", table.Schema)

	d, err := r.NextData()
	require.NoError(t, err)
	require.NotNil(t, d)
	row, err := d.ParsedData(csvdata.RowData)
	require.NoError(t, err)
	assert.Equal(t, csvdata.Strings("1", "line\nbreak \"quoted\""), row)

	d, err = r.NextData()
	require.NoError(t, err)
	assert.Nil(t, d)
	table, err = r.NextTable()
	require.NoError(t, err)
	assert.Nil(t, table)
	assert.True(t, b.Complete)

	// The failed batch was written without commit
	b, err = r.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(2), b.ID)
	_, err = r.NextTable()
	require.NoError(t, err)
	_, err = r.NextData()
	require.NoError(t, err)
	_, err = r.NextData()
	require.NoError(t, err)
	_, err = r.NextTable()
	require.NoError(t, err)
	assert.False(t, b.Complete)
}
