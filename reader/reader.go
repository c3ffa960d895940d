package reader

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/schema"
)

type marker int

const (
	commitMarker marker = iota
	eofMarker
)

// header collects the table/keys/columns tokens of one table declaration
type header struct {
	catalog string
	schema  string
	name    string
	keys    []string
	columns []string
}

// ProtocolReader reads batches, tables and row events from the CSV
// batch wire format. It is not safe for concurrent use.
type ProtocolReader struct {
	records *csvdata.RecordReader
	log     zerolog.Logger

	nodeID    string
	channelID string
	version   string
	encoding  batch.BinaryEncoding
	catalog   string
	schema    string

	batch   *batch.Batch
	table   *schema.Table
	tables  map[string]*schema.Table
	header  *header
	oldData csvdata.Fields
	stats   []string

	held    csvdata.Fields
	heldAt  int
	unread  any
	done    bool
	current int
}

// New creates a reader over a batch stream
func New(r io.Reader) *ProtocolReader {
	return &ProtocolReader{
		records:   csvdata.NewRecordReader(r),
		log:       logging.New("reader"),
		channelID: "default",
		tables:    make(map[string]*schema.Table),
	}
}

// NodeID returns the source node id from the stream preamble
func (p *ProtocolReader) NodeID() string {
	return p.nodeID
}

// Version returns the protocol version from the stream preamble
func (p *ProtocolReader) Version() string {
	return p.version
}

// Line returns the line number of the last record read
func (p *ProtocolReader) Line() int {
	return p.current
}

// NextBatch skips to the next batch token and returns the batch, or nil
// at the end of the stream.
func (p *ProtocolReader) NextBatch() (*batch.Batch, error) {
	for {
		obj, err := p.next()
		if err != nil {
			return nil, err
		}
		switch v := obj.(type) {
		case *batch.Batch:
			return v, nil
		case marker:
			if v == eofMarker {
				return nil, nil
			}
		}
	}
}

// NextTable returns the next table section of the current batch, or nil
// when the batch has no more tables.
func (p *ProtocolReader) NextTable() (*schema.Table, error) {
	for {
		obj, err := p.next()
		if err != nil {
			return nil, err
		}
		switch v := obj.(type) {
		case *schema.Table:
			return v, nil
		case *batch.Batch:
			p.unread = v
			return nil, nil
		case marker:
			if v == eofMarker {
				p.unread = v
			}
			return nil, nil
		}
	}
}

// NextData returns the next row event of the current table section, or
// nil at the end of the section.
func (p *ProtocolReader) NextData() (*csvdata.Data, error) {
	obj, err := p.next()
	if err != nil {
		return nil, err
	}
	if d, ok := obj.(*csvdata.Data); ok {
		return d, nil
	}
	p.unread = obj
	return nil, nil
}

// Close is a no-op; the caller owns the underlying stream
func (p *ProtocolReader) Close() error {
	return nil
}

func (p *ProtocolReader) next() (any, error) {
	if p.unread != nil {
		obj := p.unread
		p.unread = nil
		return obj, nil
	}
	if p.done {
		return eofMarker, nil
	}

	for {
		var fields csvdata.Fields
		if p.held != nil {
			fields, p.current = p.held, p.heldAt
			p.held = nil
		} else {
			var err error
			fields, err = p.records.Read()
			if err == io.EOF {
				p.done = true
				if p.header != nil {
					return p.finishHeader(), nil
				}
				return eofMarker, nil
			}
			if err != nil {
				return nil, p.errorf("", err)
			}
			p.current = p.records.Line()
			if p.batch != nil {
				p.batch.Stats.Increment(batch.LineCount)
				p.batch.Stats.Add(batch.ByteCount, int64(p.records.Bytes()))
			}
		}

		token := fields[0].String
		values := fields[1:]

		if p.header != nil && !isHeaderToken(token) {
			p.held, p.heldAt = fields, p.current
			return p.finishHeader(), nil
		}

		obj, err := p.handle(token, values)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			return obj, nil
		}
	}
}

func isHeaderToken(token string) bool {
	return token == TokenKeys || token == TokenColumns
}

// handle applies one record and returns the object it produced, if any
func (p *ProtocolReader) handle(token string, values csvdata.Fields) (any, error) {
	switch token {
	case TokenNodeID:
		p.nodeID = first(values)
	case TokenVersion:
		p.version = strings.Join(values.Strings(), ".")
	case TokenBinary:
		enc, err := batch.ParseBinaryEncoding(first(values))
		if err != nil {
			return nil, p.errorf(token, err)
		}
		p.encoding = enc
	case TokenChannel:
		p.channelID = first(values)
	case TokenBatch, TokenRetry:
		id, err := strconv.ParseInt(strings.TrimSpace(first(values)), 10, 64)
		if err != nil {
			return nil, p.errorf(token, fmt.Errorf("invalid batch id: %w", err))
		}
		b := batch.New(id, p.channelID, p.nodeID, p.encoding)
		b.Retry = token == TokenRetry
		b.Stats.Increment(batch.LineCount)
		b.Stats.Add(batch.ByteCount, int64(p.records.Bytes()))
		p.batch = b
		p.table = nil
		p.oldData = nil
		p.log.Debug().Int64("batch_id", id).Str("channel", p.channelID).Msg("Batch started")
		return b, nil
	case TokenSchema:
		p.schema = first(values)
	case TokenCatalog:
		p.catalog = first(values)
	case TokenTable:
		if p.batch == nil {
			return nil, p.errorf(token, ErrOutsideBatch)
		}
		p.header = &header{catalog: p.catalog, schema: p.schema, name: first(values)}
	case TokenKeys:
		if p.header == nil {
			return nil, p.errorf(token, fmt.Errorf("%w: keys without table", ErrMissingColumns))
		}
		p.header.keys = values.Strings()
	case TokenColumns:
		if p.header == nil {
			return nil, p.errorf(token, fmt.Errorf("%w: columns without table", ErrMissingColumns))
		}
		p.header.columns = values.Strings()
	case TokenInsert, TokenUpdate, TokenDelete, TokenOld:
		return p.handleRow(token, values)
	case TokenSQL, TokenCreate, TokenBSH:
		if p.batch == nil {
			return nil, p.errorf(token, ErrOutsideBatch)
		}
		if len(values) != 1 {
			return nil, p.errorf(token, fmt.Errorf("%w: expected 1 value, got %d", ErrFieldCount, len(values)))
		}
		d := csvdata.New(map[string]csvdata.EventType{
			TokenSQL:    csvdata.SQL,
			TokenCreate: csvdata.Create,
			TokenBSH:    csvdata.BSH,
		}[token])
		d.PutParsedData(csvdata.RowData, values)
		return d, nil
	case TokenCommit:
		if p.batch == nil {
			return nil, p.errorf(token, ErrOutsideBatch)
		}
		p.batch.Complete = true
		p.batch = nil
		return commitMarker, nil
	case TokenIgnore:
		if p.batch != nil {
			p.batch.Ignored = true
		}
	case TokenStatsColumns:
		p.stats = values.Strings()
	case TokenStats:
		if p.batch != nil {
			p.applyStats(values)
		}
	default:
		return nil, p.errorf(token, ErrUnknownToken)
	}
	return nil, nil
}

func (p *ProtocolReader) handleRow(token string, values csvdata.Fields) (any, error) {
	if p.batch == nil {
		return nil, p.errorf(token, ErrOutsideBatch)
	}
	if p.table == nil || len(p.table.Columns) == 0 {
		return nil, p.errorf(token, ErrMissingColumns)
	}
	columns := p.table.ColumnNames()
	keys := p.table.KeyNames()

	expected := len(columns)
	switch token {
	case TokenUpdate:
		expected += len(keys)
	case TokenDelete:
		expected = len(keys)
	}
	if token == TokenUpdate || token == TokenDelete {
		if len(keys) == 0 {
			return nil, p.errorf(token, ErrMissingKeys)
		}
	}
	if len(values) != expected {
		return nil, p.errorf(token, fmt.Errorf("%w: %s has %d values, table %s expects %d",
			ErrFieldCount, token, len(values), p.table.FullyQualifiedName(), expected))
	}

	var d *csvdata.Data
	switch token {
	case TokenOld:
		p.oldData = values
		return nil, nil
	case TokenInsert:
		d = csvdata.New(csvdata.Insert)
		d.PutParsedData(csvdata.RowData, values)
	case TokenUpdate:
		d = csvdata.New(csvdata.Update)
		d.PutParsedData(csvdata.RowData, values[:len(columns)])
		d.PutParsedData(csvdata.PKData, values[len(columns):])
	case TokenDelete:
		d = csvdata.New(csvdata.Delete)
		d.PutParsedData(csvdata.PKData, values)
	}
	if p.oldData != nil && token != TokenInsert {
		d.PutParsedData(csvdata.OldData, p.oldData)
	}
	p.oldData = nil
	return d, nil
}

// finishHeader resolves the declared table, reusing an earlier declaration
// of the same table when no keys or columns were given
func (p *ProtocolReader) finishHeader() *schema.Table {
	h := p.header
	p.header = nil
	p.oldData = nil

	fqn := schema.FullyQualifiedName(h.catalog, h.schema, h.name)
	if h.columns == nil && h.keys == nil {
		if t, ok := p.tables[fqn]; ok {
			p.table = t
			return t
		}
	}
	t := schema.New(h.catalog, h.schema, h.name, h.keys, h.columns)
	p.tables[fqn] = t
	p.table = t
	p.log.Debug().Str("table", fqn).Strs("keys", h.keys).Strs("columns", h.columns).Msg("Table declared")
	return t
}

func (p *ProtocolReader) applyStats(values csvdata.Fields) {
	for i, v := range values {
		if i >= len(p.stats) {
			break
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v.String), 10, 64)
		if err != nil {
			p.log.Warn().Str("statistic", p.stats[i]).Str("value", v.String).Msg("Ignoring non-numeric statistic")
			continue
		}
		p.batch.Stats.Add(strings.ToUpper(p.stats[i]), n)
	}
}

func (p *ProtocolReader) errorf(token string, err error) error {
	var id int64
	if p.batch != nil {
		id = p.batch.ID
	}
	return &ParseError{BatchID: id, Line: p.current, Token: token, Err: err}
}

func first(values csvdata.Fields) string {
	if len(values) == 0 {
		return ""
	}
	return values[0].String
}
