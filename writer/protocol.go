package writer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/schema"
)

// ProtocolWriter writes batches back out in the CSV batch wire format.
// Rows whose CSV form was never replaced are written without re-escaping.
type ProtocolWriter struct {
	w      *bufio.Writer
	nodeID string

	started  bool
	channel  string
	encoding batch.BinaryEncoding
	catalog  string
	schema   string
	current  *batch.Batch
}

// NewProtocolWriter creates a writer announcing nodeID as the source node
func NewProtocolWriter(w io.Writer, nodeID string) *ProtocolWriter {
	return &ProtocolWriter{w: bufio.NewWriter(w), nodeID: nodeID}
}

func (p *ProtocolWriter) line(token string, rest ...string) {
	p.w.WriteString(token)
	for _, r := range rest {
		p.w.WriteByte(',')
		p.w.WriteString(r)
	}
	p.w.WriteByte('\n')
}

// Start writes the preamble on first use and the batch token
func (p *ProtocolWriter) Start(ctx context.Context, b *batch.Batch) error {
	if p.current != nil {
		return fmt.Errorf("%w: batch %d", ErrBatchOpen, p.current.ID)
	}
	nodeID := p.nodeID
	if nodeID == "" {
		nodeID = b.SourceNodeID
	}
	if !p.started {
		p.line("nodeid", csvdata.Escape(csvdata.Strings(nodeID)))
		p.line("binary", b.Encoding.String())
		p.encoding = b.Encoding
		p.started = true
	} else if b.Encoding != p.encoding {
		p.line("binary", b.Encoding.String())
		p.encoding = b.Encoding
	}
	if b.ChannelID != p.channel {
		p.line("channel", csvdata.Escape(csvdata.Strings(b.ChannelID)))
		p.channel = b.ChannelID
	}
	token := "batch"
	if b.Retry {
		token = "retry"
	}
	p.line(token, fmt.Sprint(b.ID))
	p.current = b
	return nil
}

// StartTable writes the table declaration
func (p *ProtocolWriter) StartTable(ctx context.Context, t *schema.Table) (bool, error) {
	if p.current == nil {
		return false, ErrNoBatch
	}
	if t.Catalog != p.catalog {
		p.line("catalog", csvdata.Escape(csvdata.Strings(t.Catalog)))
		p.catalog = t.Catalog
	}
	if t.Schema != p.schema {
		p.line("schema", csvdata.Escape(csvdata.Strings(t.Schema)))
		p.schema = t.Schema
	}
	p.line("table", csvdata.Escape(csvdata.Strings(t.Name)))
	p.line("keys", csvdata.Escape(csvdata.Strings(t.KeyNames()...)))
	p.line("columns", csvdata.Escape(csvdata.Strings(t.ColumnNames()...)))
	return true, nil
}

// Write writes one row event
func (p *ProtocolWriter) Write(ctx context.Context, d *csvdata.Data) error {
	if p.current == nil {
		return ErrNoBatch
	}
	if d.EventType == csvdata.Update || d.EventType == csvdata.Delete {
		if d.Has(csvdata.OldData) {
			p.line("old", d.CsvData(csvdata.OldData))
		}
	}
	switch d.EventType {
	case csvdata.Insert, csvdata.SQL, csvdata.Create, csvdata.BSH:
		p.line(strings.ToLower(d.EventType.String()), d.CsvData(csvdata.RowData))
	case csvdata.Update:
		p.line("update", d.CsvData(csvdata.RowData), d.CsvData(csvdata.PKData))
	case csvdata.Delete:
		p.line("delete", d.CsvData(csvdata.PKData))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, d.EventType)
	}
	p.current.Stats.Increment(batch.StatementCount)
	return nil
}

// EndTable is a no-op
func (p *ProtocolWriter) EndTable(ctx context.Context, t *schema.Table) error {
	return nil
}

// End writes the commit token and flushes. A failed batch is left without
// commit, which makes the receiving reader reject it.
func (p *ProtocolWriter) End(ctx context.Context, b *batch.Batch, inError bool) error {
	p.current = nil
	if !inError {
		p.line("commit", fmt.Sprint(b.ID))
	}
	return p.w.Flush()
}
