// Package loader drives one load operation: a batch stream read from an
// io.Reader applied to a database writer, one batch at a time.
package loader

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/processor"
	"github.com/mevdschee/tqdbsync/reader"
	"github.com/mevdschee/tqdbsync/writer"
)

// ErrClosed is returned by operations on a closed loader
var ErrClosed = errors.New("loader is closed")

// Context describes the load in progress
type Context struct {
	LoadID  string
	NodeID  string
	Version string
	BatchID int64
	Channel string
}

// Loader applies the batches of one stream. It is not safe for concurrent use.
type Loader struct {
	id        string
	reader    *reader.ProtocolReader
	writer    *writer.DatabaseWriter
	processor *processor.Processor
	closer    io.Closer
	current   *batch.Batch
	last      *batch.Batch
	closed    bool
	log       zerolog.Logger
}

type options struct {
	listeners []processor.Listener
}

// Option configures a Loader
type Option func(*Loader, *options)

// WithFilters registers row filters on the writer
func WithFilters(filters ...writer.Filter) Option {
	return func(l *Loader, _ *options) {
		for _, f := range filters {
			l.writer.AddFilter(f)
		}
	}
}

// WithColumnFilter registers a column filter on the writer
func WithColumnFilter(table string, f writer.ColumnFilter) Option {
	return func(l *Loader, _ *options) {
		l.writer.AddColumnFilter(table, f)
	}
}

// WithListener registers a batch listener
func WithListener(listener processor.Listener) Option {
	return func(_ *Loader, o *options) {
		o.listeners = append(o.listeners, listener)
	}
}

// Open starts a load of the stream r into w. If r is an io.Closer it is
// closed by Close.
func Open(r io.Reader, w *writer.DatabaseWriter, opts ...Option) *Loader {
	l := &Loader{
		id:     uuid.NewString(),
		reader: reader.New(r),
		writer: w,
	}
	if c, ok := r.(io.Closer); ok {
		l.closer = c
	}
	o := &options{}
	for _, opt := range opts {
		opt(l, o)
	}
	var popts []processor.Option
	for _, listener := range o.listeners {
		popts = append(popts, processor.WithListener(listener))
	}
	l.processor = processor.New(l.reader, w, popts...)
	l.log = logging.New("loader").With().Str("load_id", l.id).Logger()
	return l
}

// HasNext advances to the next batch and reports whether there is one
func (l *Loader) HasNext(ctx context.Context) (bool, error) {
	if l.closed {
		return false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.current != nil {
		// The previous batch was neither loaded nor skipped
		if err := l.Skip(); err != nil {
			return false, err
		}
	}
	b, err := l.reader.NextBatch()
	if err != nil {
		return false, err
	}
	l.current = b
	return b != nil, nil
}

// Skip consumes the current batch without applying it
func (l *Loader) Skip() error {
	if l.closed {
		return ErrClosed
	}
	b := l.current
	if b == nil {
		return nil
	}
	l.current = nil
	b.Ignored = true
	l.last = b
	l.log.Debug().Int64("batch_id", b.ID).Msg("Skipping batch")
	return l.processor.DrainBatch(b)
}

// Load applies the current batch
func (l *Loader) Load(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}
	b := l.current
	if b == nil {
		return nil
	}
	l.current = nil
	l.last = b
	err := l.processor.ProcessBatch(ctx, b)
	if err != nil {
		return err
	}
	l.log.Info().Int64("batch_id", b.ID).Str("channel", b.ChannelID).
		Int64("statements", b.Stats.Get(batch.StatementCount)).
		Int64("fallback_inserts", b.Stats.Get(batch.FallbackInsertCount)).
		Int64("fallback_updates", b.Stats.Get(batch.FallbackUpdateCount)).
		Int64("missing_deletes", b.Stats.Get(batch.MissingDeleteCount)).
		Msg("Batch loaded")
	return nil
}

// Statistics returns the statistics of the current or last batch, or nil
// before the first batch
func (l *Loader) Statistics() *batch.Statistics {
	if b := l.batch(); b != nil {
		return b.Stats
	}
	return nil
}

func (l *Loader) batch() *batch.Batch {
	if l.current != nil {
		return l.current
	}
	return l.last
}

// Context returns the state of the load
func (l *Loader) Context() Context {
	c := Context{LoadID: l.id, NodeID: l.reader.NodeID(), Version: l.reader.Version()}
	if b := l.batch(); b != nil {
		c.BatchID, c.Channel = b.ID, b.ChannelID
	}
	return c
}

// Close releases the stream. An open batch is left uncommitted.
func (l *Loader) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.current = nil
	if l.closer != nil {
		return l.closer.Close()
	}
	return l.reader.Close()
}
