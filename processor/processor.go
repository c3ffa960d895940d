package processor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/metrics"
	"github.com/mevdschee/tqdbsync/schema"
)

// Reader yields batches, then tables within a batch, then rows within a
// table. Each call returns nil when its level is exhausted.
type Reader interface {
	NextBatch() (*batch.Batch, error)
	NextTable() (*schema.Table, error)
	NextData() (*csvdata.Data, error)
}

// Writer applies what the reader yields. StartTable returning false skips
// the rows of that table.
type Writer interface {
	Start(ctx context.Context, b *batch.Batch) error
	StartTable(ctx context.Context, t *schema.Table) (bool, error)
	Write(ctx context.Context, d *csvdata.Data) error
	EndTable(ctx context.Context, t *schema.Table) error
	End(ctx context.Context, b *batch.Batch, inError bool) error
}

// Listener observes batch boundaries. BeforeBatchStarted returning false
// skips the batch.
type Listener interface {
	BeforeBatchStarted(ctx context.Context, b *batch.Batch) bool
	AfterBatchStarted(ctx context.Context, b *batch.Batch)
	BeforeBatchEnd(ctx context.Context, b *batch.Batch)
	BatchSuccessful(ctx context.Context, b *batch.Batch)
	BatchInError(ctx context.Context, b *batch.Batch, err error)
}

// NopListener implements Listener with no behavior, for embedding
type NopListener struct{}

func (NopListener) BeforeBatchStarted(context.Context, *batch.Batch) bool { return true }
func (NopListener) AfterBatchStarted(context.Context, *batch.Batch)       {}
func (NopListener) BeforeBatchEnd(context.Context, *batch.Batch)          {}
func (NopListener) BatchSuccessful(context.Context, *batch.Batch)         {}
func (NopListener) BatchInError(context.Context, *batch.Batch, error)     {}

// Processor moves batches from a reader to a writer, one transaction per batch
type Processor struct {
	reader    Reader
	writer    Writer
	listeners []Listener
	written   int // rows written in the current batch
	log       zerolog.Logger
}

// Option configures a Processor
type Option func(*Processor)

// WithListener registers a batch listener
func WithListener(l Listener) Option {
	return func(p *Processor) {
		p.listeners = append(p.listeners, l)
	}
}

// New creates a processor
func New(r Reader, w Writer, opts ...Option) *Processor {
	p := &Processor{
		reader: r,
		writer: w,
		log:    logging.New("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process applies batches until the stream ends or a batch fails. It
// returns the number of batches read.
func (p *Processor) Process(ctx context.Context) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		b, err := p.reader.NextBatch()
		if err != nil {
			return count, err
		}
		if b == nil {
			return count, nil
		}
		count++
		if err := p.ProcessBatch(ctx, b); err != nil {
			return count, err
		}
	}
}

// ProcessBatch applies one batch that was just read
func (p *Processor) ProcessBatch(ctx context.Context, b *batch.Batch) error {
	log := p.log.With().Int64("batch_id", b.ID).Str("channel", b.ChannelID).Logger()
	start := time.Now()
	p.written = 0

	for _, l := range p.listeners {
		if !l.BeforeBatchStarted(ctx, b) {
			log.Debug().Msg("Batch skipped by listener")
			return p.ignore(b)
		}
	}

	if err := p.writer.Start(ctx, b); err != nil {
		if errors.Is(err, ErrIgnoreBatch) {
			return p.ignore(b)
		}
		return p.fail(ctx, b, &BatchError{BatchID: b.ID, Channel: b.ChannelID, Err: err}, false)
	}
	for _, l := range p.listeners {
		l.AfterBatchStarted(ctx, b)
	}

	for {
		t, err := p.reader.NextTable()
		if err != nil {
			return p.fail(ctx, b, &BatchError{BatchID: b.ID, Channel: b.ChannelID, Err: err}, true)
		}
		if t == nil {
			break
		}
		if err := p.processTable(ctx, b, t); err != nil {
			if errors.Is(err, ErrIgnoreBatch) {
				if err := p.endIgnored(ctx, b); err != nil {
					return p.fail(ctx, b, &BatchError{BatchID: b.ID, Channel: b.ChannelID, Err: err}, false)
				}
				return p.ignore(b)
			}
			return p.fail(ctx, b, err, true)
		}
	}

	if !b.Complete {
		return p.fail(ctx, b, &BatchError{BatchID: b.ID, Channel: b.ChannelID, Err: ErrIncompleteBatch}, true)
	}
	if b.Ignored {
		if err := p.endIgnored(ctx, b); err != nil {
			return p.fail(ctx, b, &BatchError{BatchID: b.ID, Channel: b.ChannelID, Err: err}, false)
		}
		metrics.BatchesTotal.WithLabelValues(b.ChannelID, "ignored").Inc()
		log.Info().Msg("Batch ignored by sender")
		return nil
	}

	for _, l := range p.listeners {
		l.BeforeBatchEnd(ctx, b)
	}
	if err := p.writer.End(ctx, b, false); err != nil {
		if errors.Is(err, ErrIgnoreBatch) {
			return p.ignore(b)
		}
		return p.fail(ctx, b, &BatchError{BatchID: b.ID, Channel: b.ChannelID, Err: err}, false)
	}
	for _, l := range p.listeners {
		l.BatchSuccessful(ctx, b)
	}
	metrics.BatchesTotal.WithLabelValues(b.ChannelID, "ok").Inc()
	metrics.BatchLatency.WithLabelValues(b.ChannelID).Observe(time.Since(start).Seconds())
	log.Debug().Int64("statements", b.Stats.Get(batch.StatementCount)).Msg("Batch committed")
	return nil
}

func (p *Processor) processTable(ctx context.Context, b *batch.Batch, t *schema.Table) error {
	fail := func(d *csvdata.Data, err error) error {
		if errors.Is(err, ErrIgnoreBatch) {
			return err
		}
		return &BatchError{BatchID: b.ID, Channel: b.ChannelID, Table: t.FullyQualifiedName(), Data: d, Err: err}
	}

	apply := !b.Ignored
	if apply {
		ok, err := p.writer.StartTable(ctx, t)
		if err != nil {
			return fail(nil, err)
		}
		apply = ok
	}
	err := p.processRows(ctx, b, apply)
	if apply {
		if endErr := p.writer.EndTable(ctx, t); endErr != nil && err == nil {
			return fail(nil, endErr)
		}
	}
	if err != nil {
		var failed *rowError
		if errors.As(err, &failed) {
			return fail(failed.data, failed.err)
		}
		return fail(nil, err)
	}
	return nil
}

// rowError carries the row a write failed on out of processRows
type rowError struct {
	data *csvdata.Data
	err  error
}

func (e *rowError) Error() string { return e.err.Error() }
func (e *rowError) Unwrap() error { return e.err }

func (p *Processor) processRows(ctx context.Context, b *batch.Batch, apply bool) error {
	for {
		b.Stats.StartTimer(batch.ReadMillis)
		d, err := p.reader.NextData()
		b.Stats.StopTimer(batch.ReadMillis)
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		if !apply || b.Ignored {
			continue
		}
		if err := p.writer.Write(ctx, d); err != nil {
			return &rowError{data: d, err: err}
		}
		p.written++
	}
}

// endIgnored closes an ignored batch, rolling back rows written before the
// ignore arrived so no part of it is committed
func (p *Processor) endIgnored(ctx context.Context, b *batch.Batch) error {
	if p.written > 0 {
		p.log.Warn().Int64("batch_id", b.ID).Int("rows", p.written).Msg("Batch ignored after rows were written, rolling back")
		return p.writer.End(ctx, b, true)
	}
	return p.writer.End(ctx, b, false)
}

// ignore marks the batch ignored and consumes the rest of it
func (p *Processor) ignore(b *batch.Batch) error {
	b.Ignored = true
	if err := p.DrainBatch(b); err != nil {
		return err
	}
	metrics.BatchesTotal.WithLabelValues(b.ChannelID, "ignored").Inc()
	return nil
}

// fail tells the listeners, then rolls the batch back
func (p *Processor) fail(ctx context.Context, b *batch.Batch, err error, started bool) error {
	for _, l := range p.listeners {
		l.BatchInError(ctx, b, err)
	}
	if started {
		if endErr := p.writer.End(ctx, b, true); endErr != nil {
			p.log.Error().Err(endErr).Int64("batch_id", b.ID).Msg("Rollback failed")
		}
	}
	metrics.BatchesTotal.WithLabelValues(b.ChannelID, "error").Inc()
	p.log.Error().Err(err).Int64("batch_id", b.ID).Str("channel", b.ChannelID).Msg("Batch failed")
	return err
}

// DrainBatch reads the remaining tables and rows of b without writing them
func (p *Processor) DrainBatch(b *batch.Batch) error {
	for {
		t, err := p.reader.NextTable()
		if err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		for {
			d, err := p.reader.NextData()
			if err != nil {
				return err
			}
			if d == nil {
				break
			}
		}
	}
}
