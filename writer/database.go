package writer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/cache"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/metrics"
	"github.com/mevdschee/tqdbsync/parser"
	"github.com/mevdschee/tqdbsync/schema"
)

// DatabaseWriter applies batches to a database, one transaction per batch.
// Templates live as long as the writer; use one writer per load.
type DatabaseWriter struct {
	db            *sql.DB
	dialect       dialect.Dialect
	settings      Settings
	filters       []Filter
	columnFilters map[string][]ColumnFilter
	tables        *cache.Cache[*schema.Table]
	conflicts     ConflictSource
	log           zerolog.Logger

	templates  map[string]*Template
	wc         *Context
	template   *Template
	conflict   ConflictSettings
	savepoints int
}

// Option configures a DatabaseWriter
type Option func(*DatabaseWriter)

// WithFilters registers row filters in order
func WithFilters(filters ...Filter) Option {
	return func(w *DatabaseWriter) {
		w.filters = append(w.filters, filters...)
	}
}

// WithColumnFilter registers a column filter for a table name, or for
// every table when table is empty
func WithColumnFilter(table string, f ColumnFilter) Option {
	return func(w *DatabaseWriter) {
		w.AddColumnFilter(table, f)
	}
}

// WithMetadataCache shares target table metadata between writers
func WithMetadataCache(c *cache.Cache[*schema.Table]) Option {
	return func(w *DatabaseWriter) {
		w.tables = c
	}
}

// WithConflicts sets where per-table conflict settings come from; without
// it every table uses DefaultConflictSettings
func WithConflicts(src ConflictSource) Option {
	return func(w *DatabaseWriter) {
		w.conflicts = src
	}
}

// NewDatabaseWriter creates a writer over db
func NewDatabaseWriter(db *sql.DB, d dialect.Dialect, settings Settings, opts ...Option) *DatabaseWriter {
	w := &DatabaseWriter{
		db:            db,
		dialect:       d,
		settings:      settings,
		columnFilters: make(map[string][]ColumnFilter),
		templates:     make(map[string]*Template),
		log:           logging.New("writer"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AddFilter appends a row filter
func (w *DatabaseWriter) AddFilter(f Filter) {
	w.filters = append(w.filters, f)
}

// AddColumnFilter appends a column filter for a table name, or for every
// table when table is empty
func (w *DatabaseWriter) AddColumnFilter(table string, f ColumnFilter) {
	key := strings.ToLower(table)
	w.columnFilters[key] = append(w.columnFilters[key], f)
}

// Settings returns the settings the writer was created with
func (w *DatabaseWriter) Settings() Settings {
	return w.settings
}

// Context returns the context of the open batch, or nil
func (w *DatabaseWriter) Context() *Context {
	return w.wc
}

// Start opens the batch transaction
func (w *DatabaseWriter) Start(ctx context.Context, b *batch.Batch) error {
	if w.wc != nil {
		return fmt.Errorf("%w: batch %d", ErrBatchOpen, w.wc.Batch.ID)
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch %d: %w", b.ID, err)
	}
	w.wc = newContext(b, tx)
	return nil
}

// StartTable resolves the target table. It returns false when the section
// should be skipped.
func (w *DatabaseWriter) StartTable(ctx context.Context, t *schema.Table) (bool, error) {
	if w.wc == nil {
		return false, ErrNoBatch
	}
	target, err := w.lookupTable(ctx, t)
	if err != nil {
		return false, err
	}
	if target == nil {
		if w.settings.IgnoreMissingTables {
			w.log.Warn().Int64("batch_id", w.wc.Batch.ID).Str("table", t.FullyQualifiedName()).
				Msg("Target table not found, skipping rows")
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrMissingTable, t.FullyQualifiedName())
	}

	conflict := DefaultConflictSettings
	if w.conflicts != nil {
		if conflict, err = w.conflicts.ConflictSettings(ctx, w.wc.Batch, t); err != nil {
			return false, fmt.Errorf("conflict settings for %s: %w", t.FullyQualifiedName(), err)
		}
	}
	if err := conflict.Validate(t); err != nil {
		return false, err
	}

	key := strings.ToLower(t.FullyQualifiedName())
	tmpl, ok := w.templates[key]
	if !ok || !sameColumns(tmpl.source, t) || tmpl.target != target {
		tmpl = NewTemplate(w.dialect, w.settings, t, target, w.columnFiltersFor(t.Name), w.log)
		w.templates[key] = tmpl
	}
	w.template = tmpl
	w.conflict = conflict
	w.wc.Table = t
	return true, nil
}

// Write applies one row event
func (w *DatabaseWriter) Write(ctx context.Context, d *csvdata.Data) error {
	if w.wc == nil {
		return ErrNoBatch
	}
	if w.template == nil {
		return ErrNoTable
	}
	stats := w.wc.Batch.Stats
	table := w.wc.Table

	stats.StartTimer(batch.FilterMillis)
	keep := true
	for _, f := range w.filters {
		ok, err := f.BeforeWrite(ctx, w.wc, table, d)
		if err != nil {
			stats.StopTimer(batch.FilterMillis)
			return err
		}
		if !ok {
			keep = false
			break
		}
	}
	stats.StopTimer(batch.FilterMillis)
	if !keep {
		stats.Increment(batch.IgnoreCount)
		return nil
	}

	stats.StartTimer(batch.LoadMillis)
	var err error
	switch d.EventType {
	case csvdata.Insert:
		err = w.insert(ctx, d)
	case csvdata.Update:
		err = w.update(ctx, d)
	case csvdata.Delete:
		err = w.delete(ctx, d)
	case csvdata.SQL:
		err = w.sql(ctx, d)
	case csvdata.Create:
		err = w.create(ctx, d)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedEvent, d.EventType)
	}
	stats.StopTimer(batch.LoadMillis)
	if err != nil {
		return err
	}
	stats.Increment(batch.StatementCount)
	stats.Increment(eventCounter(d.EventType))
	metrics.StatementsTotal.WithLabelValues(d.EventType.String()).Inc()

	stats.StartTimer(batch.FilterMillis)
	defer stats.StopTimer(batch.FilterMillis)
	for _, f := range w.filters {
		if err := f.AfterWrite(ctx, w.wc, table, d); err != nil {
			return err
		}
	}
	return nil
}

// EndTable closes the table section
func (w *DatabaseWriter) EndTable(ctx context.Context, t *schema.Table) error {
	w.template = nil
	if w.wc != nil {
		w.wc.Table = nil
	}
	return nil
}

// End commits the batch, or rolls it back when inError is set or when a
// batch filter or the commit fails
func (w *DatabaseWriter) End(ctx context.Context, b *batch.Batch, inError bool) error {
	wc := w.wc
	if wc == nil {
		return nil
	}
	w.wc = nil
	w.template = nil
	w.savepoints = 0

	if inError {
		err := wc.Tx.Rollback()
		w.rolledBack(ctx, wc, err)
		return err
	}

	for _, f := range w.filters {
		if bf, ok := f.(BatchFilter); ok {
			if err := bf.BatchComplete(ctx, wc); err != nil {
				if rbErr := wc.Tx.Rollback(); rbErr != nil {
					w.log.Error().Err(rbErr).Int64("batch_id", b.ID).Msg("Rollback failed")
				}
				w.rolledBack(ctx, wc, err)
				return err
			}
		}
	}

	if err := wc.Tx.Commit(); err != nil {
		w.rolledBack(ctx, wc, err)
		return fmt.Errorf("commit batch %d: %w", b.ID, err)
	}
	for _, f := range w.filters {
		if bf, ok := f.(BatchFilter); ok {
			bf.BatchCommitted(ctx, wc)
		}
	}
	return nil
}

func (w *DatabaseWriter) rolledBack(ctx context.Context, wc *Context, err error) {
	for _, f := range w.filters {
		if bf, ok := f.(BatchFilter); ok {
			bf.BatchRolledBack(ctx, wc, err)
		}
	}
}

func (w *DatabaseWriter) columnFiltersFor(table string) []ColumnFilter {
	var filters []ColumnFilter
	filters = append(filters, w.columnFilters[""]...)
	filters = append(filters, w.columnFilters[strings.ToLower(table)]...)
	return filters
}

func (w *DatabaseWriter) lookupTable(ctx context.Context, t *schema.Table) (*schema.Table, error) {
	key := w.dialect.Name() + ":" + strings.ToLower(t.FullyQualifiedName())
	if w.tables != nil {
		if target, ok := w.tables.Get(key); ok {
			return target, nil
		}
	}
	target, err := dialect.LookupTable(ctx, w.dialect, w.wc.Tx, t.Catalog, t.Schema, t.Name)
	if err != nil {
		return nil, err
	}
	if target != nil && w.tables != nil {
		w.tables.Set(key, target)
	}
	return target, nil
}

func (w *DatabaseWriter) forgetTable(t *schema.Table) {
	key := strings.ToLower(t.FullyQualifiedName())
	delete(w.templates, key)
	if w.tables != nil {
		w.tables.Delete(w.dialect.Name() + ":" + key)
	}
}

func sameColumns(a, b *schema.Table) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if !strings.EqualFold(a.Columns[i].Name, b.Columns[i].Name) || a.Columns[i].PrimaryKey != b.Columns[i].PrimaryKey {
			return false
		}
	}
	return true
}

// sql runs a captured statement inside the batch transaction
func (w *DatabaseWriter) sql(ctx context.Context, d *csvdata.Data) error {
	fields, err := d.ParsedData(csvdata.RowData)
	if err != nil {
		return err
	}
	if len(fields) == 0 || !fields[0].Valid {
		return fmt.Errorf("%w: empty sql event", ErrValueCount)
	}
	stmt := parser.Parse(fields[0].String)
	if _, err := w.wc.Tx.ExecContext(ctx, stmt.SQL); err != nil {
		return fmt.Errorf("sql event on %s: %w", w.template.Source().FullyQualifiedName(), err)
	}
	if stmt.IsDDL() {
		w.forgetTable(w.template.Source())
	}
	return nil
}

// create runs captured DDL and refreshes the section's target metadata
func (w *DatabaseWriter) create(ctx context.Context, d *csvdata.Data) error {
	fields, err := d.ParsedData(csvdata.RowData)
	if err != nil {
		return err
	}
	if len(fields) == 0 || !fields[0].Valid {
		return fmt.Errorf("%w: empty create event", ErrValueCount)
	}
	if _, err := w.wc.Tx.ExecContext(ctx, fields[0].String); err != nil {
		return fmt.Errorf("create event on %s: %w", w.template.Source().FullyQualifiedName(), err)
	}

	source := w.template.Source()
	w.forgetTable(source)
	w.template = nil
	if _, err := w.StartTable(ctx, source); err != nil {
		return err
	}
	if w.template == nil {
		return fmt.Errorf("%w: %s after create", ErrMissingTable, source.FullyQualifiedName())
	}
	return nil
}

// eventCounter names the per-type statistic of an applied event; fallbacks
// are counted separately and do not change the event's type
func eventCounter(t csvdata.EventType) string {
	switch t {
	case csvdata.Insert:
		return batch.InsertCount
	case csvdata.Update:
		return batch.UpdateCount
	case csvdata.Delete:
		return batch.DeleteCount
	case csvdata.SQL:
		return batch.SQLCount
	case csvdata.Create:
		return batch.CreateCount
	}
	return batch.OtherCount
}
