package writer

import (
	"context"
	"fmt"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/metrics"
	"github.com/mevdschee/tqdbsync/processor"
)

const (
	savepointCreate = iota
	savepointRollback
	savepointRelease
)

// insert applies an INSERT event. A unique violation is resolved per the
// table's conflict settings: FALLBACK updates the row when
// FallbackToUpdate is set, NEWER_WINS updates it when the incoming row is
// newer and IGNORE skips it.
func (w *DatabaseWriter) insert(ctx context.Context, d *csvdata.Data) error {
	stats := w.wc.Batch.Stats
	values, err := d.ParsedData(csvdata.RowData)
	if err != nil {
		return err
	}
	table := w.template.Target().FullyQualifiedName()
	resolve := w.conflict.Resolve

	savepoint := ""
	resolvable := resolve == ResolveIgnore || resolve == ResolveNewerWins ||
		(resolve == ResolveFallback && w.settings.FallbackToUpdate)
	if resolvable && w.dialect.AbortsOnError() {
		w.savepoints++
		savepoint = fmt.Sprintf("sp_insert_%d", w.savepoints)
		if err := w.execSavepoint(ctx, savepoint, savepointCreate); err != nil {
			return err
		}
	}

	out, err := w.template.Insert(ctx, w.wc, values)
	if err != nil {
		return err
	}
	if out.Status == Applied {
		if savepoint != "" {
			if err := w.execSavepoint(ctx, savepoint, savepointRelease); err != nil {
				return err
			}
		}
		return nil
	}

	eligible := out.Kind == dialect.ErrorUniqueViolation ||
		(w.settings.FallbackAnyInsertError && out.Status == Failed)
	if !eligible {
		if out.Status == Failed {
			return fmt.Errorf("insert into %s: %w", table, out.Err)
		}
		return w.conflictError(table, DmlInsert, d, false, out.Err)
	}
	if !resolvable {
		return w.conflictError(table, DmlInsert, d, false, out.Err)
	}
	if savepoint != "" {
		if err := w.execSavepoint(ctx, savepoint, savepointRollback); err != nil {
			return err
		}
		if err := w.execSavepoint(ctx, savepoint, savepointRelease); err != nil {
			return err
		}
	}
	if resolve == ResolveIgnore {
		return w.ignoreRow(table, DmlInsert)
	}

	keys, err := w.template.KeyValues(values)
	if err != nil {
		return err
	}
	var conds []Condition
	if resolve == ResolveNewerWins {
		conds = w.newerConditions(values)
	}
	fallback, err := w.template.UpdateWhere(ctx, w.wc, values, keys, nil, conds)
	if err != nil {
		return err
	}
	if fallback.Status != Applied {
		return w.conflictError(table, DmlInsert, d, true, fallback.Err)
	}
	if fallback.Rows == 0 {
		if resolve == ResolveNewerWins {
			return w.ignoreRow(table, DmlInsert)
		}
		return w.conflictError(table, DmlInsert, d, true, ErrNoRowsAffected)
	}
	stats.Increment(batch.FallbackUpdateCount)
	metrics.FallbackUpdates.WithLabelValues(table).Inc()
	w.log.Info().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Str("resolve", resolve.String()).
		Msg("Insert conflicted, row updated instead")
	return nil
}

// update applies an UPDATE event. The row is matched on its keys plus the
// conditions of the detect type; a row that does not match is resolved per
// the table's conflict settings.
func (w *DatabaseWriter) update(ctx context.Context, d *csvdata.Data) error {
	values, err := d.ParsedData(csvdata.RowData)
	if err != nil {
		return err
	}
	keys, err := d.ParsedData(csvdata.PKData)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		if keys, err = w.template.KeyValues(values); err != nil {
			return err
		}
	}
	old, err := d.ParsedData(csvdata.OldData)
	if err != nil {
		return err
	}
	table := w.template.Target().FullyQualifiedName()

	out, err := w.template.UpdateWhere(ctx, w.wc, values, keys, old, w.detectConditions(values, old))
	if err != nil {
		return err
	}
	switch {
	case out.Status == Failed:
		return fmt.Errorf("update %s: %w", table, out.Err)
	case out.Status == Conflict:
		return w.conflictError(table, DmlUpdate, d, false, out.Err)
	case out.Rows > 1:
		w.log.Warn().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Int64("rows", out.Rows).
			Msg("Update affected more than one row")
	}
	if out.Rows > 0 {
		return nil
	}

	switch w.conflict.Resolve {
	case ResolveIgnore:
		return w.ignoreRow(table, DmlUpdate)
	case ResolveManual:
		return w.conflictError(table, DmlUpdate, d, false, ErrNoRowsAffected)
	case ResolveNewerWins:
		exists, err := w.template.Exists(ctx, w.wc, keys)
		if err != nil {
			return err
		}
		if exists {
			// The target row is at least as new as the incoming one
			return w.ignoreRow(table, DmlUpdate)
		}
		return w.fallbackInsert(ctx, d, table, values)
	}

	if w.conflict.Detect != DetectPrimaryKey {
		// The row exists but changed underneath; apply the incoming values
		forced, err := w.template.Update(ctx, w.wc, values, keys, nil)
		if err != nil {
			return err
		}
		if forced.Status != Applied {
			return w.conflictError(table, DmlUpdate, d, true, forced.Err)
		}
		if forced.Rows > 0 {
			w.log.Info().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Str("detect", w.conflict.Detect.String()).
				Msg("Update conflicted, row overwritten")
			return nil
		}
	}
	if !w.settings.FallbackToInsert {
		return w.conflictError(table, DmlUpdate, d, false, ErrNoRowsAffected)
	}
	return w.fallbackInsert(ctx, d, table, values)
}

// fallbackInsert inserts the row an UPDATE did not find
func (w *DatabaseWriter) fallbackInsert(ctx context.Context, d *csvdata.Data, table string, values csvdata.Fields) error {
	savepoint := ""
	if w.dialect.AbortsOnError() {
		w.savepoints++
		savepoint = fmt.Sprintf("sp_update_%d", w.savepoints)
		if err := w.execSavepoint(ctx, savepoint, savepointCreate); err != nil {
			return err
		}
	}
	fallback, err := w.template.Insert(ctx, w.wc, values)
	if err != nil {
		return err
	}
	if fallback.Status != Applied {
		if savepoint != "" {
			if err := w.execSavepoint(ctx, savepoint, savepointRollback); err != nil {
				return err
			}
			if err := w.execSavepoint(ctx, savepoint, savepointRelease); err != nil {
				return err
			}
		}
		return w.conflictError(table, DmlUpdate, d, true, fallback.Err)
	}
	if savepoint != "" {
		if err := w.execSavepoint(ctx, savepoint, savepointRelease); err != nil {
			return err
		}
	}
	w.wc.Batch.Stats.Increment(batch.FallbackInsertCount)
	metrics.FallbackInserts.WithLabelValues(table).Inc()
	w.log.Info().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Msg("Update matched no row, row inserted instead")
	return nil
}

// delete applies a DELETE event. A row that does not match is resolved per
// the table's conflict settings; under FALLBACK a missing row is accepted
// when AllowMissingDelete is set.
func (w *DatabaseWriter) delete(ctx context.Context, d *csvdata.Data) error {
	stats := w.wc.Batch.Stats
	old, err := d.ParsedData(csvdata.OldData)
	if err != nil {
		return err
	}
	keys, err := d.ParsedData(csvdata.PKData)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		if keys, err = w.template.KeyValues(old); err != nil {
			return err
		}
	}
	table := w.template.Target().FullyQualifiedName()

	out, err := w.template.DeleteWhere(ctx, w.wc, keys, w.detectConditions(nil, old))
	if err != nil {
		return err
	}
	switch {
	case out.Status == Failed:
		return fmt.Errorf("delete from %s: %w", table, out.Err)
	case out.Status == Conflict:
		return w.conflictError(table, DmlDelete, d, false, out.Err)
	case out.Rows > 0:
		return nil
	}

	switch w.conflict.Resolve {
	case ResolveIgnore:
		return w.ignoreRow(table, DmlDelete)
	case ResolveManual:
		return w.conflictError(table, DmlDelete, d, false, ErrNoRowsAffected)
	case ResolveNewerWins:
		w.log.Debug().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Msg("Delete matched no row")
		return nil
	}

	if w.conflict.Detect != DetectPrimaryKey {
		forced, err := w.template.Delete(ctx, w.wc, keys)
		if err != nil {
			return err
		}
		if forced.Status != Applied {
			return w.conflictError(table, DmlDelete, d, true, forced.Err)
		}
		if forced.Rows > 0 {
			return nil
		}
	}
	if !w.settings.AllowMissingDelete {
		return w.conflictError(table, DmlDelete, d, false, ErrNoRowsAffected)
	}
	stats.Increment(batch.MissingDeleteCount)
	metrics.MissingDeletes.WithLabelValues(table).Inc()
	w.log.Warn().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Msg("Delete matched no row")
	return nil
}

// detectConditions builds the WHERE terms the detect type adds to the key
// match. values is nil for deletes.
func (w *DatabaseWriter) detectConditions(values, old csvdata.Fields) []Condition {
	source := w.template.Source()
	names := source.ColumnNames()
	switch w.conflict.Detect {
	case DetectChangedData, DetectOldData:
		if len(old) != len(names) {
			return nil
		}
		var conds []Condition
		for i, name := range names {
			if source.IsKey(name) {
				continue
			}
			changed := values == nil || i >= len(values) || values[i] != old[i]
			if w.conflict.Detect == DetectOldData || changed {
				conds = append(conds, Condition{Column: name, Value: old[i]})
			}
		}
		return conds
	case DetectTimestamp, DetectVersion:
		if values == nil {
			return nil
		}
		return w.newerConditions(values)
	}
	return nil
}

// newerConditions match a target row whose timestamp or version column is
// older than the incoming one
func (w *DatabaseWriter) newerConditions(values csvdata.Fields) []Condition {
	idx := w.template.Source().ColumnIndex(w.conflict.DetectExpression)
	if idx < 0 || idx >= len(values) {
		return nil
	}
	return []Condition{{Column: w.conflict.DetectExpression, Value: values[idx], Before: true}}
}

// ignoreRow skips a conflicting row, or the rest of the batch when the
// settings resolve whole batches
func (w *DatabaseWriter) ignoreRow(table string, op DmlType) error {
	if !w.conflict.ResolveRowOnly {
		w.log.Info().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Str("conflict", w.conflict.ID).
			Msg("Conflict ignores batch")
		return fmt.Errorf("%s on %s: %w", op, table, processor.ErrIgnoreBatch)
	}
	w.wc.Batch.Stats.Increment(batch.IgnoreRowCount)
	w.log.Info().Int64("batch_id", w.wc.Batch.ID).Str("table", table).Str("operation", op.String()).
		Str("conflict", w.conflict.ID).Msg("Conflicting row ignored")
	return nil
}

// conflictError counts an unresolved conflict and returns it
func (w *DatabaseWriter) conflictError(table string, op DmlType, d *csvdata.Data, fallback bool, cause error) error {
	metrics.ConflictsTotal.WithLabelValues(table, op.String()).Inc()
	return &ConflictError{Table: table, Operation: op, Data: d, FallbackAttempted: fallback, Err: cause}
}

// execSavepoint runs the create, rollback or release statement of a
// savepoint; an empty statement is skipped
func (w *DatabaseWriter) execSavepoint(ctx context.Context, name string, which int) error {
	create, rollback, release := w.dialect.Savepoint(name)
	stmt := [3]string{create, rollback, release}[which]
	if stmt == "" {
		return nil
	}
	if _, err := w.wc.Tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}
