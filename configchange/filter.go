// Package configchange reacts to replicated changes of the sync metadata
// tables. Changes are collected while a batch is written and acted on once,
// after the batch commits.
package configchange

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/cache"
	"github.com/mevdschee/tqdbsync/csvdata"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/metrics"
	"github.com/mevdschee/tqdbsync/parser"
	"github.com/mevdschee/tqdbsync/schema"
	"github.com/mevdschee/tqdbsync/writer"
)

// DefaultTablePrefix prefixes the names of the metadata tables
const DefaultTablePrefix = "sym"

// Names of the caches flushed through the registry
const (
	CacheChannels    = "channels"
	CacheConflicts   = "conflicts"
	CacheTransforms  = "transforms"
	CacheLoadFilters = "load_filters"
	CacheNodes       = "nodes"
)

// Action names, used in logs and as the metric label
const (
	ActionFlush            = "flush"
	ActionSyncTriggers     = "sync_triggers"
	ActionSyncAllTriggers  = "sync_all_triggers"
	ActionRestartJobs      = "restart_jobs"
	ActionRereadParameters = "reread_parameters"
)

const contextKey = "configchange.changes"

// Actions are the reactions available to the filter. Nil functions are skipped.
type Actions struct {
	SyncTriggers     func(ctx context.Context, triggerIDs []string) error
	SyncAllTriggers  func(ctx context.Context) error
	RestartJobs      func(ctx context.Context) error
	RereadParameters func(ctx context.Context) error
	Caches           *cache.Registry
}

// changes accumulates what one batch touched
type changes struct {
	flush            map[string]bool
	triggerIDs       map[string]bool
	syncAllTriggers  bool
	restartJobs      bool
	rereadParameters bool
}

// Filter is a writer.Filter and writer.BatchFilter
type Filter struct {
	prefix  string
	actions Actions
	log     zerolog.Logger
}

// New creates a filter for tables named prefix_*; an empty prefix means
// DefaultTablePrefix
func New(prefix string, actions Actions) *Filter {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	return &Filter{
		prefix:  strings.ToLower(prefix) + "_",
		actions: actions,
		log:     logging.New("configchange"),
	}
}

// BeforeWrite never vetoes
func (f *Filter) BeforeWrite(context.Context, *writer.Context, *schema.Table, *csvdata.Data) (bool, error) {
	return true, nil
}

// AfterWrite records the change if table is a metadata table
func (f *Filter) AfterWrite(ctx context.Context, wc *writer.Context, table *schema.Table, data *csvdata.Data) error {
	if data.EventType == csvdata.SQL {
		return f.recordSQL(wc, table, data)
	}
	suffix, ok := f.suffix(table.Name)
	if !ok {
		return nil
	}
	f.record(wc, suffix, table, data)
	return nil
}

func (f *Filter) suffix(name string) (string, bool) {
	lower := strings.ToLower(name)
	if !strings.HasPrefix(lower, f.prefix) {
		return "", false
	}
	return lower[len(f.prefix):], true
}

func (f *Filter) changes(wc *writer.Context) *changes {
	if v, ok := wc.Get(contextKey); ok {
		return v.(*changes)
	}
	c := &changes{flush: make(map[string]bool), triggerIDs: make(map[string]bool)}
	wc.Put(contextKey, c)
	return c
}

func (f *Filter) record(wc *writer.Context, suffix string, table *schema.Table, data *csvdata.Data) {
	c := f.changes(wc)
	switch suffix {
	case "channel":
		c.flush[CacheChannels] = true
	case "conflict":
		c.flush[CacheConflicts] = true
	case "parameter":
		c.rereadParameters = true
		if key := value(table, data, "param_key"); strings.HasPrefix(strings.ToLower(key), "job.") {
			c.restartJobs = true
		}
	case "router", "node_group_link", "grouplet", "grouplet_link", "trigger_router_grouplet":
		c.syncAllTriggers = true
	case "trigger", "trigger_router":
		id := value(table, data, "trigger_id")
		if data.EventType == csvdata.Delete || id == "" {
			c.syncAllTriggers = true
		} else {
			c.triggerIDs[id] = true
		}
	case "transform_table", "transform_column":
		c.flush[CacheTransforms] = true
	case "load_filter":
		c.flush[CacheLoadFilters] = true
	case "job":
		c.restartJobs = true
	case "node", "node_security":
		c.flush[CacheNodes] = true
	}
}

// recordSQL classifies a captured statement by the table it targets.
// Row values are unknown, so trigger changes resync all triggers.
func (f *Filter) recordSQL(wc *writer.Context, table *schema.Table, data *csvdata.Data) error {
	fields, err := data.ParsedData(csvdata.RowData)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	stmt := parser.Parse(fields[0].String)
	name := stmt.Table
	if name == "" && table != nil {
		name = table.Name
	}
	suffix, ok := f.suffix(name)
	if !ok {
		return nil
	}
	switch suffix {
	case "trigger", "trigger_router":
		f.changes(wc).syncAllTriggers = true
	case "parameter":
		c := f.changes(wc)
		c.rereadParameters = true
		if strings.Contains(strings.ToLower(stmt.SQL), "job.") {
			c.restartJobs = true
		}
	default:
		f.record(wc, suffix, schema.New("", "", name, nil, nil), data)
	}
	return nil
}

// value finds a named column in the new row, the keys or the old row
func value(table *schema.Table, data *csvdata.Data, column string) string {
	lookups := []struct {
		names []string
		key   string
	}{
		{table.ColumnNames(), csvdata.RowData},
		{table.KeyNames(), csvdata.PKData},
		{table.ColumnNames(), csvdata.OldData},
	}
	for _, l := range lookups {
		if !data.Has(l.key) {
			continue
		}
		values, err := data.ColumnValues(l.names, l.key)
		if err != nil {
			continue
		}
		for name, v := range values {
			if strings.EqualFold(name, column) && v.Valid {
				return v.String
			}
		}
	}
	return ""
}

// BatchComplete does nothing; actions wait for the commit
func (f *Filter) BatchComplete(context.Context, *writer.Context) error {
	return nil
}

// BatchCommitted runs each recorded action once
func (f *Filter) BatchCommitted(ctx context.Context, wc *writer.Context) {
	v, ok := wc.Remove(contextKey)
	if !ok {
		return
	}
	c := v.(*changes)
	log := f.log.With().Int64("batch_id", wc.Batch.ID).Logger()

	if f.actions.Caches != nil {
		names := make([]string, 0, len(c.flush))
		for name := range c.flush {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			f.actions.Caches.Flush(name)
			metrics.ConfigChangesTotal.WithLabelValues(ActionFlush).Inc()
		}
	}
	if c.rereadParameters {
		f.run(ctx, log, ActionRereadParameters, f.actions.RereadParameters)
	}
	if c.syncAllTriggers {
		f.run(ctx, log, ActionSyncAllTriggers, f.actions.SyncAllTriggers)
	} else if len(c.triggerIDs) > 0 && f.actions.SyncTriggers != nil {
		ids := make([]string, 0, len(c.triggerIDs))
		for id := range c.triggerIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		f.run(ctx, log, ActionSyncTriggers, func(ctx context.Context) error {
			return f.actions.SyncTriggers(ctx, ids)
		})
	}
	if c.restartJobs {
		f.run(ctx, log, ActionRestartJobs, f.actions.RestartJobs)
	}
}

func (f *Filter) run(ctx context.Context, log zerolog.Logger, name string, action func(context.Context) error) {
	if action == nil {
		return
	}
	metrics.ConfigChangesTotal.WithLabelValues(name).Inc()
	if err := action(ctx); err != nil {
		log.Error().Err(err).Str("action", name).Msg("Configuration change action failed")
		return
	}
	log.Info().Str("action", name).Msg("Applied configuration change")
}

// BatchRolledBack discards what the batch recorded
func (f *Filter) BatchRolledBack(_ context.Context, wc *writer.Context, _ error) {
	wc.Remove(contextKey)
}
