// Package conflict loads per-table conflict settings from the sync
// metadata tables.
package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/cache"
	"github.com/mevdschee/tqdbsync/dialect"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/schema"
	"github.com/mevdschee/tqdbsync/writer"
)

const rulesKey = "rules"

// rule is one row of the conflict table
type rule struct {
	settings writer.ConflictSettings
	group    string
	channel  string
	catalog  string
	schema   string
	table    string
}

// score ranks how specifically a rule targets a section, or -1 when it
// does not apply
func (r rule) score(channel string, t *schema.Table) int {
	if r.channel != "" && !strings.EqualFold(r.channel, channel) {
		return -1
	}
	if r.catalog != "" && !strings.EqualFold(r.catalog, t.Catalog) {
		return -1
	}
	if r.schema != "" && !strings.EqualFold(r.schema, t.Schema) {
		return -1
	}
	if r.table != "" && !strings.EqualFold(r.table, t.Name) {
		return -1
	}
	score := 0
	if r.table != "" {
		score += 2
	}
	if r.channel != "" {
		score++
	}
	return score
}

// Store is a writer.ConflictSource backed by the <prefix>_conflict table.
// Rules are cached until the TTL expires or Clear is called.
type Store struct {
	db      *sql.DB
	dialect dialect.Dialect
	table   string
	group   string
	rules   *cache.Cache[[]rule]
	log     zerolog.Logger
}

// NewStore creates a store for the node group's rules in prefix_conflict
func NewStore(db *sql.DB, d dialect.Dialect, prefix, group string, ttl time.Duration) (*Store, error) {
	rules, err := cache.New[[]rule](16, ttl)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "sym"
	}
	return &Store{
		db:      db,
		dialect: d,
		table:   strings.ToLower(prefix) + "_conflict",
		group:   group,
		rules:   rules,
		log:     logging.New("conflict"),
	}, nil
}

// ConflictSettings picks the most specific rule: table and channel, then
// table, then channel, then the group default
func (s *Store) ConflictSettings(ctx context.Context, b *batch.Batch, t *schema.Table) (writer.ConflictSettings, error) {
	rules, err := s.load(ctx)
	if err != nil {
		return writer.ConflictSettings{}, err
	}
	channel := ""
	if b != nil {
		channel = b.ChannelID
	}
	best, bestScore := writer.DefaultConflictSettings, -1
	for _, r := range rules {
		if score := r.score(channel, t); score > bestScore {
			best, bestScore = r.settings, score
		}
	}
	return best, nil
}

// Clear drops the cached rules
func (s *Store) Clear() {
	s.rules.Clear()
}

// Close stops the cache
func (s *Store) Close() {
	s.rules.Close()
}

func (s *Store) load(ctx context.Context) ([]rule, error) {
	if rules, ok := s.rules.Get(rulesKey); ok {
		return rules, nil
	}
	rules, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	s.rules.Set(rulesKey, rules)
	s.log.Debug().Int("rules", len(rules)).Str("table", s.table).Msg("Loaded conflict settings")
	return rules, nil
}

func (s *Store) read(ctx context.Context) ([]rule, error) {
	meta, err := dialect.LookupTable(ctx, s.dialect, s.db, "", "", s.table)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	q := s.dialect.QuoteIdentifier
	query := fmt.Sprintf(`SELECT %s, %s, %s, %s, %s, %s, %s, %s, %s FROM %s`,
		q("conflict_id"), q("target_node_group_id"), q("target_channel_id"),
		q("target_catalog_name"), q("target_schema_name"), q("target_table_name"),
		q("detect_type"), q("detect_expression"), q("resolve_type"),
		dialect.QuoteTable(s.dialect, "", "", s.table))
	rowOnly := meta.ColumnIndex("resolve_row_only") >= 0
	if rowOnly {
		query = strings.Replace(query, " FROM ", ", "+q("resolve_row_only")+" FROM ", 1)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.table, err)
	}
	defer rows.Close()

	var rules []rule
	for rows.Next() {
		var (
			id                                        string
			group, channel, catalog, schemaName, name sql.NullString
			detect, expression, resolve               sql.NullString
			resolveRowOnly                            sql.NullInt64
		)
		dest := []any{&id, &group, &channel, &catalog, &schemaName, &name, &detect, &expression, &resolve}
		if rowOnly {
			dest = append(dest, &resolveRowOnly)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("read %s: %w", s.table, err)
		}
		if group.Valid && s.group != "" && !strings.EqualFold(group.String, s.group) {
			continue
		}

		settings := writer.ConflictSettings{ID: id, DetectExpression: expression.String, ResolveRowOnly: true}
		if settings.Detect, err = writer.ParseDetectType(detect.String); err != nil {
			return nil, fmt.Errorf("conflict %s: %w", id, err)
		}
		if settings.Resolve, err = writer.ParseResolveType(resolve.String); err != nil {
			return nil, fmt.Errorf("conflict %s: %w", id, err)
		}
		if resolveRowOnly.Valid {
			settings.ResolveRowOnly = resolveRowOnly.Int64 != 0
		}
		rules = append(rules, rule{
			settings: settings,
			group:    group.String,
			channel:  channel.String,
			catalog:  catalog.String,
			schema:   schemaName.String,
			table:    name.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.table, err)
	}
	// Equal scores resolve to the lowest id
	sort.Slice(rules, func(i, j int) bool { return rules[i].settings.ID < rules[j].settings.ID })
	return rules, nil
}
