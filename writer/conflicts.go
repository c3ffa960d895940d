package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mevdschee/tqdbsync/batch"
	"github.com/mevdschee/tqdbsync/schema"
)

// DetectType decides which rows an UPDATE or DELETE may touch; a row that
// no longer matches is a conflict
type DetectType int

const (
	// DetectPrimaryKey matches on the key columns only
	DetectPrimaryKey DetectType = iota
	// DetectChangedData also requires the changed columns to hold their old values
	DetectChangedData
	// DetectOldData also requires every column to hold its old value
	DetectOldData
	// DetectTimestamp also requires the target timestamp column to be older
	DetectTimestamp
	// DetectVersion also requires the target version column to be lower
	DetectVersion
)

var detectNames = map[DetectType]string{
	DetectPrimaryKey:  "USE_PK_DATA",
	DetectChangedData: "USE_CHANGED_DATA",
	DetectOldData:     "USE_OLD_DATA",
	DetectTimestamp:   "USE_TIMESTAMP",
	DetectVersion:     "USE_VERSION",
}

func (t DetectType) String() string {
	if name, ok := detectNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DetectType(%d)", int(t))
}

// ParseDetectType maps a configured name such as USE_OLD_DATA to its type
func ParseDetectType(s string) (DetectType, error) {
	for t, name := range detectNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return t, nil
		}
	}
	return DetectPrimaryKey, fmt.Errorf("%w: detect type %q", ErrInvalidConflict, s)
}

// ResolveType decides what happens once a conflict is detected
type ResolveType int

const (
	// ResolveFallback turns a failed INSERT into an UPDATE and a failed
	// UPDATE into an INSERT, as far as Settings allow
	ResolveFallback ResolveType = iota
	// ResolveIgnore skips the row, or the whole batch unless ResolveRowOnly
	ResolveIgnore
	// ResolveNewerWins applies the row when its timestamp or version is newer
	ResolveNewerWins
	// ResolveManual fails the batch
	ResolveManual
)

var resolveNames = map[ResolveType]string{
	ResolveFallback:  "FALLBACK",
	ResolveIgnore:    "IGNORE",
	ResolveNewerWins: "NEWER_WINS",
	ResolveManual:    "MANUAL",
}

func (t ResolveType) String() string {
	if name, ok := resolveNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ResolveType(%d)", int(t))
}

// ParseResolveType maps a configured name such as NEWER_WINS to its type
func ParseResolveType(s string) (ResolveType, error) {
	for t, name := range resolveNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return t, nil
		}
	}
	return ResolveFallback, fmt.Errorf("%w: resolve type %q", ErrInvalidConflict, s)
}

// ErrInvalidConflict is returned for unusable conflict settings
var ErrInvalidConflict = errors.New("invalid conflict settings")

// ConflictSettings control conflict detection and resolution for a table
type ConflictSettings struct {
	ID      string
	Detect  DetectType
	Resolve ResolveType
	// DetectExpression names the timestamp or version column
	DetectExpression string
	// ResolveRowOnly limits IGNORE and NEWER_WINS to the conflicting row;
	// otherwise the whole batch is ignored
	ResolveRowOnly bool
}

// DefaultConflictSettings detect on keys and fall back
var DefaultConflictSettings = ConflictSettings{
	ID:             "default",
	Detect:         DetectPrimaryKey,
	Resolve:        ResolveFallback,
	ResolveRowOnly: true,
}

// Validate checks the settings against the declared source table
func (c ConflictSettings) Validate(source *schema.Table) error {
	switch c.Detect {
	case DetectTimestamp, DetectVersion:
		if c.DetectExpression == "" {
			return fmt.Errorf("%w: %s %s needs a column", ErrInvalidConflict, c.ID, c.Detect)
		}
		if source.ColumnIndex(c.DetectExpression) < 0 {
			return fmt.Errorf("%w: %s column %s is not sent for %s", ErrInvalidConflict, c.ID, c.DetectExpression, source.FullyQualifiedName())
		}
	}
	if c.Resolve == ResolveNewerWins && c.Detect != DetectTimestamp && c.Detect != DetectVersion {
		return fmt.Errorf("%w: %s NEWER_WINS needs USE_TIMESTAMP or USE_VERSION", ErrInvalidConflict, c.ID)
	}
	return nil
}

// ConflictSource picks the conflict settings of a table section
type ConflictSource interface {
	ConflictSettings(ctx context.Context, b *batch.Batch, t *schema.Table) (ConflictSettings, error)
}

// StaticConflicts maps lower-cased table names to settings; other tables
// use Default
type StaticConflicts struct {
	Default ConflictSettings
	Tables  map[string]ConflictSettings
}

// ConflictSettings implements ConflictSource
func (s StaticConflicts) ConflictSettings(_ context.Context, _ *batch.Batch, t *schema.Table) (ConflictSettings, error) {
	if c, ok := s.Tables[strings.ToLower(t.Name)]; ok {
		return c, nil
	}
	return s.Default, nil
}
