package parser

import (
	"regexp"
	"strings"
)

// StatementType represents the type of a SQL statement
type StatementType int

const (
	StatementUnknown StatementType = iota
	StatementSelect
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementCreate
	StatementAlter
	StatementDrop
	StatementTruncate
)

func (t StatementType) String() string {
	switch t {
	case StatementSelect:
		return "SELECT"
	case StatementInsert:
		return "INSERT"
	case StatementUpdate:
		return "UPDATE"
	case StatementDelete:
		return "DELETE"
	case StatementCreate:
		return "CREATE"
	case StatementAlter:
		return "ALTER"
	case StatementDrop:
		return "DROP"
	case StatementTruncate:
		return "TRUNCATE"
	}
	return "UNKNOWN"
}

// ParsedStatement contains extracted information from a SQL statement
type ParsedStatement struct {
	Type   StatementType
	Schema string // Schema or database qualifier of the target table, if any
	Table  string // Target table, unquoted
	SQL    string // Statement with leading comments removed
}

var (
	// Match leading /* ... */ and -- comments
	leadingCommentRegex = regexp.MustCompile(`^(?:\s*(?:/\*(?s:.*?)\*/|--[^\n]*(?:\n|$)))*\s*`)
	// Match statement type on the first keyword
	statementTypeRegex = regexp.MustCompile(`(?i)^(SELECT|WITH|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|TRUNCATE)\b`)
	// Match the target table of DML and DDL, optionally qualified like db.table or `db`.`table`
	tableRegex = regexp.MustCompile("(?i)^(?:INSERT\\s+(?:OR\\s+\\w+\\s+)?INTO|UPDATE|DELETE\\s+FROM|TRUNCATE\\s+(?:TABLE\\s+)?|(?:CREATE|ALTER|DROP)\\s+(?:(?:GLOBAL|LOCAL|TEMPORARY|TEMP|UNIQUE)\\s+)*(?:TABLE|INDEX|VIEW)(?:\\s+IF\\s+(?:NOT\\s+)?EXISTS)?)\\s*" +
		"(?:[`\"\\[]?([a-zA-Z0-9_$]+)[`\"\\]]?\\s*\\.\\s*)?[`\"\\[]?([a-zA-Z0-9_$]+)[`\"\\]]?")
	// Match the table an index is created on
	indexOnRegex = regexp.MustCompile("(?i)\\bON\\s+(?:[`\"\\[]?([a-zA-Z0-9_$]+)[`\"\\]]?\\s*\\.\\s*)?[`\"\\[]?([a-zA-Z0-9_$]+)[`\"\\]]?")
	indexRegex   = regexp.MustCompile(`(?i)^(?:CREATE|DROP)\s+(?:UNIQUE\s+)?INDEX\b`)
)

// Parse extracts the statement type and target table from a SQL statement
func Parse(query string) *ParsedStatement {
	p := &ParsedStatement{
		Type: StatementUnknown,
		SQL:  strings.TrimSpace(leadingCommentRegex.ReplaceAllString(query, "")),
	}

	if matches := statementTypeRegex.FindStringSubmatch(p.SQL); matches != nil {
		switch strings.ToUpper(matches[1]) {
		case "SELECT", "WITH":
			p.Type = StatementSelect
		case "INSERT":
			p.Type = StatementInsert
		case "UPDATE":
			p.Type = StatementUpdate
		case "DELETE":
			p.Type = StatementDelete
		case "CREATE":
			p.Type = StatementCreate
		case "ALTER":
			p.Type = StatementAlter
		case "DROP":
			p.Type = StatementDrop
		case "TRUNCATE":
			p.Type = StatementTruncate
		}
	}

	// An index belongs to the table it is created on
	if indexRegex.MatchString(p.SQL) {
		if matches := indexOnRegex.FindStringSubmatch(p.SQL); matches != nil {
			p.Schema, p.Table = matches[1], matches[2]
			return p
		}
	}
	if matches := tableRegex.FindStringSubmatch(p.SQL); matches != nil {
		p.Schema, p.Table = matches[1], matches[2]
	}
	return p
}

// IsWritable returns true if the statement changes rows (INSERT, UPDATE, DELETE, TRUNCATE)
func (p *ParsedStatement) IsWritable() bool {
	return p.Type == StatementInsert ||
		p.Type == StatementUpdate ||
		p.Type == StatementDelete ||
		p.Type == StatementTruncate
}

// IsDDL returns true if the statement changes table structure
func (p *ParsedStatement) IsDDL() bool {
	return p.Type == StatementCreate ||
		p.Type == StatementAlter ||
		p.Type == StatementDrop
}

// TableMatches reports whether the target table equals name, ignoring case
// and quoting
func (p *ParsedStatement) TableMatches(name string) bool {
	return p.Table != "" && strings.EqualFold(p.Table, name)
}
