package parser

import (
	"testing"
)

func TestParse_StatementType(t *testing.T) {
	tests := []struct {
		query    string
		expected StatementType
	}{
		{"SELECT * FROM users", StatementSelect},
		{"select id from users", StatementSelect},
		{"WITH x AS (SELECT 1) SELECT * FROM x", StatementSelect},
		{"INSERT INTO users (name) VALUES ('test')", StatementInsert},
		{"UPDATE users SET name = 'test'", StatementUpdate},
		{"DELETE FROM users WHERE id = 1", StatementDelete},
		{"CREATE TABLE users (id INT)", StatementCreate},
		{"alter table users add column x int", StatementAlter},
		{"DROP TABLE users", StatementDrop},
		{"TRUNCATE TABLE users", StatementTruncate},
		{"SHOW TABLES", StatementUnknown},
		{"/* captured */ DELETE FROM users", StatementDelete},
		{"-- note\nUPDATE users SET a = 1", StatementUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := Parse(tt.query)
			if p.Type != tt.expected {
				t.Errorf("Parse(%q).Type = %v, want %v", tt.query, p.Type, tt.expected)
			}
		})
	}
}

func TestParse_Table(t *testing.T) {
	tests := []struct {
		query          string
		expectedSchema string
		expectedTable  string
	}{
		{"INSERT INTO sym_channel (channel_id) VALUES ('x')", "", "sym_channel"},
		{"INSERT OR REPLACE INTO sym_node VALUES (1)", "", "sym_node"},
		{"UPDATE `db`.`sym_parameter` SET param_value = '1'", "db", "sym_parameter"},
		{"DELETE FROM \"public\".\"sym_trigger\" WHERE trigger_id = 'a'", "public", "sym_trigger"},
		{"DELETE FROM [dbo].[orders]", "dbo", "orders"},
		{"TRUNCATE TABLE sym_router", "", "sym_router"},
		{"TRUNCATE sym_router", "", "sym_router"},
		{"CREATE TABLE IF NOT EXISTS orders (id INT)", "", "orders"},
		{"ALTER TABLE app.orders ADD COLUMN note TEXT", "app", "orders"},
		{"DROP TABLE IF EXISTS orders", "", "orders"},
		{"CREATE UNIQUE INDEX idx_orders ON orders (id)", "", "orders"},
		{"SELECT * FROM users", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := Parse(tt.query)
			if p.Schema != tt.expectedSchema {
				t.Errorf("Parse(%q).Schema = %q, want %q", tt.query, p.Schema, tt.expectedSchema)
			}
			if p.Table != tt.expectedTable {
				t.Errorf("Parse(%q).Table = %q, want %q", tt.query, p.Table, tt.expectedTable)
			}
		})
	}
}

func TestParse_StripsLeadingComments(t *testing.T) {
	p := Parse("  /* a */ /* b */\n-- c\n  UPDATE t SET x = 1  ")
	if p.SQL != "UPDATE t SET x = 1" {
		t.Errorf("SQL = %q, want %q", p.SQL, "UPDATE t SET x = 1")
	}
}

func TestParsedStatement_Classes(t *testing.T) {
	tests := []struct {
		query    string
		writable bool
		ddl      bool
	}{
		{"SELECT 1", false, false},
		{"INSERT INTO t VALUES (1)", true, false},
		{"TRUNCATE TABLE t", true, false},
		{"CREATE TABLE t (id INT)", false, true},
		{"ALTER TABLE t ADD x INT", false, true},
		{"DROP TABLE t", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := Parse(tt.query)
			if p.IsWritable() != tt.writable {
				t.Errorf("Parse(%q).IsWritable() = %v, want %v", tt.query, p.IsWritable(), tt.writable)
			}
			if p.IsDDL() != tt.ddl {
				t.Errorf("Parse(%q).IsDDL() = %v, want %v", tt.query, p.IsDDL(), tt.ddl)
			}
		})
	}
}

func TestParsedStatement_TableMatches(t *testing.T) {
	p := Parse("UPDATE SYM_Channel SET x = 1")
	if !p.TableMatches("sym_channel") {
		t.Errorf("expected case-insensitive table match")
	}
	if Parse("SELECT 1").TableMatches("") {
		t.Errorf("empty table must not match")
	}
}
