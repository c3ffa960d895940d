package csvdata

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformed is returned when input cannot be read as CSV records
var ErrMalformed = errors.New("malformed csv")

// Escape renders fields as a single record. Values are quoted with
// backslash escapes; NULL is an empty unquoted field.
func Escape(fields Fields) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		if !f.Valid {
			continue
		}
		b.WriteByte('"')
		for j := 0; j < len(f.String); j++ {
			switch c := f.String[j]; c {
			case '\\':
				b.WriteString(`\\`)
			case '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}
		}
		b.WriteByte('"')
	}
	return b.String()
}

// ParseRecord reads s as exactly one record. The empty string holds no
// fields; a lone NULL only survives in the parsed form of a Data slot.
func ParseRecord(s string) (Fields, error) {
	if s == "" {
		return Fields{}, nil
	}
	rr := NewRecordReader(strings.NewReader(s))
	fields, err := rr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: no record in %q", ErrMalformed, s)
	}
	if err != nil {
		return nil, err
	}
	if _, err := rr.Read(); err != io.EOF {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: more than one record in %q", ErrMalformed, s)
	}
	return fields, nil
}

// RecordReader streams records in backslash escape mode. Quoted fields
// may span physical lines; blank lines are skipped.
type RecordReader struct {
	r     *bufio.Reader
	line  int
	start int
	bytes int
}

// NewRecordReader creates a reader over r
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Line returns the line number the last record started on
func (rr *RecordReader) Line() int {
	return rr.start
}

// Bytes returns the size in bytes of the last record including its line ending
func (rr *RecordReader) Bytes() int {
	return rr.bytes
}

// Read returns the next record, or io.EOF when the input is exhausted
func (rr *RecordReader) Read() (Fields, error) {
	for {
		fields, err := rr.readRecord()
		if err != nil {
			return nil, err
		}
		if fields != nil {
			return fields, nil
		}
	}
}

// readRecord returns nil fields for a blank line
func (rr *RecordReader) readRecord() (Fields, error) {
	var (
		fields   Fields
		field    strings.Builder
		quoted   bool
		inQuotes bool
		seen     bool
	)
	rr.start = rr.line + 1
	rr.bytes = 0

	finish := func() {
		fields = append(fields, sql.NullString{String: field.String(), Valid: quoted || field.Len() > 0})
		field.Reset()
		quoted = false
	}

	for {
		c, err := rr.r.ReadByte()
		if err == io.EOF {
			if inQuotes {
				return nil, fmt.Errorf("%w: unterminated quoted field starting on line %d", ErrMalformed, rr.start)
			}
			if !seen {
				return nil, io.EOF
			}
			rr.line++
			finish()
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		rr.bytes++
		seen = true

		if c == '\\' {
			next, err := rr.r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: dangling escape on line %d", ErrMalformed, rr.line+1)
			}
			rr.bytes++
			if next == '\n' {
				rr.line++
			}
			field.WriteByte(unescape(next))
			continue
		}

		if inQuotes {
			switch c {
			case '"':
				inQuotes = false
			case '\n':
				rr.line++
				field.WriteByte(c)
			default:
				field.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"':
			if field.Len() == 0 && !quoted {
				quoted, inQuotes = true, true
			} else {
				field.WriteByte(c)
			}
		case ',':
			finish()
		case '\r':
		case '\n':
			rr.line++
			if fields == nil && field.Len() == 0 && !quoted {
				return nil, nil
			}
			finish()
			return fields, nil
		default:
			field.WriteByte(c)
		}
	}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}
