package reader

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownToken is returned for a line whose leading token is not recognized
	ErrUnknownToken = errors.New("unknown token")

	// ErrMissingColumns is returned when a row token precedes the keys/columns header
	ErrMissingColumns = errors.New("column names were not declared for table")

	// ErrMissingKeys is returned when an update or delete has no declared keys
	ErrMissingKeys = errors.New("key names were not declared for table")

	// ErrFieldCount is returned when a row does not carry the declared number of values
	ErrFieldCount = errors.New("field count mismatch")

	// ErrOutsideBatch is returned for a row or header token before any batch token
	ErrOutsideBatch = errors.New("token outside of a batch")
)

// ParseError locates a malformed line in the stream
type ParseError struct {
	BatchID int64
	Line    int
	Token   string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("batch %d, line %d, token %q: %v", e.BatchID, e.Line, e.Token, e.Err)
	}
	return fmt.Sprintf("batch %d, line %d: %v", e.BatchID, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
