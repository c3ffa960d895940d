package writer

import (
	"errors"
	"fmt"

	"github.com/mevdschee/tqdbsync/csvdata"
)

var (
	// ErrNoRowsAffected is the cause of a conflict where a statement matched no row
	ErrNoRowsAffected = errors.New("no rows affected")

	// ErrMissingTable is returned when a target table does not exist
	ErrMissingTable = errors.New("target table not found")

	// ErrUnsupportedEvent is returned for event types the writer cannot apply
	ErrUnsupportedEvent = errors.New("unsupported event type")

	// ErrBatchOpen is returned by Start while a batch is still open
	ErrBatchOpen = errors.New("a batch is already open")

	// ErrNoBatch is returned when a table or row arrives outside a batch
	ErrNoBatch = errors.New("no batch is open")

	// ErrNoTable is returned when a row arrives outside a table section
	ErrNoTable = errors.New("no table section is open")

	// ErrValueCount is returned when a row does not match the declared columns
	ErrValueCount = errors.New("value count does not match columns")

	// ErrNoColumns is returned when none of the row's columns exist in the target
	ErrNoColumns = errors.New("no matching target columns")
)

// ConflictError reports a row event that could not be applied as captured
type ConflictError struct {
	Table     string
	Operation DmlType
	Data      *csvdata.Data
	// FallbackAttempted is set when the alternate operation was tried and failed too
	FallbackAttempted bool
	Err               error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict on %s into %s", e.Operation, e.Table)
	if e.FallbackAttempted {
		msg += " (fallback failed)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
