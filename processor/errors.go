package processor

import (
	"errors"
	"fmt"

	"github.com/mevdschee/tqdbsync/csvdata"
)

var (
	// ErrIgnoreBatch ends the current batch without error; its remaining
	// rows are drained and nothing is committed
	ErrIgnoreBatch = errors.New("batch ignored")

	// ErrIncompleteBatch is returned when the stream ends inside a batch
	ErrIncompleteBatch = errors.New("batch ended without commit")
)

// BatchError reports a failed batch with the table and row that failed
type BatchError struct {
	BatchID int64
	Channel string
	Table   string
	Data    *csvdata.Data
	Err     error
}

func (e *BatchError) Error() string {
	msg := fmt.Sprintf("batch %d on channel %s failed", e.BatchID, e.Channel)
	if e.Table != "" {
		msg += " at table " + e.Table
	}
	if e.Data != nil {
		msg += " (" + e.Data.EventType.String() + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
