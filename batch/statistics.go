package batch

import (
	"sort"
	"time"
)

// Statistic names
const (
	LineCount           = "LINE_COUNT"
	ByteCount           = "BYTE_COUNT"
	StatementCount      = "STATEMENT_COUNT"
	InsertCount         = "INSERT_COUNT"
	UpdateCount         = "UPDATE_COUNT"
	DeleteCount         = "DELETE_COUNT"
	SQLCount            = "SQL_COUNT"
	CreateCount         = "CREATE_COUNT"
	OtherCount          = "OTHER_COUNT"
	FallbackInsertCount = "FALLBACK_INSERT_COUNT"
	FallbackUpdateCount = "FALLBACK_UPDATE_COUNT"
	MissingDeleteCount  = "MISSING_DELETE_COUNT"
	IgnoreCount         = "IGNORE_COUNT"
	IgnoreRowCount      = "IGNORE_ROW_COUNT"
	ExtractMillis       = "EXTRACT_MILLIS"
	NetworkMillis       = "NETWORK_MILLIS"
	ReadMillis          = "READ_MILLIS"
	FilterMillis        = "FILTER_MILLIS"
	LoadMillis          = "LOAD_MILLIS"
)

// Statistics accumulates counters and timings for one batch. It is used
// by the single goroutine processing the batch and is not synchronized.
type Statistics struct {
	counters map[string]int64
	timers   map[string]time.Time
	now      func() time.Time
}

// NewStatistics creates empty statistics
func NewStatistics() *Statistics {
	return &Statistics{
		counters: make(map[string]int64),
		timers:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Get returns the value of a counter
func (s *Statistics) Get(name string) int64 {
	return s.counters[name]
}

// Set overwrites a counter
func (s *Statistics) Set(name string, value int64) {
	s.counters[name] = value
}

// Increment adds one to a counter
func (s *Statistics) Increment(name string) {
	s.counters[name]++
}

// Add adds delta to a counter
func (s *Statistics) Add(name string, delta int64) {
	s.counters[name] += delta
}

// StartTimer starts (or restarts) a named timer
func (s *Statistics) StartTimer(name string) {
	s.timers[name] = s.now()
}

// StopTimer adds the milliseconds elapsed since StartTimer to the counter
// of the same name and returns them. Stopping a timer that was not started
// is a no-op.
func (s *Statistics) StopTimer(name string) int64 {
	started, ok := s.timers[name]
	if !ok {
		return 0
	}
	delete(s.timers, name)
	elapsed := s.now().Sub(started).Milliseconds()
	s.counters[name] += elapsed
	return elapsed
}

// Names returns the counter names in sorted order
func (s *Statistics) Names() []string {
	names := make([]string, 0, len(s.counters))
	for name := range s.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of all counters
func (s *Statistics) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}
