package csvdata

import (
	"database/sql"
	"fmt"
)

// EventType identifies the kind of change a row event carries
type EventType int

const (
	Unknown EventType = iota
	Insert
	Update
	Delete
	Reload
	SQL
	Create
	BSH
)

var eventTypeNames = map[EventType]string{
	Unknown: "UNKNOWN",
	Insert:  "INSERT",
	Update:  "UPDATE",
	Delete:  "DELETE",
	Reload:  "RELOAD",
	SQL:     "SQL",
	Create:  "CREATE",
	BSH:     "BSH",
}

var eventTypeCodes = map[EventType]string{
	Insert: "I",
	Update: "U",
	Delete: "D",
	Reload: "R",
	SQL:    "S",
	Create: "C",
	BSH:    "B",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Code returns the single letter code used in capture tables
func (t EventType) Code() string {
	return eventTypeCodes[t]
}

// IsDML reports whether the event changes a row
func (t EventType) IsDML() bool {
	return t == Insert || t == Update || t == Delete
}

// ParseEventType maps a capture code back to its event type
func ParseEventType(code string) EventType {
	for t, c := range eventTypeCodes {
		if c == code {
			return t
		}
	}
	return Unknown
}

// Slots holding the payload of a row event
const (
	RowData = "rowData"
	OldData = "oldData"
	PKData  = "pkData"
)

// Data is a single row event. Each slot is held as a raw CSV string,
// as parsed fields, or both; the missing form is derived on first use
// and memoized.
//
// Code that modifies parsed fields in place must store them back with
// PutParsedData so the raw form is regenerated.
type Data struct {
	EventType EventType

	csv    map[string]string
	parsed map[string]Fields
}

// New creates an empty row event
func New(eventType EventType) *Data {
	return &Data{
		EventType: eventType,
		csv:       make(map[string]string),
		parsed:    make(map[string]Fields),
	}
}

// PutCsvData stores the raw CSV form of a slot
func (d *Data) PutCsvData(key, csv string) {
	d.csv[key] = csv
	delete(d.parsed, key)
}

// PutParsedData stores the parsed form of a slot
func (d *Data) PutParsedData(key string, fields Fields) {
	d.parsed[key] = fields
	delete(d.csv, key)
}

// Has reports whether the slot holds data in either form
func (d *Data) Has(key string) bool {
	if _, ok := d.parsed[key]; ok {
		return true
	}
	_, ok := d.csv[key]
	return ok
}

// ParsedData returns the fields of a slot, parsing the CSV form once.
// A missing slot yields nil.
func (d *Data) ParsedData(key string) (Fields, error) {
	if fields, ok := d.parsed[key]; ok {
		return fields, nil
	}
	raw, ok := d.csv[key]
	if !ok {
		return nil, nil
	}
	fields, err := ParseRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	d.parsed[key] = fields
	return fields, nil
}

// CsvData returns the CSV form of a slot, escaping the parsed form once.
// A missing slot yields "".
func (d *Data) CsvData(key string) string {
	if raw, ok := d.csv[key]; ok {
		return raw
	}
	fields, ok := d.parsed[key]
	if !ok {
		return ""
	}
	raw := Escape(fields)
	d.csv[key] = raw
	return raw
}

// ColumnValues pairs the fields of a slot with the given names
func (d *Data) ColumnValues(names []string, key string) (map[string]sql.NullString, error) {
	fields, err := d.ParsedData(key)
	if err != nil {
		return nil, err
	}
	if len(fields) != len(names) {
		return nil, fmt.Errorf("%s has %d values for %d columns", key, len(fields), len(names))
	}
	values := make(map[string]sql.NullString, len(names))
	for i, name := range names {
		values[name] = fields[i]
	}
	return values, nil
}
