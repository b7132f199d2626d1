// Package models defines the tabular result structures produced by the sampler.
// A Table carries a dynamically built Schema and sparse rows; sinks consume it
// without knowing which counters produced it.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the data type held by a column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeFloat64
	TypeTime
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeFloat64:
		return "float64"
	case TypeTime:
		return "time"
	default:
		return "unknown"
	}
}

// Column describes a single column of a Schema.
type Column struct {
	Name      string
	Type      ColumnType
	Nullable  bool
	MaxLength int
}

// Schema is an ordered set of uniquely named columns.
type Schema struct {
	Name    string
	columns []Column
	index   map[string]int
}

// NewSchema creates an empty schema with the given table name.
func NewSchema(name string) *Schema {
	return &Schema{
		Name:  name,
		index: make(map[string]int),
	}
}

// AddColumn appends a column, normalizing its name with ToSnakeCase.
// It returns false if a column with the normalized name already exists.
func (s *Schema) AddColumn(c Column) bool {
	c.Name = ToSnakeCase(c.Name)
	if _, ok := s.index[c.Name]; ok {
		return false
	}
	s.index[c.Name] = len(s.columns)
	s.columns = append(s.columns, c)
	return true
}

// Columns returns a copy of the schema columns in order.
func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// ColumnNames returns the column names in order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.columns) }

// Contains reports whether a column with the (normalized) name exists.
func (s *Schema) Contains(name string) bool {
	return s.Index(name) >= 0
}

// Index returns the position of the named column, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[ToSnakeCase(name)]; ok {
		return i
	}
	return -1
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	c := NewSchema(s.Name)
	c.columns = make([]Column, len(s.columns))
	copy(c.columns, s.columns)
	for k, v := range s.index {
		c.index[k] = v
	}
	return c
}

// Equal reports whether both schemas have the same name and identical columns in the same order.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Name != o.Name || len(s.columns) != len(o.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != o.columns[i] {
			return false
		}
	}
	return true
}

// Row holds one value per schema column. A nil entry is a null value.
type Row []any

// Table is a schema plus the rows sampled in one poll cycle.
type Table struct {
	Schema *Schema
	Rows   []Row
}

// NewTable creates an empty table for the schema.
func NewTable(schema *Schema) *Table {
	return &Table{Schema: schema}
}

// Name returns the table name.
func (t *Table) Name() string { return t.Schema.Name }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// NewRow returns an all-null row shaped for the table schema.
func (t *Table) NewRow() Row {
	return make(Row, t.Schema.Len())
}

// Append adds a row to the table.
func (t *Table) Append(row Row) {
	t.Rows = append(t.Rows, row)
}

// Set assigns a value to the named column of the row.
// It returns false if the column does not exist.
func (t *Table) Set(row Row, column string, v any) bool {
	i := t.Schema.Index(column)
	if i < 0 {
		return false
	}
	row[i] = v
	return true
}

// Get returns the value of the named column, or nil.
func (t *Table) Get(row Row, column string) any {
	i := t.Schema.Index(column)
	if i < 0 || i >= len(row) {
		return nil
	}
	return row[i]
}

// Clone returns an empty table with a copy of the schema.
func (t *Table) Clone() *Table {
	return NewTable(t.Schema.Clone())
}

// Records converts the rows into column-name keyed maps, omitting nulls.
func (t *Table) Records() []map[string]any {
	names := t.Schema.ColumnNames()
	records := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]any, len(names))
		for i, v := range row {
			if v != nil {
				rec[names[i]] = v
			}
		}
		records = append(records, rec)
	}
	return records
}

// TimestampLayout is the textual layout used for time values.
const TimestampLayout = "2006-01-02 15:04:05"

// FormatValue renders a cell as text. Nulls render as the empty string.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format(TimestampLayout)
	default:
		return fmt.Sprint(val)
	}
}

// IsEmpty reports whether a cell is null or renders as blank text.
func IsEmpty(v any) bool {
	return strings.TrimSpace(FormatValue(v)) == ""
}
