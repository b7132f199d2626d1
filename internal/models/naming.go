package models

import (
	"strings"
	"unicode"
)

// ToSnakeCase normalizes a counter name into a column name: surrounding
// whitespace is trimmed, spaces become underscores, an underscore is inserted
// at every lower-to-upper case boundary, and the result is lowercased.
//
// Sink-side schemas depend on this mapping staying stable.
func ToSnakeCase(s string) string {
	runes := []rune(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))

	out := make([]rune, 0, len(runes)+4)
	for i, r := range runes {
		if i > 0 && unicode.IsLower(runes[i-1]) && unicode.IsUpper(r) {
			out = append(out, '_')
		}
		out = append(out, r)
	}
	return strings.ToLower(string(out))
}

// Fixed metadata columns of every result table.
const (
	ColumnTimestamp   = "timestamp"
	ColumnCluster     = "cluster"
	ColumnMachine     = "machine"
	ColumnCounterType = "counter_type"
	ColumnSource      = "source"
	ColumnCategory    = "category"
	ColumnInstance    = "instance"
	ColumnUnit        = "unit"

	// ColumnID is the surrogate key of database tables.
	ColumnID = "id"
)

var reservedColumns = map[string]bool{
	ColumnTimestamp:   true,
	ColumnCluster:     true,
	ColumnMachine:     true,
	ColumnCounterType: true,
	ColumnSource:      true,
	ColumnCategory:    true,
	ColumnInstance:    true,
	ColumnUnit:        true,
	ColumnID:          true,
}

// IsReservedColumn reports whether a metric name normalizes to a column
// the table already uses for metadata.
func IsReservedColumn(name string) bool {
	return reservedColumns[ToSnakeCase(name)]
}
