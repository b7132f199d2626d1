package models

import "time"

// Batch is the JSON form of one cycle's table as sent to an HTTP ingestion
// endpoint. Null cells are omitted from records.
type Batch struct {
	Table     string           `json:"table"`
	Collected time.Time        `json:"collected"`
	Columns   []BatchColumn    `json:"columns"`
	Records   []map[string]any `json:"records"`
}

// BatchColumn describes one column of a Batch.
type BatchColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// NewBatch converts a table into its wire form.
func NewBatch(t *Table, collected time.Time) Batch {
	cols := t.Schema.Columns()
	b := Batch{
		Table:     t.Name(),
		Collected: collected.UTC(),
		Columns:   make([]BatchColumn, len(cols)),
		Records:   t.Records(),
	}
	for i, c := range cols {
		b.Columns[i] = BatchColumn{Name: c.Name, Type: c.Type.String(), Nullable: c.Nullable}
	}
	return b
}
