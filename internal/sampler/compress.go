package sampler

import (
	"sort"
	"strings"

	"github.com/vitalis-app/countermon/internal/models"
)

// identityColumns identify the physical entity a row describes.
var identityColumns = []string{
	ColumnCluster,
	ColumnMachine,
	ColumnSource,
	ColumnCategory,
	ColumnInstance,
	ColumnUnit,
}

// CompressTable merges rows sharing the same identity columns into one row
// per identity. Rows are grouped after a stable sort on instance; within a
// group the first row is the base and every later row only fills cells that
// are still empty in it, so the earliest value of a column wins.
//
// The input table is not modified.
func CompressTable(t *models.Table) *models.Table {
	out := t.Clone()
	if t.Len() == 0 {
		return out
	}

	rows := make([]models.Row, len(t.Rows))
	copy(rows, t.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return models.FormatValue(t.Get(rows[i], ColumnInstance)) < models.FormatValue(t.Get(rows[j], ColumnInstance))
	})

	index := make(map[string]int)
	for _, row := range rows {
		key := identityKey(t, row)
		i, ok := index[key]
		if !ok {
			base := make(models.Row, len(row))
			copy(base, row)
			index[key] = len(out.Rows)
			out.Append(base)
			continue
		}
		base := out.Rows[i]
		for col, v := range row {
			if models.IsEmpty(base[col]) && !models.IsEmpty(v) {
				base[col] = v
			}
		}
	}
	return out
}

// identityKey joins the text form of the identity columns; nulls and empty
// strings compare equal.
func identityKey(t *models.Table, row models.Row) string {
	parts := make([]string, len(identityColumns))
	for i, col := range identityColumns {
		parts[i] = models.FormatValue(t.Get(row, col))
	}
	return strings.Join(parts, "\x00")
}
