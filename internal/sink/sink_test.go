package sink

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalis-app/countermon/internal/config"
	"github.com/vitalis-app/countermon/internal/models"
)

var testTime = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func testSchema(extra ...string) *models.Schema {
	s := models.NewSchema("samples")
	s.AddColumn(models.Column{Name: "timestamp", Type: models.TypeTime})
	s.AddColumn(models.Column{Name: "machine", Type: models.TypeString})
	s.AddColumn(models.Column{Name: "cpu", Type: models.TypeFloat64, Nullable: true})
	for _, name := range extra {
		s.AddColumn(models.Column{Name: name, Type: models.TypeFloat64, Nullable: true})
	}
	return s
}

func testTable(s *models.Schema, rows ...[]any) *models.Table {
	t := models.NewTable(s)
	for _, r := range rows {
		row := t.NewRow()
		copy(row, r)
		t.Append(row)
	}
	return t
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestNew_SelectsWriterByMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.CSV.Directory = t.TempDir()

	w, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &CSVWriter{}, w)
	assert.Equal(t, "CSV File Writer", w.Name())

	cfg.Output.Mode = "PARQUET"
	w, err = New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &ParquetWriter{}, w)

	cfg.Output.Mode = config.OutputHTTP
	cfg.Output.HTTP.URL = "https://ingest.example.com"
	cfg.Output.HTTP.BufferDir = t.TempDir()
	w, err = New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPWriter{}, w)

	cfg.Output.Mode = "wmi"
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNextPath_AvoidsCollisions(t *testing.T) {
	dir := t.TempDir()
	first := nextPath(dir, ".csv", testTime)
	assert.Equal(t, filepath.Join(dir, "CounterSamples_20240301_123000.csv"), first)

	require.NoError(t, os.WriteFile(first, nil, 0640))
	assert.Equal(t, filepath.Join(dir, "CounterSamples_20240301_123000_1.csv"), nextPath(dir, ".csv", testTime))
}

func TestCSVWriter_HeaderOnceAndNullsEmpty(t *testing.T) {
	w := NewCSVWriter(t.TempDir(), nil)
	w.now = func() time.Time { return testTime }
	defer w.Close()

	s := testSchema()
	require.NoError(t, w.Write(context.Background(), testTable(s, []any{testTime, "worker1", 12.5})))
	require.NoError(t, w.Write(context.Background(), testTable(s, []any{testTime, "worker2", nil})))

	path := w.Path()
	require.NoError(t, w.Close())
	assert.Equal(t, [][]string{
		{"timestamp", "machine", "cpu"},
		{"2024-03-01 12:30:00", "worker1", "12.5"},
		{"2024-03-01 12:30:00", "worker2", ""},
	}, readCSV(t, path))
}

func TestCSVWriter_NewFileWhenColumnsChange(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, nil)
	w.now = func() time.Time { return testTime }
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), testTable(testSchema(), []any{testTime, "worker1", 1.0})))
	first := w.Path()
	require.NoError(t, w.Write(context.Background(), testTable(testSchema("sessions"), []any{testTime, "worker1", 1.0, 3.0})))
	second := w.Path()
	require.NoError(t, w.Close())

	assert.NotEqual(t, first, second)
	assert.Len(t, readCSV(t, first), 2)
	records := readCSV(t, second)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"timestamp", "machine", "cpu", "sessions"}, records[0])
}

func TestParquetWriter_OneFilePerTable(t *testing.T) {
	dir := t.TempDir()
	w := NewParquetWriter(dir, nil)
	w.now = func() time.Time { return testTime }

	table := testTable(testSchema(),
		[]any{testTime, "worker1", 12.5},
		[]any{testTime, "worker2", nil},
	)
	require.NoError(t, w.Write(context.Background(), table))
	require.NoError(t, w.Write(context.Background(), testTable(testSchema())))
	require.NoError(t, w.Write(context.Background(), table))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "empty tables produce no file")

	records := readParquet(t, filepath.Join(dir, entries[0].Name()))
	require.Len(t, records, 2)
	assert.Equal(t, "worker1", records[0]["machine"])
	assert.Equal(t, 12.5, records[0]["cpu"])
	assert.Equal(t, testTime.UnixMilli(), records[0]["timestamp"])
	assert.Nil(t, records[1]["cpu"])
}

func readParquet(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)

	pf, err := parquet.OpenFile(f, info.Size())
	require.NoError(t, err)

	var names []string
	for _, p := range pf.Schema().Columns() {
		names = append(names, strings.Join(p, "."))
	}

	var records []map[string]any
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 16)
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				rec := make(map[string]any)
				for _, v := range row {
					if v.IsNull() {
						continue
					}
					switch v.Kind() {
					case parquet.Double:
						rec[names[v.Column()]] = v.Double()
					case parquet.Int64:
						rec[names[v.Column()]] = v.Int64()
					default:
						rec[names[v.Column()]] = v.String()
					}
				}
				records = append(records, rec)
			}
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
		}
		require.NoError(t, rows.Close())
	}
	return records
}
