package sink

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/models"
)

// ParquetWriter writes each table to its own snappy-compressed parquet file.
type ParquetWriter struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewParquetWriter creates a writer producing files in dir.
func NewParquetWriter(dir string, logger *zap.Logger) *ParquetWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParquetWriter{dir: dir, logger: logger, now: time.Now}
}

func (w *ParquetWriter) Name() string { return "Parquet File Writer" }

// Write implements Writer. Empty tables produce no file.
func (w *ParquetWriter) Write(_ context.Context, t *models.Table) (err error) {
	if t.Len() == 0 {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	path := nextPath(w.dir, ".parquet", w.now())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating parquet file: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	pw := parquet.NewGenericWriter[any](f, parquetSchema(t.Schema), parquet.Compression(&parquet.Snappy))
	for _, rec := range parquetRecords(t) {
		if _, err := pw.Write([]any{rec}); err != nil {
			_ = pw.Close()
			return fmt.Errorf("writing parquet row: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}

	w.logger.Debug("Wrote parquet file",
		zap.String("path", path),
		zap.Int("rows", t.Len()))
	return nil
}

func (w *ParquetWriter) Close() error { return nil }

// parquetSchema maps the table schema to an optional-leaf group. Timestamps
// are stored as milliseconds since the epoch.
func parquetSchema(s *models.Schema) *parquet.Schema {
	fields := make(parquet.Group)
	for _, c := range s.Columns() {
		var node parquet.Node
		switch c.Type {
		case models.TypeFloat64:
			node = parquet.Leaf(parquet.DoubleType)
		case models.TypeTime:
			node = parquet.Leaf(parquet.Int64Type)
		default:
			node = parquet.String()
		}
		fields[c.Name] = parquet.Optional(node)
	}
	return parquet.NewSchema(s.Name, fields)
}

func parquetRecords(t *models.Table) []map[string]any {
	records := t.Records()
	for _, rec := range records {
		for k, v := range rec {
			if ts, ok := v.(time.Time); ok {
				rec[k] = ts.UnixMilli()
			}
		}
	}
	return records
}
